package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/report"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

func newDisasmCmd() *cobra.Command {
	var (
		base    string
		fpOnly  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "disasm <image>",
		Short: "Disassemble a code image and show the semantics of its floating-point instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := config.ParseAddress(base)
			if err != nil {
				return err
			}
			_, code, err := loadImage(args[0], addr)
			if err != nil {
				return err
			}
			dec := semantics.NewDecoder()
			for off := 0; off < len(code); {
				pc := addr + uint64(off)
				inst, err := dec.Decode(pc, code[off:])
				if err == nil {
					fmt.Printf("%s  #%-4d %s\n", colorAddr("%#x", pc), inst.Index(), colorHeader(inst.Disassembly()))
					if verbose {
						for _, op := range inst.Operations() {
							fmt.Println("              " + op.String())
						}
						fmt.Printf("              needs %v, modifies %v\n", inst.NeededRegisters(), inst.ModifiedRegisters())
					}
					off += inst.NumBytes()
					continue
				}
				if errors.Is(err, fperrors.ErrDTruncated) {
					return err
				}
				other, derr := x86asm.Decode(code[off:], 64)
				n := 1
				text := "(bad)"
				if derr == nil {
					n, text = other.Len, x86asm.IntelSyntax(other, pc, nil)
				}
				if !fpOnly {
					fmt.Printf("%s        %s\n", colorAddr("%#x", pc), colorFaint(text))
				}
				off += n
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", defaultBase, "Load address of the code image")
	cmd.Flags().BoolVar(&fpOnly, "fp-only", false, "Only list floating-point instructions")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show operations and register sets")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var serialize bool
	cmd := &cobra.Command{
		Use:   "config <file>",
		Short: "Summarize a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if serialize {
				fmt.Print(cfg.Serialize())
				return nil
			}
			fmt.Println(colorHeader("settings"))
			fmt.Print(cfg.Summary(false))
			fmt.Printf("%s %d\n", colorHeader("address bindings:"), len(cfg.BindingKeys()))
			if len(cfg.ReplaceEntries()) > 0 {
				fmt.Print(cfg.Tree())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&serialize, "serialize", false, "Print the configuration in file format, bindings included")
	return cmd
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <a.json> <b.json>",
		Short: "Compare two JSON report logs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := report.LoadJSON(args[0])
			if err != nil {
				return err
			}
			b, err := report.LoadJSON(args[1])
			if err != nil {
				return err
			}
			match, err := report.Compare(a, b)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", colorHeader("match:"), match)
			if match == report.FullMatch {
				return nil
			}
			diff, err := report.Diff(a, b, !color.NoColor)
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimRight(diff, "\n"))
			return nil
		},
	}
	return cmd
}
