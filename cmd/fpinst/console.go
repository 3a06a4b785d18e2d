package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/fpinst/analysis"
	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/semantics"
	"github.com/colorfulnotion/fpinst/x86"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"
)

func newConsoleCmd() *cobra.Command {
	var (
		history    string
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "JavaScript console for decoding, disassembling and editing configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "fpinst> ",
				HistoryFile: history,
			})
			if err != nil {
				return fmt.Errorf("start readline: %w", err)
			}
			defer rl.Close()

			vm := newConsoleVM(cfg, semantics.NewDecoder())
			fmt.Println(colorOK("fpinst console"), colorFaint("(decode, disasm, get, set, keys, tags, save; 'exit' quits)"))
			for {
				line, err := rl.Readline()
				if err != nil {
					return nil
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "exit", "quit":
					return nil
				}
				v, err := vm.RunString(line)
				if err != nil {
					fmt.Println(colorError("error:"), err)
					continue
				}
				if v != nil && !goja.IsUndefined(v) {
					fmt.Println(v)
				}
			}
		},
	}
	cmd.Flags().StringVar(&history, "history", filepath.Join("/tmp", "fpinst_console_history"), "History file")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration to edit")
	return cmd
}

func parseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.NewReplacer(" ", "", "0x", "", ",", "").Replace(s))
}

// newConsoleVM binds the console functions into a JavaScript runtime.
func newConsoleVM(cfg *config.Config, dec *semantics.Decoder) *goja.Runtime {
	vm := goja.New()
	throw := func(err error) { panic(vm.NewGoError(err)) }

	vm.Set("decode", func(code string, addr int64) goja.Value {
		raw, err := parseHex(code)
		if err != nil {
			throw(err)
		}
		inst, err := dec.Decode(uint64(addr), raw)
		if err != nil {
			throw(err)
		}
		var ops []string
		for _, op := range inst.Operations() {
			ops = append(ops, op.String())
		}
		return vm.ToValue(map[string]any{
			"address":     config.FormatAddress(inst.Address()),
			"index":       inst.Index(),
			"bytes":       inst.NumBytes(),
			"disassembly": inst.Disassembly(),
			"operations":  ops,
		})
	})
	vm.Set("disasm", func(code string, addr int64) string {
		raw, err := parseHex(code)
		if err != nil {
			throw(err)
		}
		return strings.TrimRight(x86.DisassembleAt(raw, uint64(addr)), "\n")
	})
	vm.Set("get", func(key string) string { return cfg.GetValue(key) })
	vm.Set("set", func(key, value string) { cfg.SetValue(key, value) })
	vm.Set("keys", func() []string { return cfg.Keys() })
	vm.Set("tags", func() []string { return analysis.Tags() })
	vm.Set("summary", func() string { return cfg.Summary(true) })
	vm.Set("save", func(path string) {
		if err := cfg.Save(path); err != nil {
			throw(err)
		}
	})
	vm.Set("print", func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a.Export())
		}
		fmt.Println(strings.Join(parts, " "))
	})
	return vm
}
