package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/fpinst/config"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/spf13/cobra"
)

func newInstrumentCmd() *cobra.Command {
	var (
		f         imageFlags
		outConfig string
		outImage  string
		showBlobs bool
	)
	cmd := &cobra.Command{
		Use:   "instrument <image>",
		Short: "Generate blobs for the floating-point instructions of a code image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := instrumentImage(cmd.Context(), f, args[0])
			if err != nil {
				return err
			}
			s.printSites(showBlobs)
			if err := s.saveBindings(f.bindings); err != nil {
				return err
			}
			if outConfig != "" {
				if err := s.cfg.Save(outConfig); err != nil {
					return err
				}
				log.Info(log.Config, "configuration written", "path", outConfig)
			}
			if outImage != "" {
				if err := s.plan.Apply(s.mem); err != nil {
					return err
				}
				patched := make([]byte, len(s.code))
				if err := s.mem.Read(s.base, patched); err != nil {
					return err
				}
				if err := os.WriteFile(outImage, patched, 0o644); err != nil {
					return fmt.Errorf("write patched image: %w", err)
				}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&outConfig, "out-config", "", "Write the configuration, with bindings, to this file")
	cmd.Flags().StringVarP(&outImage, "output", "o", "", "Write the spliced image to this file")
	cmd.Flags().BoolVar(&showBlobs, "blobs", false, "Disassemble generated blobs")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		f          imageFlags
		entry      string
		until      string
		regs       []string
		cells      []string
		iterations int
		maxSteps   int
		jsonOut    string
		htmlOut    string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Instrument a code image and run it on the emulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := instrumentImage(ctx, f, args[0])
			if err != nil {
				return err
			}
			if err := s.verifyBindings(f.bindings); err != nil {
				return err
			}
			if err := s.plan.Apply(s.mem); err != nil {
				return err
			}
			if err := s.h.Register(ctx); err != nil {
				return err
			}

			start, end := s.base, s.base+uint64(len(s.code))
			if entry != "" {
				if start, err = config.ParseAddress(entry); err != nil {
					return err
				}
			}
			if until != "" {
				if end, err = config.ParseAddress(until); err != nil {
					return err
				}
			}
			m, err := newMachine(s.mem, regs, cells)
			if err != nil {
				return err
			}
			m.MaxSteps = maxSteps
			r := s.h.NewRunner(m, s.plan)
			for i := 0; i < iterations; i++ {
				if err := r.Run(ctx, start, end); err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}
			}
			if err := s.h.Finish(ctx); err != nil {
				return err
			}

			printMessages(s.h.Log, verbose)
			if jsonOut != "" {
				if err := s.h.Log.SaveJSON(jsonOut); err != nil {
					return err
				}
			}
			if htmlOut != "" {
				out, err := os.Create(htmlOut)
				if err != nil {
					return fmt.Errorf("create %s: %w", htmlOut, err)
				}
				defer out.Close()
				if err := s.h.Log.WriteHTML(out); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&entry, "entry", "", "Start address (default: image base)")
	cmd.Flags().StringVar(&until, "until", "", "Stop address (default: end of image)")
	cmd.Flags().StringArrayVar(&regs, "set", nil, "Initial register value, e.g. xmm0=1.5 or rbx=0x3000")
	cmd.Flags().StringArrayVar(&cells, "mem", nil, "Initial memory double, e.g. 0x3000=2.5")
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 1, "Number of runs")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step budget per run (0 for the default)")
	cmd.Flags().StringVar(&jsonOut, "json", "", "Write the report log as JSON")
	cmd.Flags().StringVar(&htmlOut, "html", "", "Write an HTML report")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show status messages and details")
	return cmd
}
