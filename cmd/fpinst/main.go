// fpinst instruments the floating-point instructions of a flat x86-64 code
// image, runs it on the built-in emulator and reports what the analyses saw.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/colorfulnotion/fpinst/common"
	"github.com/colorfulnotion/fpinst/host"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var (
	colorHeader  = color.New(color.FgHiBlue, color.Bold).SprintFunc()
	colorAddr    = color.New(color.FgMagenta).SprintfFunc()
	colorWarn    = color.New(color.FgYellow, color.Bold).SprintFunc()
	colorError   = color.New(color.FgRed, color.Bold).SprintFunc()
	colorOK      = color.New(color.FgGreen).SprintFunc()
	colorFaint   = color.New(color.Faint).SprintFunc()
	colorFinding = color.New(color.FgHiRed).SprintFunc()
)

type globalFlags struct {
	logLevel     string
	modules      string
	noColor      bool
	otlpEndpoint string
	otlpInsecure bool
}

func main() {
	var g globalFlags
	var shutdown func(context.Context) error

	rootCmd := &cobra.Command{
		Use:   "fpinst",
		Short: "Floating-point binary instrumentation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(g.logLevel)
			if g.modules != "" {
				log.EnableModules(g.modules)
			}
			color.NoColor = color.NoColor || g.noColor
			var err error
			shutdown, err = host.SetupTracing(cmd.Context(), g.otlpEndpoint, g.otlpInsecure)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(cmd.Context())
		},
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, crit)")
	rootCmd.PersistentFlags().StringVar(&g.modules, "debug", "", "Comma separated modules to enable for debug and trace output")
	rootCmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&g.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace collector (host:port)")
	rootCmd.PersistentFlags().BoolVar(&g.otlpInsecure, "otlp-insecure", true, "Send traces over plain HTTP")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			commit := Commit
			if commit == "none" {
				commit = common.GetCommitHash()
			}
			fmt.Printf("fpinst %s (commit %s, built %s)\n", Version, commit, BuildTime)
		},
	}

	rootCmd.AddCommand(
		newInstrumentCmd(),
		newRunCmd(),
		newDisasmCmd(),
		newConfigCmd(),
		newDiffCmd(),
		newConsoleCmd(),
		versionCmd,
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, colorError("error:"), err)
		log.Crit(log.Host, "fpinst failed", "err", err)
	}
}
