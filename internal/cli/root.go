package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by main.go
var Version = "dev"

// rootCmd is the base command when called without subcommands
var rootCmd = &cobra.Command{
	Use:   "cloudexp",
	Short: "Submit CPU-simulation experiments to the cloud service",
	Long: `cloudexp packages an ELF workload and a target core, submits it to
the cloud simulation service, and waits for the resulting performance
report:
  - RSA-OAEP + AES-256-GCM hybrid encryption of the submitted package
  - scrypt + AES-256-GCM decryption of the downloaded result
  - exponential backoff while polling for completion
  - best-effort DWARF source-file snapshot of the submitted binaries`,
	Version: Version,
}

// Execute runs the CLI application.
func Execute(version string) {
	Version = version
	rootCmd.Version = version

	if err := rootCmd.ExecuteContext(signalContext()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so a
// Run in flight observes ctx.Err() at its next check point instead of
// the process dying mid-upload or mid-download.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\ncancelling, waiting for the current phase to unwind...")
		cancel()
	}()
	return ctx
}

func init() {
	// Disable default completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
