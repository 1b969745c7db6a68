package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloudexp/cloudexp/internal/cliconfig"
	"github.com/cloudexp/cloudexp/internal/clog"
	"github.com/cloudexp/cloudexp/internal/experiment"
	"github.com/cloudexp/cloudexp/internal/report"
)

func init() {
	runCmd.SilenceErrors = true
	runCmd.SilenceUsage = true
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(&runWorkloads, "workload", "w", nil, "ELF workload file (can be specified multiple times)")
	runCmd.Flags().StringVarP(&runCore, "core", "c", "", "Target core name")
	runCmd.Flags().StringVarP(&runName, "name", "n", "", "Experiment name (default: timestamp-derived)")
	runCmd.Flags().StringVar(&runDir, "dir", "", "Directory experiment artifacts are written under (default: current directory)")
	runCmd.Flags().StringVar(&runAPIKey, "api-key", "", "API key (overrides CLOUDEXP_API_KEY)")
	runCmd.Flags().StringVar(&runChannel, "channel", "", "Release channel (overrides CLOUDEXP_CHANNEL)")
	runCmd.Flags().StringVar(&runRegion, "region", "", "Service region (overrides CLOUDEXP_REGION)")
	runCmd.Flags().StringVar(&runGateway, "gateway", "", "Gateway URL, skips discovery (overrides CLOUDEXP_GATEWAY)")
	runCmd.Flags().StringVar(&runToolsVersion, "tools-version", "", "Tools version (overrides CLOUDEXP_TOOLS_VERSION)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Enable debug logging to stderr")

	_ = runCmd.MarkFlagRequired("workload")
	_ = runCmd.MarkFlagRequired("core")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit an experiment and wait for its result",
	Long: `Submit one or more ELF workloads against a target core, wait for the
cloud service to finish the run, and print the resulting summary.json
as JSON on stdout.

Examples:
  cloudexp run -w ./bin/workload -c zen4 --api-key $CLOUDEXP_API_KEY
  cloudexp run -w a.elf -w b.elf -c rv64gc -n nightly-run`,
	RunE: runExperiment,
}

var (
	runWorkloads    []string
	runCore         string
	runName         string
	runDir          string
	runAPIKey       string
	runChannel      string
	runRegion       string
	runGateway      string
	runToolsVersion string
	runVerbose      bool
)

func runExperiment(cmd *cobra.Command, args []string) error {
	if runVerbose {
		clog.EnableDebugLogging()
	}

	cfg, err := cliconfig.Load(cliconfig.Flags{
		APIKey:        runAPIKey,
		Channel:       runChannel,
		Region:        runRegion,
		Gateway:       runGateway,
		ToolsVersion:  runToolsVersion,
		ClientVersion: Version,
		Verbose:       runVerbose,
	}, Version)
	if err != nil {
		return err
	}

	rootDir := runDir
	if rootDir == "" {
		rootDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}

	exp := experiment.New(rootDir, cfg, clog.GetLogger())
	for _, w := range runWorkloads {
		path, err := filepath.Abs(w)
		if err != nil {
			return fmt.Errorf("resolving workload path %q: %w", w, err)
		}
		if err := exp.AddWorkload(path); err != nil {
			return err
		}
	}
	exp.SetCore(runCore)
	if runName != "" {
		exp.SetName(runName)
	}

	summary, err := exp.Run(cmd.Context())
	if err != nil {
		return err
	}

	return printSummary(summary)
}

// printSummary re-serializes the parsed summary to JSON on stdout,
// preserving summary.json's original key order.
func printSummary(summary *report.Summary) error {
	order := summary.MetricKeys(nil)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range order {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		val, err := json.Marshal(*summary.MetricValue(k))
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}', '\n')

	_, err := os.Stdout.Write(buf)
	return err
}
