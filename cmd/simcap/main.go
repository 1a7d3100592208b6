package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/san-kum/simcap/internal/config"
)

var version = "dev"

var (
	dataDir    string
	envFile    string
	verbose    bool
	configFile string
	dt         float64
	duration   float64
	warmup     int
	mode       string
	sink       string
	seed       int64
	live       bool
	repeat     int
	pngOut     bool
	outFile    string
	addr       string
)

// main registers the simcap commands and executes the root command,
// exiting with status 1 when a command fails.
func main() {
	rootCmd := &cobra.Command{
		Use:           "simcap",
		Short:         "synchronous sensor capture for driving-simulator experiments",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnv(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default from config or SIMCAP_DATA)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with SIMCAP_* settings")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run [preset]",
		Short: "run a capture session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCapture,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	runCmd.Flags().Float64Var(&dt, "dt", config.DefaultDt, "tick duration in seconds")
	runCmd.Flags().Float64Var(&duration, "time", config.DefaultDuration, "captured duration in seconds")
	runCmd.Flags().IntVar(&warmup, "warmup", config.DefaultWarmup, "ticks discarded before export")
	runCmd.Flags().StringVar(&mode, "mode", "", "world mode (sync or async)")
	runCmd.Flags().StringVar(&sink, "sink", "", "export sink (csv or sqlite)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	runCmd.Flags().BoolVar(&live, "live", false, "show live capture view")
	runCmd.Flags().IntVar(&repeat, "repeat", 1, "run the session this many times with consecutive seeds")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run] [series]",
		Short: "plot captured series",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  plotRun,
	}
	plotCmd.Flags().BoolVar(&pngOut, "png", false, "render PNG charts into the run directory")

	exportCSVCmd := &cobra.Command{
		Use:   "export-csv [run] [series]",
		Short: "export one series as CSV",
		Args:  cobra.ExactArgs(2),
		RunE:  exportCSV,
	}
	exportCSVCmd.Flags().StringVarP(&outFile, "output", "o", "", "output file (default stdout)")

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run]",
		Short: "export a run with all its series as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportJSON,
	}
	exportJSONCmd.Flags().StringVarP(&outFile, "output", "o", "", "output file (default stdout)")

	analyzeCmd := &cobra.Command{
		Use:   "analyze [run] [series]",
		Short: "channel statistics and frequency analysis",
		Args:  cobra.ExactArgs(2),
		RunE:  analyzeRun,
	}
	analyzeCmd.Flags().BoolVar(&pngOut, "png", false, "render the spectra into the run directory")

	compareCmd := &cobra.Command{
		Use:   "compare [runA] [runB]",
		Short: "compare the spectra of two runs series by series",
		Args:  cobra.ExactArgs(2),
		RunE:  compareRuns,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		RunE:  listPresets,
	}

	serveCmd := &cobra.Command{
		Use:   "serve [preset]",
		Short: "serve a world over HTTP and publish its readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  serveWorld,
	}
	serveCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	serveCmd.Flags().StringVar(&addr, "addr", ":8088", "listen address")
	serveCmd.Flags().StringVar(&mode, "mode", "", "world mode (sync or async)")

	rootCmd.AddCommand(runCmd, listCmd, plotCmd, exportCSVCmd, exportJSONCmd, analyzeCmd, compareCmd, presetsCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the session configuration: defaults, then the
// preset, then the config file, then changed flags, then the environment.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if len(args) > 0 {
		cfg = config.GetPreset(args[0])
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", args[0], config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("dt") {
		cfg.Dt = dt
	}
	if flags.Changed("time") {
		cfg.Duration = duration
	}
	if flags.Changed("warmup") {
		cfg.Warmup = warmup
	}
	if flags.Changed("mode") {
		cfg.Mode = mode
	}
	if flags.Changed("sink") {
		cfg.Sink = sink
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	cfg.ApplyEnv()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()
	return cfg.DataDir
}
