// Package main is the lumen-bench CLI, a workload driver that measures
// Lumen storage latency and throughput and records per-iteration samples to
// a SQLite results database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumenstore/lumen-go/internal/logging"
)

// Filled in by cobra argument parsing in init()
var benchConfig struct {
	endpoint   string
	bucket     string
	project    string
	iterations int
	workers    int
	objectSize int64
	dbPath     string
	logLevel   string
	logFormat  string
}

var rootCmd = &cobra.Command{
	Use:   "lumen-bench",
	Short: "Benchmark workloads against Lumen storage",
	Long: `lumen-bench drives storage workloads against a Lumen endpoint and
records per-iteration latency and throughput samples to a SQLite database
for later analysis.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(benchConfig.logLevel, benchConfig.logFormat, os.Stderr)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&benchConfig.endpoint, "endpoint", "", "storage endpoint (default: production)")
	pf.StringVar(&benchConfig.bucket, "bucket", "", "bucket to run against (required)")
	pf.StringVar(&benchConfig.project, "project", "lumen-bench", "project that owns the bucket")
	pf.IntVar(&benchConfig.iterations, "iterations", 100, "number of workload iterations")
	pf.IntVar(&benchConfig.workers, "workers", 4, "concurrent workers")
	pf.Int64Var(&benchConfig.objectSize, "object-size", 1<<20, "object size in bytes")
	pf.StringVar(&benchConfig.dbPath, "results-db", "lumen-bench.db", "path to the SQLite results database")
	pf.StringVar(&benchConfig.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&benchConfig.logFormat, "log-format", "text", "log format: text, json")
	rootCmd.MarkPersistentFlagRequired("bucket") //nolint:errcheck

	rootCmd.AddCommand(w1r3Cmd)
	rootCmd.AddCommand(rangeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
