package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/log"
	"github.com/dockschedule/dockschedule/pkg/scheduler"
	"github.com/dockschedule/dockschedule/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	logLevel    string
	jsonLogs    bool
	secretsDir  string
	tlsDir      string
	ansibleDir  string
	jobsDir     string
	brokerAddr  string
	storeAddr   string
	controlAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dockschedule",
	Short: "dock-schedule - distributed cron job execution platform",
	Long: `dock-schedule runs user-defined cron jobs across a container fleet.

A scheduler process evaluates cron specs and publishes job IDs to a durable
queue; worker processes consume them and execute the jobs through the
runner, recording every outcome in the document store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dock-schedule version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.BoolVar(&jsonLogs, "json-logs", true, "Emit JSON logs instead of console output")
	pf.StringVar(&secretsDir, "secrets-dir", config.DefaultSecretsDir, "Directory holding credential secret files")
	pf.StringVar(&tlsDir, "tls-dir", config.DefaultTLSDir, "Directory holding the CA and host key pair")
	pf.StringVar(&ansibleDir, "ansible-dir", config.DefaultAnsibleDir, "Directory holding playbooks and runner config")
	pf.StringVar(&jobsDir, "jobs-dir", config.DefaultJobsDir, "Directory holding per-kind job scripts")
	pf.StringVar(&brokerAddr, "broker-addr", config.DefaultBrokerAddr, "Broker host:port")
	pf.StringVar(&storeAddr, "store-addr", config.DefaultStoreAddr, "Document store host:port")
	pf.StringVar(&controlAddr, "control-addr", config.DefaultControlAddr, "Control API listen address")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dock-schedule version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler process",
	Long: `Run the scheduler: cron evaluation, job publishing, the control API
and the redelivery scan. One scheduler per cluster.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		svc := scheduler.New(cfg)
		return runUntilSignal(svc.Run)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
	Long: `Run a worker: consume job IDs from the queue and execute them
through the runner. Workers scale horizontally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		svc := worker.New(cfg)
		return runUntilSignal(svc.Run)
	},
}

func buildConfig() *config.Config {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
	return &config.Config{
		SecretsDir:  secretsDir,
		TLSDir:      tlsDir,
		AnsibleDir:  ansibleDir,
		JobsDir:     jobsDir,
		BrokerAddr:  brokerAddr,
		StoreAddr:   storeAddr,
		ControlAddr: controlAddr,
	}
}

// runUntilSignal runs the service until SIGINT or SIGTERM, then cancels its
// context and waits for the service to drain
func runUntilSignal(run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
