package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openbmc-ikvm/ikvmd/internal/config"
	"github.com/openbmc-ikvm/ikvmd/internal/logging"
	"github.com/openbmc-ikvm/ikvmd/internal/manager"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "ikvmd",
	Short: "BMC headless RFB remote-console daemon",
	Long:  `ikvmd bridges a V4L2 capture device and USB HID gadget to remote RFB clients.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ikvmd v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon configuration and listen addresses",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/ikvmd/ikvmd.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config and returns the
// rotating file writer, if any, so runDaemon can reopen it on SIGHUP (the
// logrotate(8) convention: rotate the file on disk, signal the process,
// it reopens rather than keeps writing to the now-renamed path).
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	var output io.Writer = os.Stdout
	var rw *logging.RotatingWriter
	logFileFallback := false

	if cfg.LogFile != "" {
		var err error
		rw, err = logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
			rw = nil
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}

	return rw
}

// runDaemon loads configuration, wires the Manager, and blocks until a
// shutdown signal arrives. Exit code 0 on clean shutdown, 1 on any
// unrecoverable construction error.
func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	rw := initLogging(cfg)

	log.Info("starting ikvmd",
		"version", version,
		"videoPath", cfg.VideoPath,
		"rfbListenAddress", cfg.RFBListenAddress,
	)

	mgr, err := manager.New(cfg)
	if err != nil {
		log.Error("failed to construct manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				if rw == nil {
					log.Info("received SIGHUP, no log file to reopen")
					continue
				}
				if err := rw.Reopen(); err != nil {
					log.Error("log file reopen failed", "error", err)
				} else {
					log.Info("log file reopened")
				}
				continue
			}
			log.Info("received shutdown signal", "signal", sig.String())
			cancel()
			return
		}
	}()

	if err := mgr.Run(ctx); err != nil {
		log.Error("manager exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("ikvmd stopped")
}

// checkStatus is a thin local client: it loads the configuration a running
// instance would use and reports the surfaces it would bind, without
// dialing the running daemon itself (no local control socket is part of
// this expansion's scope beyond the screenshot trigger's own D-Bus method).
func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: configuration failed to load")
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Status: configured")
	fmt.Printf("Video device: %s\n", cfg.VideoPath)
	fmt.Printf("RFB listen address: %s\n", cfg.RFBListenAddress)
	fmt.Printf("Metrics listen address: %s (enabled=%v)\n", cfg.MetricsListenAddress, cfg.MetricsEnabled)
	fmt.Printf("Session timeout: %ds\n", cfg.SessionTimeoutSecs)
	fmt.Printf("Snapshot directory: %s\n", cfg.SnapshotDir)
}
