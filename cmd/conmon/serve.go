package main

import (
	"context"
	"os/signal"
	"time"

	"github.com/criyle/go-conmon/config"
	"github.com/criyle/go-conmon/reaper"
	"github.com/criyle/go-conmon/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "run the monitor",
		Long:  "Serve listens on the monitor socket and supervises the containers it creates until interrupted",
		RunE:  serveExec,
		Example: `# Serve with runc as runtime:
conmon serve --runtime /usr/bin/runc --socket /run/conmon/conmon.sock`,
	}

	serveFlags struct {
		configFile      string
		runtime         string
		runtimeRoot     string
		runtimeArgs     []string
		socket          string
		consoleDir      string
		consoleTimeout  time.Duration
		runtimeTimeout  time.Duration
		orphanRetention time.Duration
		logLevel        string
	}
)

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.configFile, "config", "c", "", "YAML configuration file")
	f.StringVar(&serveFlags.runtime, "runtime", "", "path of the container runtime binary")
	f.StringVar(&serveFlags.runtimeRoot, "runtime-root", "", "root directory passed to the runtime")
	f.StringArrayVar(&serveFlags.runtimeArgs, "runtime-arg", nil, "global runtime argument (repeatable)")
	f.StringVarP(&serveFlags.socket, "socket", "s", "", "path of the monitor socket")
	f.StringVar(&serveFlags.consoleDir, "console-dir", "", "directory of the console sockets")
	f.DurationVar(&serveFlags.consoleTimeout, "console-timeout", 0, "wait for a terminal client")
	f.DurationVar(&serveFlags.runtimeTimeout, "runtime-timeout", 0, "wait for the runtime to exit")
	f.DurationVar(&serveFlags.orphanRetention, "orphan-retention", 0, "retention of exits of unregistered pids")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "debug, info, warn or error")
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly
func loadConfig(cmd *cobra.Command) (config.Configuration, error) {
	cfg, err := config.Load(serveFlags.configFile)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("runtime") {
		cfg.Runtime = serveFlags.runtime
	}
	if f.Changed("runtime-root") {
		cfg.RuntimeRoot = serveFlags.runtimeRoot
	}
	if f.Changed("runtime-arg") {
		cfg.RuntimeArgs = serveFlags.runtimeArgs
	}
	if f.Changed("socket") {
		cfg.Socket = serveFlags.socket
	}
	if f.Changed("console-dir") {
		cfg.ConsoleDir = serveFlags.consoleDir
	}
	if f.Changed("console-timeout") {
		cfg.ConsoleTimeout = serveFlags.consoleTimeout
	}
	if f.Changed("runtime-timeout") {
		cfg.RuntimeTimeout = serveFlags.runtimeTimeout
	}
	if f.Changed("orphan-retention") {
		cfg.OrphanRetention = serveFlags.orphanRetention
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveFlags.logLevel
	}
	return cfg, cfg.Validate()
}

func serveExec(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	scope, closer, err := cfg.Metrics.NewRootScope(logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	r := reaper.New(reaper.Options{
		Logger:          logger,
		Scope:           scope,
		OrphanRetention: cfg.OrphanRetention,
	})
	if err := r.Start(); err != nil {
		return err
	}
	s, err := server.New(server.Options{
		Config: cfg,
		Reaper: r,
		Logger: logger,
		Scope:  scope,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	logger.Info("starting monitor",
		zap.String("runtime", cfg.Runtime),
		zap.String("socket", cfg.Socket))

	// the reaper outlives the server so runtimes of in-flight requests are
	// still reaped while they drain
	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(reaperCtx)
	})
	g.Go(func() error {
		defer cancelReaper()
		return s.ListenAndServe(ctx)
	})
	err = g.Wait()
	logger.Info("monitor stopped", zap.Int("children", s.Children().Len()), zap.Error(err))
	return err
}
