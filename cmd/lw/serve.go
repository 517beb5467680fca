package main

import (
	"fmt"

	"github.com/linewatch/linewatch/internal/api"
	"github.com/linewatch/linewatch/internal/lifecycle"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noWorker   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job engine",
		Long:  "Serves the linewatch API and, unless --no-worker is set, executes queued jobs and runs the scheduled quality sweep in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noWorker)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only; run jobs with 'lw worker'")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noWorker bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.API.Port
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	engine, closeNotify, err := lifecycle.FromConfig(ctx, gormDB, cfg)
	if err != nil {
		return err
	}
	defer closeNotify()

	errCh := make(chan error, 2)
	running := 1
	go func() {
		errCh <- api.Start(ctx, api.StartOpts{
			DB:       gormDB,
			Engine:   engine,
			Port:     port,
			DataRoot: cfg.Storage.DataRoot,
			Window:   cfg.Sweep.Window,
			Out:      cmd.OutOrStdout(),
		})
	}()
	if !noWorker {
		running++
		go func() { errCh <- engine.Run(ctx) }()
	}

	// The first component to stop takes the other down with it.
	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

func newWorkerCmd() *cobra.Command {
	var (
		configPath string
		noSweep    bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job engine without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			engine, closeNotify, err := lifecycle.FromConfig(ctx, gormDB, cfg)
			if err != nil {
				return err
			}
			defer closeNotify()
			if noSweep {
				engine.Schedule = ""
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker running with %d slots (Ctrl-C to stop)\n", cfg.Workers.Concurrency)
			return engine.Run(ctx)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the scheduled quality sweep in this worker")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one quality sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			engine, closeNotify, err := lifecycle.FromConfig(ctx, gormDB, cfg)
			if err != nil {
				return err
			}
			defer closeNotify()

			rep := engine.Sweeper.Run(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Evaluated %d lines, %d alerts sent\n", rep.Lines, rep.Alerts)
			for _, f := range rep.Failures {
				fmt.Fprintf(out, "  line %d: %v\n", f.LineID, f.Err)
			}
			if !rep.OK {
				return fmt.Errorf("sweep could not load trained lines")
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
