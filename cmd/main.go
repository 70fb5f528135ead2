package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"idsweep/config"
	"idsweep/hostproc"
	"idsweep/locator"
	"idsweep/logger"
	"idsweep/pipeline"
)

const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return exitFatal
	}

	logger.Init(cfg.LogLevel)

	if cfg.Restore {
		report, err := pipeline.Restore(cfg)
		if err != nil {
			logger.Errorf("Restore failed: %v", err)
			return exitFatal
		}
		if len(report.Outcomes) == 0 {
			logger.Info("No protection records to restore.")
			return exitOK
		}
		return finish(cfg, report)
	}

	if running := hostproc.Running(cfg.Apps); len(running) > 0 {
		logger.Warnf("Host application appears to be running: %s. Close it first or expect locked stores.", strings.Join(running, ", "))
	}
	if cfg.DryRun {
		logger.Info("Dry run: reporting only, nothing will be modified.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	report, err := pipeline.Run(ctx, cfg)
	if err != nil {
		if errors.Is(err, locator.ErrNotFound) {
			logger.Errorf("No application profile found for %s", strings.Join(cfg.Apps, ", "))
		} else {
			logger.Errorf("Run failed: %v", err)
		}
		return exitFatal
	}
	return finish(cfg, report)
}

func finish(cfg *config.Config, report *pipeline.Report) int {
	if err := report.WriteTable(os.Stdout); err != nil {
		logger.Errorf("Failed to render report: %v", err)
	}
	if cfg.OutputFileName != "" {
		if err := report.WriteNDJSON(cfg.OutputFileName); err != nil {
			logger.Errorf("Failed to write report file: %v", err)
		}
	}
	if code := report.ExitCode(); code != exitOK {
		logger.Warn("Completed with skipped or failed files.")
		return exitPartial
	}
	logger.Info("Completed successfully.")
	return exitOK
}

func handleSignals(cancelFunc context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Interrupt signal received. Stopping after the current file...")
	cancelFunc()
}
