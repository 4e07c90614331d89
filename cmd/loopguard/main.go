// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the loopguard command: it detects agents that keep
// hitting the same error and tells them to stop and research instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traylinx/loopguard/internal/buildinfo"
	appcmd "github.com/traylinx/loopguard/internal/cmd"
	"github.com/traylinx/loopguard/internal/config"
	"github.com/traylinx/loopguard/internal/logging"
	"github.com/traylinx/loopguard/internal/util"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Exit codes.
const (
	exitOK    = 0
	exitLoop  = 1
	exitUsage = 2
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// exitError carries a process exit code through cobra. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: exitUsage, err: err}
}

type rootOptions struct {
	configFile string
	stateDir   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "loopguard",
		Short: "Detect agents stuck repeating the same error",
		Long: `loopguard fingerprints agent errors, counts identical ones per agent in a
sliding time window, and sends a stop-and-research instruction when an agent
crosses the loop threshold.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default $LOOPGUARD_CONFIG or ./loopguard.yaml)")
	flags.StringVar(&opts.stateDir, "state-dir", "", "state directory (default $LOOPGUARD_STATE_DIR or ./logs)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newCheckCmd(opts),
		newStatusCmd(opts),
		newClearCmd(opts),
		newAdviseCmd(),
		newWatchCmd(opts),
		newServeCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig applies the .env file, the config file, the environment and
// finally the command line flags, then configures logging.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	config.LoadDotEnv(".")

	file, explicit := config.ResolveFile(opts.configFile)
	cfg, err := config.Load(file, !explicit)
	if err != nil {
		return nil, usageError(err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, usageError(err)
	}
	if opts.stateDir != "" {
		cfg.StateDir = opts.stateDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	cfg.Sanitize()

	logging.SetLevel(cfg.LogLevel)
	logDir, err := util.ExpandPath(cfg.StateDir)
	if err != nil {
		return nil, usageError(fmt.Errorf("invalid state directory: %w", err))
	}
	toFile := cfg.LoggingToFile && !cfg.ReadOnly
	if err := logging.ConfigureLogOutput(toFile, logDir, cfg.LogsMaxSizeMB, cmd.ErrOrStderr()); err != nil {
		log.WithError(err).Warn("failed to configure log output")
	}
	return cfg, nil
}

// withApp builds the application, runs fn and drains pending interventions.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(app *appcmd.App) error) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	app, err := appcmd.Build(cmd.Context(), cfg)
	if err != nil {
		return usageError(err)
	}

	runErr := fn(app)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Dispatch.Timeout)+5*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	return runErr
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitUsage
}

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	logging.Close()
	os.Exit(code)
}
