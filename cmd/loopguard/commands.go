// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/traylinx/loopguard/internal/advice"
	"github.com/traylinx/loopguard/internal/api"
	"github.com/traylinx/loopguard/internal/buildinfo"
	appcmd "github.com/traylinx/loopguard/internal/cmd"
	"github.com/traylinx/loopguard/internal/config"
	"github.com/traylinx/loopguard/internal/detector"
	"github.com/traylinx/loopguard/internal/memory"
	"github.com/traylinx/loopguard/internal/telemetry"
	"github.com/traylinx/loopguard/internal/window"
)

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		agent     string
		message   string
		threshold int
		windowStr string
		asJSON    bool
	)
	c := &cobra.Command{
		Use:   "check",
		Short: "Record one error for an agent and report whether it is looping",
		Long: `Record one error occurrence. Exits 0 when no loop is detected, 1 when the
agent crossed the threshold and 2 on invalid input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var checkOpts []detector.CheckOption
			if cmd.Flags().Changed("threshold") {
				checkOpts = append(checkOpts, detector.WithThreshold(threshold))
			}
			if windowStr != "" {
				d, err := config.ParseDuration(windowStr)
				if err != nil {
					return usageError(fmt.Errorf("invalid --window: %w", err))
				}
				checkOpts = append(checkOpts, detector.WithWindow(d))
			}

			return withApp(cmd, opts, func(app *appcmd.App) error {
				res, err := app.Detector.Check(cmd.Context(), agent, message, checkOpts...)
				if err != nil {
					if errors.Is(err, detector.ErrInvalidInput) {
						return usageError(err)
					}
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					if err := writeJSON(out, api.CheckResponse{
						IsLoop:        res.IsLoop,
						Count:         res.Count,
						Fingerprint:   string(res.Fingerprint),
						Threshold:     res.Threshold,
						WindowSeconds: res.WindowSeconds(),
						Degraded:      res.Degraded,
					}); err != nil {
						return err
					}
				} else {
					printCheck(out, strings.TrimSpace(agent), res)
				}
				if res.Degraded {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: state could not be persisted; counting continues in memory")
				}
				if res.IsLoop {
					return &exitError{code: exitLoop}
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&agent, "agent", "", "agent identifier")
	c.Flags().StringVar(&message, "error", "", "raw error message")
	c.Flags().IntVar(&threshold, "threshold", 0, "loop threshold for this call (default from config)")
	c.Flags().StringVar(&windowStr, "window", "", "window for this call, e.g. 300 or 5m (default from config)")
	c.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return c
}

func printCheck(w io.Writer, agent string, res detector.Result) {
	if res.IsLoop {
		fmt.Fprintf(w, "LOOP DETECTED: %s hit the same error %d times within %s (threshold %d)\n",
			agent, res.Count, res.Window, res.Threshold)
	} else {
		fmt.Fprintf(w, "No loop: %s %d/%d within %s\n", agent, res.Count, res.Threshold, res.Window)
	}
	fmt.Fprintf(w, "Fingerprint: %s\n", res.Fingerprint)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "status",
		Short: "Show live error counts per agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(app *appcmd.App) error {
				st := app.Detector.Status()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprint(cmd.OutOrStdout(), detector.FormatStatus(st))
				return nil
			})
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return c
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget every recorded error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(app *appcmd.App) error {
				if err := app.Detector.Clear(); err != nil {
					if errors.Is(err, window.ErrPersistenceDegraded) {
						return usageError(fmt.Errorf("state cleared in memory only: %w", err))
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All error loop state cleared.")
				return nil
			})
		},
	}
}

func newAdviseCmd() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "advise MESSAGE",
		Short: "Print documentation and research tips for an error message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.TrimSpace(strings.Join(args, " "))
			if msg == "" {
				return usageError(errors.New("error message must not be empty"))
			}
			b := advice.Advise(msg)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), b)
			}
			fmt.Fprintln(cmd.OutOrStdout(), advice.Render(b))
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the advice as JSON")
	return c
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		file      string
		fromStart bool
	)
	c := &cobra.Command{
		Use:   "watch",
		Short: "Follow a structured agent error log and check every error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(app *appcmd.App) error {
				path := app.Config.Watch.File
				if file != "" {
					path = file
				}
				start := app.Config.Watch.FromStart || fromStart

				loops, err := appcmd.Watch(app, path, start)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped watching %s; %d loop(s) detected.\n", path, loops)
				return nil
			})
		},
	}
	c.Flags().StringVar(&file, "file", "", "JSONL error log to follow (default from config)")
	c.Flags().BoolVar(&fromStart, "from-start", false, "process entries already in the file")
	return c
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve the detector over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(app *appcmd.App) error {
				listen := app.Config.Server.Addr
				if addr != "" {
					listen = addr
				}
				return appcmd.StartService(app, listen)
			})
		},
	}
	c.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8390)")
	return c
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		agent   string
		limit   int
		all     bool
		byAgent bool
		asJSON  bool
	)
	c := &cobra.Command{
		Use:   "history",
		Short: "Show recent detections from the memory store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return usageError(fmt.Errorf("--limit must be at least 1, got %d", limit))
			}
			return withApp(cmd, opts, func(app *appcmd.App) error {
				if app.Memory == nil {
					return usageError(errors.New("memory store is disabled or unavailable"))
				}
				if byAgent {
					counts, err := app.Memory.CountByAgent(cmd.Context())
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(cmd.OutOrStdout(), counts)
					}
					printCounts(cmd.OutOrStdout(), counts)
					return nil
				}

				records, err := app.Memory.History(cmd.Context(), agent, limit, all)
				if err != nil {
					return err
				}
				if asJSON {
					if records == nil {
						records = []memory.Record{}
					}
					return writeJSON(cmd.OutOrStdout(), records)
				}
				printHistory(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	c.Flags().StringVar(&agent, "agent", "", "only show events for this agent")
	c.Flags().IntVar(&limit, "limit", 20, "maximum number of events")
	c.Flags().BoolVar(&all, "all", false, "include persistence and dispatch events")
	c.Flags().BoolVar(&byAgent, "by-agent", false, "show the number of detected loops per agent")
	c.Flags().BoolVar(&asJSON, "json", false, "print the events as JSON")
	return c
}

func printHistory(w io.Writer, records []memory.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No recorded events")
		return
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-20s %-12s %s  count=%d window=%s",
			r.Timestamp.Format(time.RFC3339), r.Kind, r.Agent, r.FingerprintPrefix, r.Count,
			time.Duration(r.WindowSeconds*float64(time.Second)))
		if r.Message != "" {
			line += "  " + telemetry.Truncate(r.Message, 80)
		}
		if r.Error != "" {
			line += "  error=" + r.Error
		}
		fmt.Fprintln(w, line)
	}
}

func printCounts(w io.Writer, counts map[string]int64) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "No recorded loops")
		return
	}
	agents := make([]string, 0, len(counts))
	for agent := range counts {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		fmt.Fprintf(w, "%s: %d loop(s)\n", agent, counts[agent])
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
