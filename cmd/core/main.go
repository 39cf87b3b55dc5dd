// Package main provides the fitcoach command line: inspect and drive the
// offline queue and cache, and run reads and writes through the same
// orchestrator the apps use.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitcoach/core/internal/bootstrap"
	"github.com/kimhsiao/fitcoach/core/internal/config"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	syncpkg "github.com/kimhsiao/fitcoach/core/internal/sync"
	"github.com/kimhsiao/fitcoach/core/internal/sync/cache"
	"github.com/kimhsiao/fitcoach/core/internal/sync/connectivity"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newCLI()).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	output     string
	offline    bool

	// probe reads the network once before a command runs.
	probe func(ctx context.Context, app *bootstrap.App) connectivity.Signal
}

func newCLI() *cli {
	return &cli{
		probe: func(ctx context.Context, app *bootstrap.App) connectivity.Signal {
			return app.Prober.Probe(ctx)
		},
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "fitcoach",
		Short:         "Offline queue and cache tools for the fitcoach client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch c.output {
			case outputText, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("--output must be %s, %s or %s", outputText, outputJSON, outputYAML)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ~/.config/fitcoach/config.toml)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputText, "output format: text|json|yaml")
	root.PersistentFlags().BoolVar(&c.offline, "offline", false, "skip the connectivity probe and act as if offline")

	root.AddCommand(
		newStatusCmd(c),
		newQueueCmd(c),
		newDrainCmd(c),
		newCacheCmd(c),
		newHistoryCmd(c),
		newWorkoutCmd(c),
		newSetCmd(c),
		newStatsCmd(c),
		newLogoutCmd(c),
	)
	return root
}

// open loads the config and wires the core. The caller closes the App.
func (c *cli) open(cmd *cobra.Command) (*bootstrap.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	return bootstrap.New(cmd.Context(), cfg, bootstrap.WithLogOutput(cmd.ErrOrStderr()))
}

// connect feeds one probe reading to the detector unless --offline is set.
func (c *cli) connect(cmd *cobra.Command, app *bootstrap.App) {
	if c.offline {
		return
	}
	app.Detector.Update(c.probe(cmd.Context(), app))
}

// run opens the App, optionally probes, and hands it to fn.
func (c *cli) run(cmd *cobra.Command, probe bool, fn func(app *bootstrap.App) error) error {
	app, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	if probe {
		c.connect(cmd, app)
	}
	return fn(app)
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and cache state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				st, err := app.Status(cmd.Context())
				if err != nil {
					return err
				}
				return c.render(cmd, st, func(w *printer) {
					w.line("online\t%t", st.Online)
					w.line("pending\t%d", st.Pending)
					w.line("api\t%s", st.APIURL)
					w.line("storage\t%s", st.Storage)
					w.line("cache\tv%d history=%d workouts=%d stats=%t", st.Cache.Version, st.Cache.History, len(st.Cache.Workouts), st.Cache.HasStats)
				})
			})
		},
	}
}

func newQueueCmd(c *cli) *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the offline mutation queue"}

	q.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, false, func(app *bootstrap.App) error {
				items, err := app.Orchestrator.Pending(cmd.Context())
				if err != nil {
					return err
				}
				return c.render(cmd, items, func(w *printer) {
					if len(items) == 0 {
						w.line("queue is empty")
						return
					}
					for _, item := range items {
						w.line("%s\t%s\t%s\t%s", item.Action, item.TargetID, formatMillis(item.EnqueuedAt), describePatch(item.Payload))
					}
				})
			})
		},
	})

	q.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued mutation without replaying it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, false, func(app *bootstrap.App) error {
				if err := app.Queue.Clear(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
				return nil
			})
		},
	})
	return q
}

func newDrainCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations against the backend now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, false, func(app *bootstrap.App) error {
				res, err := app.Worker.Drain(cmd.Context())
				if err != nil {
					return err
				}
				return c.render(cmd, res, func(w *printer) {
					w.line("replayed=%d retained=%d dropped=%d remaining=%d", res.Replayed, res.Retained, res.Dropped, res.Remaining)
				})
			})
		},
	}
}

func newCacheCmd(c *cli) *cobra.Command {
	cc := &cobra.Command{Use: "cache", Short: "Inspect the read-through cache"}

	cc.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show cached slots and their refresh times",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, false, func(app *bootstrap.App) error {
				info, err := app.Cache.Info(cmd.Context())
				if err != nil {
					return err
				}
				return c.render(cmd, info, func(w *printer) {
					w.line("version\t%d", info.Version)
					w.line("history\t%d items", info.History)
					w.line("stats\t%t", info.HasStats)
					w.line("workouts\t%d (limit %d)", len(info.Workouts), app.Cache.DetailLimit())
					for _, id := range info.Workouts {
						w.line("  %s\t%s", id, formatTime(info.LastUpdated[cache.WorkoutKey(id)]))
					}
				})
			})
		},
	})

	cc.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, false, func(app *bootstrap.App) error {
				if err := app.Cache.Clear(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			})
		},
	})
	return cc
}

func newHistoryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent finished workouts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				res := app.Orchestrator.History(cmd.Context())
				return c.render(cmd, res, func(w *printer) {
					w.source(res.Source, res.UpdatedAt)
					for _, s := range res.Data {
						w.line("%s\t%s\t%s\texercises=%d sets=%d", s.Date, s.ID, deref(s.Name), s.ExerciseCount, s.SetCount)
					}
				})
			})
		},
	}
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the 7-day training summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				res := app.Orchestrator.StatsSummary(cmd.Context())
				return c.render(cmd, res, func(w *printer) {
					w.source(res.Source, res.UpdatedAt)
					if s := res.Data; s != nil {
						w.line("workouts\t%d", s.TotalWorkouts)
						w.line("sets\t%d", s.TotalSets)
						w.line("volume\t%.1f kg", s.TotalVolumeKg)
						w.line("prs\t%d", s.PRsHit)
					}
				})
			})
		},
	}
}

func newWorkoutCmd(c *cli) *cobra.Command {
	wc := &cobra.Command{Use: "workout", Short: "Workout detail and lifecycle"}

	wc.AddCommand(&cobra.Command{
		Use:   "show <workout-id>",
		Short: "Show one workout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				res := app.Orchestrator.WorkoutDetail(cmd.Context(), args[0])
				return c.render(cmd, res, func(w *printer) {
					w.source(res.Source, res.UpdatedAt)
					if res.Data != nil {
						printWorkout(w, res.Data)
					}
				})
			})
		},
	})

	var partial bool
	var notes string
	finish := &cobra.Command{
		Use:   "finish <workout-id>",
		Short: "Finish a draft workout (requires internet)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				body := models.FinishWorkout{CompletionStatus: models.CompletionCompleted}
				if partial {
					body.CompletionStatus = models.CompletionPartial
				}
				if strings.TrimSpace(notes) != "" {
					body.Notes = &notes
				}
				wk, err := app.Orchestrator.FinishWorkout(cmd.Context(), args[0], body)
				if err != nil {
					return err
				}
				return c.render(cmd, wk, func(w *printer) { printWorkout(w, wk) })
			})
		},
	}
	finish.Flags().BoolVar(&partial, "partial", false, "mark the workout as partially completed")
	finish.Flags().StringVar(&notes, "notes", "", "workout notes")

	wc.AddCommand(finish, &cobra.Command{
		Use:   "discard <workout-id>",
		Short: "Discard a draft workout (requires internet)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				if err := app.Orchestrator.DiscardWorkout(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "workout %s discarded\n", args[0])
				return nil
			})
		},
	})
	return wc
}

func newSetCmd(c *cli) *cobra.Command {
	sc := &cobra.Command{Use: "set", Short: "Edit or delete logged sets (queued while offline)"}

	var (
		reps, duration, rest int
		weight               float64
		rpe, setType         string
	)
	edit := &cobra.Command{
		Use:   "edit <set-id>",
		Short: "Change fields of a set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.SetPatch
			flags := cmd.Flags()
			if flags.Changed("reps") {
				patch.Reps = &reps
			}
			if flags.Changed("weight") {
				patch.Weight = &weight
			}
			if flags.Changed("duration") {
				patch.DurationSeconds = &duration
			}
			if flags.Changed("rest") {
				patch.RestTimeSeconds = &rest
			}
			if flags.Changed("rpe") {
				v := models.RPE(rpe)
				patch.RPE = &v
			}
			if flags.Changed("type") {
				v := models.SetType(setType)
				patch.SetType = &v
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to change: pass at least one of --reps, --weight, --duration, --rest, --rpe, --type")
			}
			return c.run(cmd, true, func(app *bootstrap.App) error {
				outcome, err := app.Orchestrator.EditSet(cmd.Context(), args[0], patch, nil)
				if err != nil {
					return err
				}
				return c.reportWrite(cmd, "edit", args[0], outcome)
			})
		},
	}
	edit.Flags().IntVar(&reps, "reps", 0, "repetitions")
	edit.Flags().Float64Var(&weight, "weight", 0, "weight in kg")
	edit.Flags().IntVar(&duration, "duration", 0, "duration in seconds")
	edit.Flags().IntVar(&rest, "rest", 0, "rest time in seconds")
	edit.Flags().StringVar(&rpe, "rpe", "", "perceived exertion: easy|medium|hard")
	edit.Flags().StringVar(&setType, "type", "", "set type: working|warmup|failure|drop|amrap")

	sc.AddCommand(edit, &cobra.Command{
		Use:   "delete <set-id>",
		Short: "Delete a set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, true, func(app *bootstrap.App) error {
				outcome, err := app.Orchestrator.DeleteSet(cmd.Context(), args[0], nil)
				if err != nil {
					return err
				}
				return c.reportWrite(cmd, "delete", args[0], outcome)
			})
		},
	})
	return sc
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the queue and cache of the current session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, false, func(app *bootstrap.App) error {
				if err := app.Orchestrator.Logout(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "local session data cleared")
				return nil
			})
		},
	}
}

type writeReport struct {
	Action  string               `json:"action"`
	SetID   string               `json:"set_id"`
	Outcome syncpkg.WriteOutcome `json:"outcome"`
}

func (c *cli) reportWrite(cmd *cobra.Command, action, setID string, outcome syncpkg.WriteOutcome) error {
	report := writeReport{Action: action, SetID: setID, Outcome: outcome}
	return c.render(cmd, report, func(w *printer) {
		if outcome == syncpkg.WriteQueued {
			w.line("%s %s queued; it will sync when back online", action, setID)
			return
		}
		w.line("%s %s saved", action, setID)
	})
}
