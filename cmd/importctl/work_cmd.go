package main

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/erpimport/internal/cache"
	"github.com/JonMunkholm/erpimport/internal/config"
	"github.com/JonMunkholm/erpimport/internal/erp"
	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/task"
)

type workOutput struct {
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms"`
	Rounds     int    `json:"rounds"`
	Queued     int    `json:"queued"`
	Waiting    int    `json:"waiting"`
}

func newWorkCmd() *cobra.Command {
	var (
		rounds  int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the scheduler in the foreground until the queue is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var codeCache importing.CodeCache[int64]
			if e.cfg.Cache.RedisURL != "" {
				client, err := cache.Connect(ctx, e.cfg.Cache.RedisURL)
				if err != nil {
					return err
				}
				defer client.Close()
				codeCache = cache.NewCodeCache[int64](client, e.cfg.Cache.Prefix, e.cfg.Cache.TTL)
			}

			registry := task.NewRegistry()
			erp.Register(registry, erp.NewImporter(erp.NewPostgresStore(e.pool), e.cfg.ModuleConfig(), codeCache))
			sched := task.NewScheduler(e.store, registry, e.events, e.cfg.SchedulerSettings())

			start := time.Now()
			sched.Start(ctx)
			done, err := drain(ctx, sched, e.manager, rounds)

			waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			if werr := sched.Wait(waitCtx); werr != nil && err == nil {
				err = fmt.Errorf("scheduler did not drain: %w", werr)
			}
			if err != nil {
				return err
			}

			done.Command = "work"
			done.DurationMS = time.Since(start).Milliseconds()
			return writeJSON(done)
		},
	}

	cmd.Flags().IntVar(&rounds, "rounds", 20, "Maximum scheduling passes")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for running imports on exit")
	return cmd
}

// drain ticks until no task is queued and the waiting count stopped
// changing, or rounds run out.
func drain(ctx context.Context, sched *task.Scheduler, m *task.Manager, rounds int) (workOutput, error) {
	out := workOutput{Waiting: -1}
	for out.Rounds < rounds {
		out.Rounds++
		sched.Tick(ctx)
		if err := sched.WaitIdle(ctx); err != nil {
			return out, err
		}

		queued, err := count(ctx, m, task.StatusQueued)
		if err != nil {
			return out, err
		}
		waiting, err := count(ctx, m, task.StatusWaiting)
		if err != nil {
			return out, err
		}

		settled := queued == 0 && (waiting == 0 || waiting == out.Waiting)
		out.Queued, out.Waiting = queued, waiting
		if settled {
			break
		}
	}
	if out.Waiting < 0 {
		out.Waiting = 0
	}
	return out, nil
}

func count(ctx context.Context, m *task.Manager, status task.Status) (int, error) {
	page, err := m.SearchTasks(ctx, task.TaskFilter{Status: status, PageRequest: task.PageRequest{Size: 1}})
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

type importType struct {
	Name          string   `json:"name"`
	Prerequisites []string `json:"prerequisites"`
}

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List import types and their prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Overload()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			registry := task.NewRegistry()
			erp.Register(registry, erp.NewImporter(nil, cfg.ModuleConfig(), nil))

			deps := cfg.Dependencies()
			out := make([]importType, 0, registry.Len())
			for _, name := range registry.Types() {
				prereqs := deps[name]
				if prereqs == nil {
					prereqs = []string{}
				}
				out = append(out, importType{Name: name, Prerequisites: prereqs})
			}
			return writeJSON(out)
		},
	}
}
