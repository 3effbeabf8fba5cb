package main

import (
	"context"

	"github.com/spf13/cobra"

	runsync "github.com/airweave/airweave-go/runtime/sync"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal sync worker and the stuck-job sweeper",
		Long: `Poll the Temporal task queue for sync workflows and run the background
sweeper that reaps jobs abandoned by crashed runners. Blocks until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				defer eng.Close()

				sweepCtx, stopSweep := context.WithCancel(ctx)
				defer stopSweep()
				sweeper := runsync.NewSweeper(a.store, runsync.SweeperOptions{Logger: a.log})
				go sweeper.Run(sweepCtx)

				a.log.Info(ctx, "worker started",
					"task_queue", a.cfg.Temporal.TaskQueue,
					"temporal", a.cfg.Temporal.HostPort)
				return eng.Start()
			})
		},
	}
}
