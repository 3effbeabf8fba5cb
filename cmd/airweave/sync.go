package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/airweave/airweave-go/runtime/destination"
	runsync "github.com/airweave/airweave-go/runtime/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Create, run, and manage syncs",
	}
	cmd.AddCommand(newSyncCreateCmd())
	cmd.AddCommand(newSyncRunCmd())
	cmd.AddCommand(newSyncCancelCmd())
	cmd.AddCommand(newSyncScheduleCmd())
	return cmd
}

func newSyncCreateCmd() *cobra.Command {
	var (
		flagName        string
		flagSource      string
		flagPath        string
		flagCollection  string
		flagSchedule    string
		flagCursorField string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a source connection and a sync over it",
		Long: `Create a source connection, a sync bound to it, and an initial active
vector destination slot. Prints the new sync id.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagName == "" {
				return fmt.Errorf("--name is required")
			}
			collectionID := uuid.New()
			if flagCollection != "" {
				id, err := uuid.Parse(flagCollection)
				if err != nil {
					return fmt.Errorf("invalid --collection: %w", err)
				}
				collectionID = id
			}
			settings := map[string]any{}
			if flagPath != "" {
				settings["path"] = flagPath
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				conn := &runsync.SourceConnection{
					ID:           uuid.New(),
					ShortName:    flagSource,
					Status:       runsync.ConnActive,
					CollectionID: collectionID,
					Schedule:     flagSchedule,
					CursorField:  flagCursorField,
					Settings:     settings,
				}
				if err := a.store.CreateSourceConnection(ctx, conn); err != nil {
					return err
				}
				sy := &runsync.Sync{
					ID:                 uuid.New(),
					Name:               flagName,
					SourceConnectionID: conn.ID,
					CollectionID:       collectionID,
				}
				if err := a.store.CreateSync(ctx, sy); err != nil {
					return err
				}
				destID := uuid.New()
				if err := a.registry.Attach(ctx, sy.ID, destID); err != nil {
					return err
				}
				fmt.Printf("sync:        %s\n", sy.ID)
				fmt.Printf("connection:  %s\n", conn.ID)
				fmt.Printf("collection:  %s\n", collectionID)
				fmt.Printf("destination: %s\n", destID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flagName, "name", "", "sync name")
	cmd.Flags().StringVar(&flagSource, "source", "localfs", "source connector short name")
	cmd.Flags().StringVar(&flagPath, "path", "", "directory to sync (localfs)")
	cmd.Flags().StringVar(&flagCollection, "collection", "", "collection id (defaults to a new id)")
	cmd.Flags().StringVar(&flagSchedule, "schedule", "", "cron expression for recurring runs")
	cmd.Flags().StringVar(&flagCursorField, "cursor-field", "", "override the source's cursor field")
	return cmd
}

func newSyncRunCmd() *cobra.Command {
	var (
		flagForceFull    bool
		flagSkipLoad     bool
		flagSkipUpdates  bool
		flagWorkers      int
		flagStrategy     string
		flagReplayTarget string
		flagDetach       bool
	)
	cmd := &cobra.Command{
		Use:   "run <sync-id>",
		Short: "Run one sync job",
		Long: `Run a sync to completion in this process. With --detach the run is
submitted to Temporal instead and executed by a worker.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid sync id: %w", err)
			}
			workers := flagWorkers
			if workers == 0 {
				workers = cfg.SyncTuning.Workers
			}
			execCfg := runsync.ExecutionConfig{
				Strategy:          destination.Strategy(flagStrategy),
				MaxWorkers:        workers,
				SkipCursorLoad:    flagSkipLoad,
				SkipCursorUpdates: flagSkipUpdates,
				ForceFullSync:     flagForceFull,
			}
			if flagReplayTarget != "" {
				target, err := uuid.Parse(flagReplayTarget)
				if err != nil {
					return fmt.Errorf("invalid --replay-target: %w", err)
				}
				execCfg.ReplayTargetDestinationID = target
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if flagDetach {
					eng, err := a.engine()
					if err != nil {
						return err
					}
					defer eng.Close()
					run, err := eng.StartSync(ctx, syncID, execCfg)
					if err != nil {
						return err
					}
					fmt.Printf("workflow: %s run: %s\n", run.GetID(), run.GetRunID())
					return nil
				}
				job, err := a.orch.Run(ctx, syncID, execCfg)
				if err != nil {
					return err
				}
				printJob(job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flagForceFull, "force-full", false, "disable incremental behavior for this run")
	cmd.Flags().BoolVar(&flagSkipLoad, "skip-cursor-load", false, "start from an empty cursor")
	cmd.Flags().BoolVar(&flagSkipUpdates, "skip-cursor-updates", false, "leave the stored cursor untouched")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "worker pool size override")
	cmd.Flags().StringVar(&flagStrategy, "strategy", "", "destination slot strategy (active_only, active_and_shadow, all)")
	cmd.Flags().StringVar(&flagReplayTarget, "replay-target", "", "replay the captured snapshot into just this destination")
	cmd.Flags().BoolVar(&flagDetach, "detach", false, "submit to Temporal instead of running in-process")
	return cmd
}

func newSyncCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <sync-id>",
		Short: "Cancel the sync's running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid sync id: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				defer eng.Close()
				return eng.CancelSync(ctx, syncID)
			})
		},
	}
}

func newSyncScheduleCmd() *cobra.Command {
	var (
		flagCron   string
		flagRemove bool
	)
	cmd := &cobra.Command{
		Use:   "schedule <sync-id>",
		Short: "Manage the sync's recurring schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid sync id: %w", err)
			}
			if !flagRemove && flagCron == "" {
				return fmt.Errorf("--cron or --remove is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				eng, err := a.engine()
				if err != nil {
					return err
				}
				defer eng.Close()
				if flagRemove {
					return eng.CleanupSchedules(ctx, syncID)
				}
				return eng.EnsureSchedule(ctx, syncID, flagCron, runsync.ExecutionConfig{})
			})
		},
	}
	cmd.Flags().StringVar(&flagCron, "cron", "", "cron expression")
	cmd.Flags().BoolVar(&flagRemove, "remove", false, "delete the schedule")
	cmd.MarkFlagsMutuallyExclusive("cron", "remove")
	return cmd
}

func printJob(job *runsync.SyncJob) {
	fmt.Printf("job %s %s\n", job.ID, job.Status)
	fmt.Printf("  inserted: %d updated: %d deleted: %d skipped: %d failed: %d\n",
		job.Inserted, job.Updated, job.Deleted, job.Skipped, job.Failed)
	if job.Error != "" {
		fmt.Printf("  error: %s\n", job.Error)
	}
}
