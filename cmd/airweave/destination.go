package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/airweave/airweave-go/runtime/destination"
	runsync "github.com/airweave/airweave-go/runtime/sync"
)

func newDestinationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destination",
		Short: "Manage a sync's destination slots",
	}
	cmd.AddCommand(newDestinationListCmd())
	cmd.AddCommand(newDestinationAttachCmd())
	cmd.AddCommand(newDestinationForkCmd())
	cmd.AddCommand(newDestinationSwitchCmd())
	cmd.AddCommand(newDestinationSetRoleCmd())
	cmd.AddCommand(newDestinationRemoveCmd())
	return cmd
}

// parseSlotArgs parses the common <sync-id> <connection-id> argument pair.
func parseSlotArgs(args []string) (syncID, connID uuid.UUID, err error) {
	syncID, err = uuid.Parse(args[0])
	if err != nil {
		return syncID, connID, fmt.Errorf("invalid sync id: %w", err)
	}
	connID, err = uuid.Parse(args[1])
	if err != nil {
		return syncID, connID, fmt.Errorf("invalid connection id: %w", err)
	}
	return syncID, connID, nil
}

func newDestinationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sync-id>",
		Short: "List the sync's slots and roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid sync id: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				slots, err := a.registry.Slots(ctx, syncID)
				if err != nil {
					return err
				}
				for _, s := range slots {
					kind := "destination"
					if s.Source {
						kind = "source"
					}
					fmt.Printf("%s  %-11s %s\n", s.ConnectionID, kind, s.Role)
				}
				return nil
			})
		},
	}
}

func newDestinationAttachCmd() *cobra.Command {
	var flagSnapshot bool
	cmd := &cobra.Command{
		Use:   "attach <sync-id> [connection-id]",
		Short: "Attach a destination slot",
		Long: `Attach a destination to the sync. The first destination becomes Active.
With --snapshot the slot is the sync's snapshot capture destination and no
connection id is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid sync id: %w", err)
			}
			var connID uuid.UUID
			switch {
			case flagSnapshot && len(args) == 1:
				connID = snapshotConnectionID(syncID)
			case !flagSnapshot && len(args) == 2:
				connID, err = uuid.Parse(args[1])
				if err != nil {
					return fmt.Errorf("invalid connection id: %w", err)
				}
			default:
				return fmt.Errorf("give a connection id or --snapshot, not both")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.registry.Attach(ctx, syncID, connID); err != nil {
					return err
				}
				fmt.Printf("attached %s\n", connID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flagSnapshot, "snapshot", false, "attach the snapshot capture slot")
	return cmd
}

func newDestinationForkCmd() *cobra.Command {
	var flagBackfill bool
	cmd := &cobra.Command{
		Use:   "fork <sync-id> <connection-id>",
		Short: "Attach a shadow destination, optionally backfilled from the snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, connID, err := parseSlotArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var backfill destination.Backfiller
				if flagBackfill {
					if cfg.Snapshot.Root == "" {
						return fmt.Errorf("--backfill needs a configured snapshot root")
					}
					backfill = replayBackfiller{orch: a.orch}
				}
				return a.registry.Fork(ctx, syncID, connID, backfill)
			})
		},
	}
	cmd.Flags().BoolVar(&flagBackfill, "backfill", false, "replay the captured snapshot into the new slot")
	return cmd
}

func newDestinationSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <sync-id> <connection-id>",
		Short: "Promote a slot to Active, demoting the current Active to Deprecated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, connID, err := parseSlotArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.registry.Switch(ctx, syncID, connID)
			})
		},
	}
}

func newDestinationSetRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-role <sync-id> <connection-id> <role>",
		Short: "Set a slot's role (active, shadow, deprecated)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, connID, err := parseSlotArgs(args)
			if err != nil {
				return err
			}
			role := destination.Role(args[2])
			switch role {
			case destination.RoleActive, destination.RoleShadow, destination.RoleDeprecated:
			default:
				return fmt.Errorf("unknown role %q", args[2])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.registry.SetRole(ctx, syncID, connID, role)
			})
		},
	}
}

func newDestinationRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <sync-id> <connection-id>",
		Short: "Remove a destination slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncID, connID, err := parseSlotArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.registry.Remove(ctx, syncID, connID)
			})
		},
	}
}

// replayBackfiller feeds a forked slot by replaying the sync's snapshot
// through the orchestrator, targeting just the new destination.
type replayBackfiller struct {
	orch *runsync.Orchestrator
}

func (b replayBackfiller) Backfill(ctx context.Context, syncID, connectionID uuid.UUID) error {
	// Force-full so replayed entities are not skipped against the hashes the
	// original run already recorded.
	_, err := b.orch.Run(ctx, syncID, runsync.ExecutionConfig{
		ReplayTargetDestinationID: connectionID,
		SkipCursorUpdates:         true,
		ForceFullSync:             true,
	})
	return err
}
