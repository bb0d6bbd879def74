package main

import (
	"context"
	"fmt"

	"github.com/liliang-cn/guideflow/internal/service"
	"github.com/spf13/cobra"
)

var (
	snapshotWorkspace string
	snapshotSession   string
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and clear cached session snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the snapshots of a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *service.SessionStore) error {
			keys, err := store.Keys(ctx, snapshotWorkspace)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no snapshots")
				return nil
			}
			for _, k := range keys {
				snap, ok := store.Load(ctx, k.WorkspaceID, k.SessionID)
				if !ok {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tsections=%d\n",
					k.SessionID, snap.Kind, snap.Position.Stage, len(snap.Sections))
			}
			return nil
		})
	},
}

var snapshotsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear one snapshot, or every snapshot of the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *service.SessionStore) error {
			if snapshotSession != "" {
				store.Clear(ctx, snapshotWorkspace, snapshotSession)
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", snapshotSession)
				return nil
			}
			keys, err := store.Keys(ctx, snapshotWorkspace)
			if err != nil {
				return err
			}
			for _, k := range keys {
				store.Clear(ctx, k.WorkspaceID, k.SessionID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d snapshots\n", len(keys))
			return nil
		})
	},
}

func init() {
	snapshotsCmd.PersistentFlags().StringVarP(&snapshotWorkspace, "workspace", "w", "", "Workspace id (required)")
	_ = snapshotsCmd.MarkPersistentFlagRequired("workspace")
	snapshotsClearCmd.Flags().StringVarP(&snapshotSession, "session", "s", "", "Session id; all sessions when empty")

	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsClearCmd)
}

func withStore(fn func(ctx context.Context, store *service.SessionStore) error) error {
	st, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer st.closeFn()
	store := service.NewSessionStore(st.snapshots, cfg.MaxSnapshotBytes(), cfg.Persistence.MaxAnswerChars, logger)
	return fn(context.Background(), store)
}
