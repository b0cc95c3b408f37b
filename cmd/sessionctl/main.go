package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quillhq/sessionstore/pkg/rpc"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "sessionctl is an operator/debugging CLI for a sessionstored instance",
}

func init() {
	rootCmd.PersistentFlags().String("server", "127.0.0.1:7700", "sessionstored address")
	rootCmd.PersistentFlags().String("tenant", "", "tenant ID")

	rootCmd.AddCommand(sessionCmd, walCmd, compactCmd, syncCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionInspectCmd, sessionCreateCmd, sessionCloseCmd)
	syncCmd.AddCommand(syncCheckCmd, syncApplyCmd, syncAckCmd)
}

func dial(cmd *cobra.Command) (*rpc.Client, *grpc.ClientConn, string, error) {
	server, _ := cmd.Flags().GetString("server")
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		return nil, nil, "", fmt.Errorf("--tenant is required")
	}
	conn, err := grpc.NewClient(server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, "", fmt.Errorf("dial %s: %w", server, err)
	}
	return rpc.NewClient(conn), conn, tenant, nil
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entries, err := c.ListSessions(ctx, tenant)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No sessions found")
			return nil
		}

		fmt.Printf("%-24s %-10s %-10s %-8s %s\n", "ID", "WAL_TIP", "CURSOR", "PENDING", "SOURCE")
		for _, e := range entries {
			fmt.Printf("%-24s %-10d %-10d %-8t %s\n", e.ID, e.WalTip, e.Cursor, e.PendingExternalChange, e.SourcePath)
		}
		return nil
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create SESSION_ID",
	Short: "Create an empty session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := c.CreateSession(ctx, tenant, args[0])
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Printf("created session %s at %s\n", session.ID, session.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect SESSION_ID",
	Short: "Show the materialized document and cursor for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		doc, err := c.GetSession(ctx, tenant, args[0])
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		fmt.Printf("position: %d\n", doc.Position)
		fmt.Println(string(doc.Bytes))
		return nil
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close SESSION_ID",
	Short: "Close and discard a session's storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.CloseSession(ctx, tenant, args[0]); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		fmt.Printf("closed session %s\n", args[0])
		return nil
	},
}

var walCmd = &cobra.Command{
	Use:   "wal SESSION_ID",
	Short: "Dump a session's WAL history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entries, hasMore, err := c.History(ctx, tenant, args[0], 0, 0)
		if err != nil {
			return fmt.Errorf("wal history: %w", err)
		}
		for _, e := range entries {
			fmt.Printf("%-6d %-16s %-24s %s\n", e.Position, e.Kind, e.Timestamp.Format(time.RFC3339), e.Description)
		}
		if hasMore {
			fmt.Println("(truncated)")
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact SESSION_ID",
	Short: "Force compaction of a session's WAL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		discardRedo, _ := cmd.Flags().GetBool("discard-redo")

		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Compact(ctx, tenant, args[0], discardRedo); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		fmt.Printf("compacted session %s\n", args[0])
		return nil
	},
}

func init() {
	compactCmd.Flags().Bool("discard-redo", false, "discard redo history instead of refusing compaction")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and resolve pending external changes",
}

var syncCheckCmd = &cobra.Command{
	Use:   "check SESSION_ID",
	Short: "Check whether the external source has pending changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		change, err := c.CheckForChanges(ctx, tenant, args[0])
		if err != nil {
			return fmt.Errorf("check for changes: %w", err)
		}
		if change == nil {
			fmt.Println("no pending external change")
			return nil
		}
		data, _ := json.MarshalIndent(change, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var syncApplyCmd = &cobra.Command{
	Use:   "apply SESSION_ID SOURCE_FILE",
	Short: "Ingest the contents of SOURCE_FILE as the session's new external snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}

		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		doc, err := c.Sync(ctx, tenant, args[0], data, args[1])
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Printf("synced to position %d\n", doc.Position)
		return nil
	},
}

var syncAckCmd = &cobra.Command{
	Use:   "ack SESSION_ID",
	Short: "Clear a pending external change without syncing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, tenant, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.Acknowledge(ctx, tenant, args[0]); err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		fmt.Println("acknowledged")
		return nil
	},
}
