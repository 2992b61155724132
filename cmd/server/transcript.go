package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/asr-stream-service/internal/storage"
)

func newTranscriptCmd() *cobra.Command {
	var (
		from  int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print the persisted transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := storage.OpenSQL(cfg.Storage.Driver, cfg.Storage.DSN)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			return printTranscript(ctx, cmd, store, args[0], from, limit)
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "first segment sequence number to print")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of segments to print (0 = all)")

	return cmd
}

func printTranscript(ctx context.Context, cmd *cobra.Command, store *storage.SQLStore, sessionID string, from int64, limit int) error {
	session, found, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session %q not found", sessionID)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s (user %s, created %s)\n",
		session.ID, session.UserID, session.CreatedAt.Format(time.RFC3339))

	// Segments caps an unbounded read; page through instead
	pageSize := 1000
	printed := 0
	for {
		n := pageSize
		if limit > 0 && limit-printed < n {
			n = limit - printed
		}
		if n == 0 {
			break
		}

		segments, err := store.Segments(ctx, sessionID, from, n)
		if err != nil {
			return err
		}
		for _, seg := range segments {
			fmt.Fprintf(out, "[%d] %s\n", seg.Seq, seg.Content)
		}
		printed += len(segments)

		if len(segments) < n {
			break
		}
		from = segments[len(segments)-1].Seq + 1
	}

	if printed == 0 {
		fmt.Fprintln(out, "(no segments)")
	}
	return nil
}
