package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/store"
)

func blocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Inspect or clear the block list in the configured store",
		Long: `Operate directly on the configured admission store.

With store.backend: memory the block list lives inside the serving process;
use the admin API (/api/v1/blocks) to manage a running server instead.`,
	}
	cmd.AddCommand(blocksListCmd())
	cmd.AddCommand(blocksRemoveCmd())
	cmd.AddCommand(blocksClearCmd())
	return cmd
}

func blocksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(mustString(cmd, "format"))
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, st core.AdmissionStore) error {
				blocks, err := st.Blocks(ctx, time.Now())
				if err != nil {
					return err
				}
				return renderBlocks(cmd.OutOrStdout(), format, blocks, time.Now())
			})
		},
	}
	cmd.Flags().StringP("format", "f", "table", "output format: table, json or csv")
	return cmd
}

func blocksRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove one block by key (addr:<ip> or id:<identifier>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st core.AdmissionStore) error {
				removed, err := st.Unblock(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no block with key %q", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed %s\n", green("✓"), args[0])
				return nil
			})
		},
	}
}

func blocksClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st core.AdmissionStore) error {
				n, err := clearBlocks(ctx, st, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s cleared %d block(s)\n", green("✓"), n)
				return nil
			})
		},
	}
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(context.Context, core.AdmissionStore) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "memory" {
		warnf("store.backend is memory, this only sees blocks created by this command")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return fn(ctx, st)
}

func clearBlocks(ctx context.Context, st core.AdmissionStore, now time.Time) (int, error) {
	blocks, err := st.Blocks(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range blocks {
		removed, err := st.Unblock(ctx, b.Key)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func renderBlocks(w io.Writer, format OutputFormat, blocks []core.BlockEntry, now time.Time) error {
	t := NewTable(w, "KEY", "REASON", "CREATED", "EXPIRES IN")
	for _, b := range blocks {
		expires := "never"
		if !b.ExpiresAt.IsZero() {
			expires = b.ExpiresAt.Sub(now).Truncate(time.Second).String()
		}
		t.AddRow(b.Key, b.Reason, b.CreatedAt.UTC().Format(time.RFC3339), expires)
	}
	if blocks == nil {
		blocks = []core.BlockEntry{}
	}
	return emit(w, format, t, blocks)
}
