package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mutebot/internal/app"
	"mutebot/internal/mute"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

func newStoreCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or correct the deadline store",
		Long:  `Operate directly on the deadline store, e.g. to clear a record that can no longer be lifted.`,
	}

	withStore := func(fn func(cmd *cobra.Command, st storage.DeadlineStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenStore(f.configPath, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(cmd, st, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending mutes ordered by deadline",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, st storage.DeadlineStore, _ []string) error {
				entries, err := mute.Pending(cmd.Context(), st)
				if err != nil {
					return err
				}
				now := time.Now()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "USER_ID\tUNTIL\tSTATE")
				for _, e := range entries {
					state := "pending"
					if !e.Until.After(now) {
						state = "due"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", e.UserID, e.Until.UTC().Format(time.RFC3339), state)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "get [user-id]",
			Short: "Show the deadline of one user",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st storage.DeadlineStore, args []string) error {
				id, err := parseUserID(args[0])
				if err != nil {
					return err
				}
				until, ok := st.Get(cmd.Context(), id)
				if !ok {
					return fmt.Errorf("no deadline for user %d", id)
				}
				fmt.Fprintln(cmd.OutOrStdout(), until.UTC().Format(time.RFC3339))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear [user-id]",
			Short: "Forget the deadline of one user without lifting",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st storage.DeadlineStore, args []string) error {
				id, err := parseUserID(args[0])
				if err != nil {
					return err
				}
				if err := st.Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d\n", id)
				return nil
			}),
		},
	)
	return cmd
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
