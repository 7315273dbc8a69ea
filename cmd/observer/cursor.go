package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"basegraph.app/observer/internal/store"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Show the persisted change log cursor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		a, err := bootstrap(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())

		seq, err := store.NewCursorStore(a.database.Conn(), cfg.Realtime.CursorName).Load(cmd.Context())
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Fprintf(cmd.OutOrStdout(), "%s: no cursor persisted, observe starts from %d\n",
				cfg.Realtime.CursorName, cfg.Realtime.DefaultSeq)
			return nil
		case err != nil:
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", cfg.Realtime.CursorName, seq)
		return nil
	},
}
