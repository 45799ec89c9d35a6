package main

import (
	"fmt"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or migrate the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("console", false)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("schema up to date: %s\n", cfg.DatabasePath())
			return nil
		},
	}
}
