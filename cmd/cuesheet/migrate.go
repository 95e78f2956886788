package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"cuesheet/db"
	"cuesheet/internal/config"
	"cuesheet/internal/store"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("dir") {
				cfg.MigrationsDir = dir
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			ctx := cmd.Context()
			conn, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate(ctx, conn, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "Database is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "Applied %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (defaults to CUESHEET_MIGRATIONS_DIR, then the embedded set)")
	return cmd
}

// migrate applies migrations from dir when it exists on disk, otherwise
// from the set compiled into the binary.
func migrate(ctx context.Context, conn *sql.DB, dir string) ([]string, error) {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return store.ApplyMigrations(ctx, conn, dir)
	}
	return store.ApplyMigrationsFS(ctx, conn, db.Migrations())
}
