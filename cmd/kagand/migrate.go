package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kaganconfig "github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := kaganconfig.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = database.Close() }()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		fmt.Println("migrations applied")
		return nil
	},
}
