package cmd

import (
	"fmt"
	"log"

	"github.com/arcward/craftlink/craftlink"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and migrate the request log schema",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable CL_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable CL_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := craftlink.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		var count int64
		if err = db.WithContext(ctx).Model(&craftlink.RequestLog{}).Count(&count).Error; err != nil {
			log.Fatalf("Error reading request log: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Request log has %d entries.\n", count)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
