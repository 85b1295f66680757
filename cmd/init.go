package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/SkyHanniStudios/DiscordBot-sub000/supportbot"
	"github.com/spf13/cobra"
)

var serversFile string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally seed the server directory",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable SB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable SB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := supportbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()
		if serversFile != "" {
			data, err := os.ReadFile(serversFile)
			if err != nil {
				log.Fatalf("Error reading %s: %v", serversFile, err)
			}
			report, err := supportbot.ImportServerFile(ctx, db, data, slog.Default())
			if err != nil {
				log.Fatalf("Error importing servers: %v", err)
			}
			fmt.Fprintf(
				out,
				"Imported %d servers and %d aliases from %s.\n",
				report.Servers,
				report.Aliases,
				serversFile,
			)
			for _, conflict := range report.Conflicts {
				fmt.Fprintf(out, "Skipped %s\n", conflict)
			}
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	initCmd.Flags().StringVar(
		&serversFile,
		"servers",
		"",
		"Server catalog file (JSON) to import into the directory",
	)
	rootCmd.AddCommand(initCmd)
}
