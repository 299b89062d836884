package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/pkg/database"
	"stagehand/pkg/protocol"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Create and delete throwaway databases",
	}
	cmd.AddCommand(newDBCreateCmd(), newDBDeleteCmd(), newDBAttachCmd())
	return cmd
}

func newDBCreateCmd() *cobra.Command {
	var (
		opts     database.Options
		afterPID int
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database and print its location and DSN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.flushMetrics()

			opts.Name = args[0]
			db, err := a.databases.Create(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if afterPID != 0 {
				if err := db.TryDelete(afterPID); err != nil {
					return fmt.Errorf("arm cleanup: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "location: %s\n", db.Location)
			fmt.Fprintf(out, "dsn: %s\n", db.DSN)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.MasterDSN, "master", "", "master connection (default from config)")
	cmd.Flags().StringVar(&opts.Folder, "folder", "", "folder for the database file")
	cmd.Flags().IntVar(&opts.MaxSizeMB, "max-size-mb", 0, "maximum database size in MB")
	cmd.Flags().BoolVar(&opts.DeleteExistingDatabaseAtSamePath, "delete-existing", false, "replace a database already at the target")
	cmd.Flags().IntVar(&afterPID, "delete-after-pid", 0, "arm a watcher that deletes the database once this process exits")
	return cmd
}

func newDBDeleteCmd() *cobra.Command {
	var (
		masterDSN string
		afterPID  int
	)

	cmd := &cobra.Command{
		Use:   "delete <name> <location>",
		Short: "Delete a database now, or after a process exits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.flushMetrics()

			name, location := args[0], args[1]
			if afterPID == 0 {
				return a.databases.Delete(cmd.Context(), masterDSN, name, location)
			}

			if masterDSN == "" {
				masterDSN = a.cfg.Database.MasterDSN
			}
			if masterDSN == "" {
				masterDSN = database.DefaultMasterDSN
			}
			return a.armer.Arm(protocol.DeleteDatabase(masterDSN, name, location, afterPID))
		},
	}

	cmd.Flags().StringVar(&masterDSN, "master", "", "master connection (default from config)")
	cmd.Flags().IntVar(&afterPID, "after-pid", 0, "delete through a watcher once this process exits (-1: immediately)")
	return cmd
}

func newDBAttachCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "attach <path>",
		Short: "Print the DSN for an existing database file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.flushMetrics()

			db, err := a.databases.AttachToFile(args[0])
			if err != nil {
				return err
			}
			if remove {
				return db.DeleteAndWait(cmd.Context())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "name: %s\ndsn: %s\n", db.Name, db.DSN)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "delete", false, "delete the database file and its log files")
	return cmd
}
