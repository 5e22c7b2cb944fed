package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-gasless/core/backup"
	"github.com/AvaProtocol/ap-gasless/core/config"
	"github.com/AvaProtocol/ap-gasless/storage"
)

var (
	backupDir string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Write a full backup of the relayer database",
		Long: `Write a full backup of the account and transaction store into a timestamped
directory. The relayer must not be running against the same db_path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}
			dir := backupDir
			if dir == "" {
				dir = c.BackupDir
			}
			if dir == "" {
				return fmt.Errorf("no backup directory, pass --dir or set backup.dir")
			}

			db, err := storage.NewWithPath(c.DbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			file, err := backup.NewService(c.Logger, db, dir).PerformBackup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), file)
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Load a backup into the relayer database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}
			db, err := storage.NewWithPath(c.DbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			return backup.Restore(cmd.Context(), db, args[0])
		},
	}
)

func init() {
	backupCmd.Flags().StringVar(&backupDir, "dir", "", "backup directory, defaults to backup.dir")
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}
