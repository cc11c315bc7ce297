package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aalhour/segdb"
)

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and purge backups",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			if a.cfg.Server != "" {
				return errRemoteUnsupported
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Back up the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			be, err := a.backupEngine()
			if err != nil {
				return err
			}
			db, err := a.openDB(false)
			if err != nil {
				return err
			}
			info, err := be.CreateNewBackup(db)
			if err != nil {
				_ = db.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created backup %s: %d files, %d bytes stored as %d (%s)\n",
				info.ID, info.NumFiles, info.Size, info.StoredSize, info.Compression)
			return db.Close()
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			be, err := a.backupEngine()
			if err != nil {
				return err
			}
			infos, err := be.GetBackupInfo()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, info := range infos {
				fmt.Fprintf(out, "%4d  %s  %s  %d files  %d bytes  %s\n",
					info.Sequence, info.ID, info.Timestamp.Format("2006-01-02T15:04:05Z"),
					info.NumFiles, info.StoredSize, info.Compression)
			}
			fmt.Fprintf(out, "(%d backups)\n", len(infos))
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <id> <dir>",
		Short: "Restore a backup into an empty directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := a.backupEngine()
			if err != nil {
				return err
			}
			if err := be.RestoreDBFromBackup(args[0], args[1], nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored backup %s to %s\n", args[0], args[1])
			return nil
		},
	}

	var keep int
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete all but the newest backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			be, err := a.backupEngine()
			if err != nil {
				return err
			}
			if err := be.PurgeOldBackups(keep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Kept the newest %d backups\n", keep)
			return nil
		},
	}
	purge.Flags().IntVar(&keep, "keep", 3, "Number of backups to keep")

	cmd.AddCommand(create, list, restore, purge)
	return cmd
}

func (a *app) backupEngine() (*segdb.BackupEngine, error) {
	ctype, err := a.cfg.Compression()
	if err != nil {
		return nil, err
	}
	logger, err := a.cfg.Logger()
	if err != nil {
		return nil, err
	}
	return segdb.CreateBackupEngine(a.cfg.BackupDir, &segdb.BackupOptions{
		Compression: ctype,
		Logger:      logger,
	})
}
