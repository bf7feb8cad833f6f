package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/calderavm/caldera/internal/config"
	"github.com/calderavm/caldera/internal/reconcile"
	"github.com/calderavm/caldera/internal/state"
)

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(removeBackupCmd)
	rootCmd.AddCommand(exportKeysCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the backing stores of all disks",
	Long: `Backup takes a snapshot of every recorded disk's backing store under a
fresh backup ID. The snapshots live in the storage account next to the
BLOBs they capture.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			id := uuid.New().String()
			if err := r.Backup(ctx, cfg.DiskMap(), rec, id); err != nil {
				return err
			}
			fmt.Printf("backup %s created\n", id)
			return nil
		})
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List backups and their status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			if len(rec.Backups) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for _, id := range sortedBackupIDs(rec) {
				status, err := r.BackupStatus(ctx, rec, id)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", id, status)
			}
			return nil
		})
	},
}

var restoreDevices []string

func init() {
	restoreCmd.Flags().StringArrayVar(&restoreDevices, "device", nil, "restore only the given device path (repeatable)")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Roll the machine's disks back to a backup",
	Long: `Restore rolls the disk backing stores back to the snapshots of a backup.
The VM resource is temporarily deprovisioned so the BLOBs can be
overwritten, then re-created from the state record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			if err := r.Restore(ctx, rec, args[0], restoreDevices); err != nil {
				return err
			}
			fmt.Printf("machine %s restored from backup %s\n", rec.MachineName, args[0])
			return nil
		})
	},
}

var removeBackupCmd = &cobra.Command{
	Use:   "remove-backup <backup-id>",
	Short: "Delete the snapshots of a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMachine(cmd, func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error {
			return r.RemoveBackup(ctx, rec, args[0])
		})
	},
}

var exportKeysCmd = &cobra.Command{
	Use:   "export-keys",
	Short: "Export generated disk encryption keys for the guest",
	Long: `Export-keys renders the per-disk secrets the guest configuration needs:
a device-to-passphrase mapping for every disk whose encryption key was
generated automatically, and root-only key files carrying the
passphrases. Disks with declared passphrases are excluded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(cmd, func(ctx context.Context, rec *state.Record) error {
			spec := reconcile.ExportPhysicalSpec(rec)
			out, err := yaml.Marshal(spec)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		})
	},
}

func sortedBackupIDs(rec *state.Record) []string {
	ids := make([]string, 0, len(rec.Backups))
	for id := range rec.Backups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
