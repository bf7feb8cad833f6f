package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/cloud"
	"github.com/calderavm/caldera/internal/state"
)

// Backup statuses reported by BackupStatus.
const (
	BackupComplete    = "complete"
	BackupIncomplete  = "incomplete"
	BackupUnavailable = "unavailable"
)

// Backup snapshots the backing store of every recorded disk under the
// given backup identifier. The backup covers the deployed state, not the
// declared one: a disk present in the declaration but not yet attached
// is not part of it, and a divergence between the two only warns.
func (r *Reconciler) Backup(ctx context.Context, desired state.DiskMap, rec *state.Record, backupID string) error {
	if len(rec.Disks) == 0 {
		return errors.Newf("machine %s has no disks to back up", rec.MachineName)
	}
	if !sameDiskSet(desired, rec.Disks) {
		r.Log.Warn().Msg("the set of disks currently deployed does not match the deployment specification; consider running deploy first; the backup may be incomplete")
	}
	snapshots := map[string]string{}
	for _, id := range rec.Disks.SortedIDs() {
		disk := rec.Disks[id]
		r.Log.Info().Str("disk", id).Str("name", disk.Name).Msg("snapshotting disk BLOB")
		ref, err := blob.ParseURL(id)
		if err != nil {
			return err
		}
		snap, err := r.Blobs.SnapshotBlob(ctx, ref, map[string]string{"backup_id": backupID})
		if err != nil {
			return errors.Wrapf(err, "snapshot BLOB %s", id)
		}
		snapshots[id] = snap
	}
	if rec.Backups == nil {
		rec.Backups = map[string]map[string]string{}
	}
	rec.Backups[backupID] = snapshots
	return nil
}

// Restore rolls the machine's disks back to a backup. The VM resource is
// temporarily deleted so the disks can be overwritten, then re-created
// from the state record. devices, when non-empty, restricts the restore
// to the named device paths.
func (r *Reconciler) Restore(ctx context.Context, rec *state.Record, backupID string, devices []string) error {
	snapshots := rec.Backups[backupID]
	if snapshots == nil {
		return errors.Newf("machine %s has no backup %s", rec.MachineName, backupID)
	}

	// A machine whose VM resource is already gone still has its disks
	// rolled back and re-provisioned from the record.
	if rec.VMID != "" {
		if err := r.Stop(ctx, rec); err != nil {
			return err
		}
		r.Log.Info().Str("machine", rec.MachineName).Msg("temporarily deprovisioning the machine to restore its disks")
		if err := r.Compute.DeleteVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil {
			return errors.Wrapf(err, "deprovision machine %s", rec.MachineName)
		}
		rec.ResetAfterDeletion()
	}

	for _, id := range rec.Disks.SortedIDs() {
		disk := rec.Disks[id]
		// Disks can be selected by device path, disk name or media link.
		if len(devices) > 0 &&
			!containsString(devices, disk.Device) &&
			!containsString(devices, disk.Name) &&
			!containsString(devices, id) {
			continue
		}
		snap := snapshots[id]
		if snap == "" {
			r.Log.Warn().Str("disk", id).Msg("no snapshot of the disk in this backup; skipping")
			continue
		}
		r.Log.Info().Str("disk", id).Str("name", disk.Name).Msg("restoring disk BLOB from the snapshot")
		ref, err := blob.ParseURL(id)
		if err != nil {
			return err
		}
		exists, err := r.Blobs.BlobExists(ctx, ref, snap)
		if err != nil {
			return err
		}
		if !exists {
			r.Log.Warn().Str("disk", id).Str("snapshot", snap).Msg("snapshot is gone; skipping")
			continue
		}
		if err := r.Blobs.CopyBlob(ctx, ref, id+"?snapshot="+snap); err != nil {
			return errors.Wrapf(err, "restore BLOB %s", id)
		}
	}

	return r.provision(ctx, provisionSpecFromRecord(rec), rec)
}

// RemoveBackup deletes the snapshots of a backup. Snapshots that are
// already gone are tolerated.
func (r *Reconciler) RemoveBackup(ctx context.Context, rec *state.Record, backupID string) error {
	snapshots := rec.Backups[backupID]
	if snapshots == nil {
		return errors.Newf("machine %s has no backup %s", rec.MachineName, backupID)
	}
	for _, id := range sortedKeys(snapshots) {
		snap := snapshots[id]
		r.Log.Info().Str("disk", id).Str("snapshot", snap).Msg("removing the snapshot")
		ref, err := blob.ParseURL(id)
		if err != nil {
			return err
		}
		if err := r.Blobs.DeleteBlob(ctx, ref, snap); err != nil && !cloud.IsNotFound(err) {
			return errors.Wrapf(err, "delete snapshot of BLOB %s", id)
		}
	}
	delete(rec.Backups, backupID)
	return nil
}

// BackupStatus reports whether a backup still covers all of the
// machine's current disks and whether its snapshots still exist.
func (r *Reconciler) BackupStatus(ctx context.Context, rec *state.Record, backupID string) (string, error) {
	snapshots := rec.Backups[backupID]
	if snapshots == nil {
		return "", errors.Newf("machine %s has no backup %s", rec.MachineName, backupID)
	}
	status := BackupComplete
	for _, id := range rec.Disks.SortedIDs() {
		snap := snapshots[id]
		if snap == "" {
			status = BackupIncomplete
			continue
		}
		ref, err := blob.ParseURL(id)
		if err != nil {
			r.Log.Warn().Str("disk", id).Msg("cannot parse the disk's BLOB URL")
			return BackupUnavailable, nil
		}
		exists, err := r.Blobs.BlobExists(ctx, ref, snap)
		if err != nil {
			return "", err
		}
		if !exists {
			return BackupUnavailable, nil
		}
	}
	return status, nil
}

func sameDiskSet(a, b state.DiskMap) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
