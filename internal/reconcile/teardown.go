package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/config"
	"github.com/calderavm/caldera/internal/state"
)

// PruneDetached removes disks that are on record but no longer declared:
// best-effort unmount in the guest, detach from the VM, destruction of
// ephemeral backing stores, and finally removal of the record and its
// encryption key. Runs after the new configuration is active so the
// guest has already dismounted the filesystems cleanly.
func (r *Reconciler) PruneDetached(ctx context.Context, cfg *config.MachineConfig, rec *state.Record) error {
	desired := cfg.DiskMap()
	for _, id := range rec.Disks.SortedIDs() {
		if _, keep := desired[id]; keep {
			continue
		}
		disk := rec.Disks[id]
		if _, isData := disk.LUN(); !isData {
			continue
		}

		r.Log.Info().Str("disk", id).Str("name", disk.Name).Msg("detaching data disk")
		r.unmountGuestDisk(ctx, rec, disk)

		if !disk.NeedsAttach && rec.VMID != "" {
			vm, err := r.getVMAssertExists(ctx, rec)
			if err != nil {
				return err
			}
			if vm.FindDataDisk(id) != nil {
				vm.RemoveDataDisk(id)
				if err := r.Compute.CreateOrUpdateVM(ctx, rec.ResourceGroup, vm); err != nil {
					return errors.Wrapf(err, "detach disk %s", id)
				}
			}
			disk.NeedsAttach = true
			rec.Disks.Put(id, disk)
		}

		if disk.IsEphemeral {
			if err := r.deleteVolume(ctx, rec.Storage, id, disk.Name, nil); err != nil {
				return err
			}
		}
		rec.Disks.Put(id, nil)
		r.deleteEncryptionKey(rec, id)
	}
	return nil
}

// unmountGuestDisk asks the guest to release the device before the
// detach. Failures are tolerated: the machine may be unreachable, and
// the detach itself is what matters.
func (r *Reconciler) unmountGuestDisk(ctx context.Context, rec *state.Record, disk *state.DiskRecord) {
	if r.Guest == nil || rec.State != state.StateRunning {
		return
	}
	var cmd string
	if disk.Encrypt {
		mapped := "/dev/mapper/" + disk.Name
		cmd = "umount -l " + mapped + " ; cryptsetup luksClose " + mapped
	} else {
		cmd = "umount -l " + disk.Device
	}
	if err := r.Guest.Run(ctx, cmd); err != nil {
		r.Log.Warn().Str("disk", disk.Name).Err(err).Msg("failed to unmount the disk in the guest")
	}
}
