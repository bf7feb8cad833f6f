package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/cloud"
	"github.com/calderavm/caldera/internal/state"
)

// warnChanged reports a divergence between the recorded and live value of
// a property. fixable divergences are auto-healed in the record; the rest
// are warnings only.
func (r *Reconciler) warnChanged(resource, property, recorded, live string, fixable bool) string {
	if recorded == live {
		return recorded
	}
	ev := r.Log.Warn().
		Str("resource", resource).
		Str("property", property).
		Str("recorded", recorded).
		Str("live", live)
	if fixable {
		ev.Msg("property has changed remotely; updating the record")
		return live
	}
	ev.Msg("property has changed remotely and cannot be fixed safely")
	return recorded
}

// checkDiskDrift compares the live VM snapshot against the recorded disk
// map and heals what can be healed safely. It detaches disks found at the
// wrong LUN (slot reassignment of an attached disk is unsupported in one
// step, so the disk is forced through a controlled re-attach) and disks
// the record knows nothing about. It never deletes backing stores.
//
// Running it twice with no intervening remote change yields no further
// mutations or warnings.
func (r *Reconciler) checkDiskDrift(ctx context.Context, vm *cloud.VirtualMachine, rec *state.Record) error {
	rootID := rec.Disks.RootDisk()
	if rootID == "" {
		return errors.Mark(errors.Newf("machine %s has no attached root disk on record", rec.MachineName), ErrInternal)
	}
	// The tool cannot safely alter a live root disk's identity, so root
	// divergences are never auto-healed.
	root := rec.Disks[rootID]
	osDiskRes := "OS disk of " + rec.MachineName
	r.warnChanged(osDiskRes, "host_caching", root.HostCaching, vm.OSDisk.HostCaching, false)
	r.warnChanged(osDiskRes, "name", root.Name, vm.OSDisk.Name, false)
	r.warnChanged(osDiskRes, "media_link", root.ID, vm.OSDisk.MediaLink, false)

	for _, id := range rec.Disks.SortedIDs() {
		disk := rec.Disks[id]
		lun, isData := disk.LUN()
		if !isData {
			continue
		}
		diskRes := "data disk " + disk.Name + "(" + id + ")"

		vmDisk := vm.FindDataDisk(id)
		if vmDisk == nil {
			if !disk.NeedsAttach {
				r.Log.Warn().Str("disk", id).Msg("disk has been unexpectedly detached")
				disk.NeedsAttach = true
			}
			exists, err := r.blobExists(ctx, rec.Storage, id)
			if err != nil {
				return err
			}
			if !exists {
				r.Log.Warn().Str("disk", id).Msg("disk BLOB has been unexpectedly deleted")
				rec.Disks.Put(id, nil)
				continue
			}
			rec.Disks.Put(id, disk)
			continue
		}

		disk.HostCaching = r.warnChanged(diskRes, "host_caching", disk.HostCaching, vmDisk.HostCaching, true)
		if disk.SizeGB != vmDisk.SizeGB {
			r.Log.Warn().
				Str("resource", diskRes).
				Int32("recorded", disk.SizeGB).
				Int32("live", vmDisk.SizeGB).
				Msg("size has changed remotely; updating the record")
			disk.SizeGB = vmDisk.SizeGB
		}
		r.warnChanged(diskRes, "name", disk.Name, vmDisk.Name, false)

		if disk.NeedsAttach {
			r.Log.Warn().Str("disk", id).Msg("disk was not supposed to be attached")
			disk.NeedsAttach = false
		}

		if vmDisk.LUN != lun {
			r.Log.Warn().
				Str("disk", id).
				Int32("live_lun", vmDisk.LUN).
				Int32("recorded_lun", lun).
				Msg("disk is attached to this machine at a wrong LUN")
			r.Log.Info().Str("disk", id).Msg("detaching disk")
			vm.RemoveDataDisk(id)
			if err := r.Compute.CreateOrUpdateVM(ctx, rec.ResourceGroup, vm); err != nil {
				return errors.Wrapf(err, "detach disk %s", id)
			}
			disk.NeedsAttach = true
		}

		rec.Disks.Put(id, disk)
	}

	// Any live disk with no matching record is an unexpected disk:
	// detach them all in one batched update.
	var unexpected []string
	for i := range vm.DataDisks {
		vmDisk := &vm.DataDisks[i]
		if _, known := rec.Disks[vmDisk.MediaLink]; !known {
			r.Log.Warn().
				Str("disk", vmDisk.Name).
				Str("blob", vmDisk.MediaLink).
				Msg("unexpected disk is attached to this virtual machine")
			unexpected = append(unexpected, vmDisk.MediaLink)
		}
	}
	if len(unexpected) > 0 {
		for _, mediaLink := range unexpected {
			vm.RemoveDataDisk(mediaLink)
		}
		r.Log.Info().Msg("detaching unexpected disk(s)")
		if err := r.Compute.CreateOrUpdateVM(ctx, rec.ResourceGroup, vm); err != nil {
			return errors.Wrap(err, "detach unexpected disks")
		}
	}
	return nil
}
