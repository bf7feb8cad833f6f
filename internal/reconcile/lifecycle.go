package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/cloud"
	"github.com/calderavm/caldera/internal/state"
)

// Start powers the machine on and waits for its address to come back.
func (r *Reconciler) Start(ctx context.Context, rec *state.Record) error {
	if rec.VMID == "" {
		return errors.Newf("machine %s is not deployed", rec.MachineName)
	}
	r.Log.Info().Str("machine", rec.MachineName).Msg("starting the virtual machine")
	rec.State = state.StateProvisioning
	if err := r.Compute.StartVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil {
		return errors.Wrapf(err, "start machine %s", rec.MachineName)
	}
	ip, err := r.fetchPublicIP(ctx, rec)
	if err != nil {
		return err
	}
	rec.PublicIPv4 = ip
	rec.State = state.StateRunning
	return nil
}

// Stop powers the machine off. The compute resource stays allocated, so
// the hardware profile, addresses and disks all survive.
func (r *Reconciler) Stop(ctx context.Context, rec *state.Record) error {
	if rec.VMID == "" {
		return errors.Newf("machine %s is not deployed", rec.MachineName)
	}
	r.Log.Info().Str("machine", rec.MachineName).Msg("powering off the virtual machine")
	rec.State = state.StateStopping
	if err := r.Compute.PowerOffVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil {
		return errors.Wrapf(err, "power off machine %s", rec.MachineName)
	}
	rec.State = state.StateStopped
	return nil
}

// Reboot restarts the machine. hard restarts through the provider;
// otherwise the guest reboots itself, which requires it to be reachable.
func (r *Reconciler) Reboot(ctx context.Context, rec *state.Record, hard bool) error {
	if rec.VMID == "" {
		return errors.Newf("machine %s is not deployed", rec.MachineName)
	}
	if hard {
		r.Log.Info().Str("machine", rec.MachineName).Msg("restarting the virtual machine")
		rec.State = state.StateProvisioning
		if err := r.Compute.RestartVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil {
			return errors.Wrapf(err, "restart machine %s", rec.MachineName)
		}
		rec.State = state.StateRunning
		return nil
	}
	if r.Guest == nil {
		return errors.New("no guest connection; use a hard reboot")
	}
	r.Log.Info().Str("machine", rec.MachineName).Msg("rebooting the guest")
	rec.State = state.StateProvisioning
	if err := r.Guest.Run(ctx, "reboot"); err != nil {
		return errors.Wrapf(err, "reboot machine %s", rec.MachineName)
	}
	rec.State = state.StateRunning
	return nil
}

// Destroy deletes the machine and its dedicated resources. It returns
// false without error when the operator declines; true when the machine
// is gone. Non-ephemeral disk contents are kept.
func (r *Reconciler) Destroy(ctx context.Context, rec *state.Record, wipe bool) (bool, error) {
	if wipe {
		r.Log.Warn().Msg("wipe is not supported; the disk contents will be destroyed without overwriting")
	}

	if rec.VMID != "" {
		if !r.confirm("are you sure you want to destroy the virtual machine " + rec.MachineName + "?") {
			return false, nil
		}
		r.Log.Info().Str("machine", rec.MachineName).Msg("destroying the virtual machine")
		if err := r.Compute.DeleteVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil {
			if !cloud.IsNotFound(err) {
				return false, errors.Wrapf(err, "destroy machine %s", rec.MachineName)
			}
			r.Log.Warn().Str("machine", rec.MachineName).Msg("seems to have been destroyed already")
		}
		rec.ResetAfterDeletion()
	}

	// Ephemeral disks die with the machine. Their records and keys go
	// with them; existing-disk records merely get forgotten.
	for _, id := range rec.Disks.SortedIDs() {
		disk := rec.Disks[id]
		if disk.IsEphemeral {
			if err := r.deleteVolume(ctx, rec.Storage, id, disk.Name, nil); err != nil {
				return false, err
			}
			r.deleteEncryptionKey(rec, id)
		}
		rec.Disks.Put(id, nil)
	}

	if rec.NetworkInterface != "" {
		r.Log.Info().Str("nic", rec.NetworkInterface).Msg("destroying the network interface")
		if err := r.Network.DeleteNIC(ctx, rec.ResourceGroup, rec.NetworkInterface); err != nil && !cloud.IsNotFound(err) {
			return false, errors.Wrapf(err, "destroy network interface %s", rec.NetworkInterface)
		}
		rec.NetworkInterface = ""
	}
	if rec.PublicIP != "" {
		r.Log.Info().Str("ip", rec.PublicIP).Msg("releasing the public IP address")
		if err := r.Network.DeletePublicIP(ctx, rec.ResourceGroup, rec.PublicIP); err != nil && !cloud.IsNotFound(err) {
			return false, errors.Wrapf(err, "release public IP %s", rec.PublicIP)
		}
		rec.PublicIP = ""
		rec.PublicIPv4 = ""
	}

	// Generated keys guard existing-disk contents; silently dropping
	// them would make those disks unreadable.
	for _, id := range sortedKeys(rec.GeneratedKeys) {
		if rec.GeneratedKeys[id] == "" {
			continue
		}
		r.deleteEncryptionKey(rec, id)
		if rec.GeneratedKeys[id] != "" {
			return false, errors.New("cannot continue without deleting the encryption key")
		}
	}

	rec.State = state.StateMissing
	return true, nil
}
