package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/cloud"
	"github.com/calderavm/caldera/internal/config"
	"github.com/calderavm/caldera/internal/devpath"
	"github.com/calderavm/caldera/internal/sshkeys"
	"github.com/calderavm/caldera/internal/state"
)

// Deploy converges the machine to the declared configuration. Steps run
// in fixed order; validation and legality failures abort before any
// mutating remote call.
func (r *Reconciler) Deploy(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, opts Options) error {
	if err := guardImmutableFields(cfg, rec); err != nil {
		return err
	}
	adoptIdentity(cfg, rec)
	if err := ensureMachineKeys(rec); err != nil {
		return err
	}

	desired := cfg.DiskMap()

	if opts.Check {
		if err := r.checkPass(ctx, rec, opts); err != nil {
			return err
		}
	}

	if rec.VMID != "" && !opts.AllowReboot {
		if cfg.Size != rec.Size {
			return errors.Mark(errors.New(
				"reboot is required to change the virtual machine size; please run with --allow-reboot"),
				ErrPermissionRequired)
		}
		if cfg.AvailabilitySet != rec.AvailabilitySet {
			return errors.Mark(errors.New(
				"reboot is required to change the availability set name; please run with --allow-reboot"),
				ErrPermissionRequired)
		}
	}

	if rec.VMID != "" {
		if err := checkDiskChanges(desired, rec.Disks); err != nil {
			return err
		}
		if err := r.substituteRootDisk(ctx, desired, rec, opts); err != nil {
			return err
		}
	}

	if err := r.changeExistingDiskParameters(ctx, desired, rec); err != nil {
		return err
	}
	if err := r.provision(ctx, provisionSpecFromConfig(cfg), rec); err != nil {
		return err
	}
	if err := r.attachDetached(ctx, desired, rec); err != nil {
		return err
	}
	r.generateDefaultEncryptionKeys(rec)
	return r.syncProperties(ctx, cfg, rec)
}

// guardImmutableFields aborts on changes to identity-defining fields:
// those require a brand-new deployment, not reconciliation.
func guardImmutableFields(cfg *config.MachineConfig, rec *state.Record) error {
	immutable := []struct {
		name     string
		recorded string
		desired  string
	}{
		{"instance name", rec.MachineName, cfg.Name},
		{"resource group", rec.ResourceGroup, cfg.ResourceGroup},
		{"virtual network", rec.VirtualNetwork, cfg.VirtualNetwork},
		{"storage", rec.Storage, cfg.Storage},
		{"location", rec.Location, cfg.Location},
	}
	for _, f := range immutable {
		if f.recorded != "" && f.recorded != f.desired {
			return errors.Mark(errors.Newf(
				"cannot change the %s of a deployed machine (recorded %q, requested %q); "+
					"this requires a new deployment", f.name, f.recorded, f.desired),
				ErrIllegalChange)
		}
	}
	return nil
}

// adoptIdentity copies the identity-defining fields into a record that
// has not recorded them yet.
func adoptIdentity(cfg *config.MachineConfig, rec *state.Record) {
	rec.MachineName = cfg.Name
	rec.ResourceGroup = cfg.ResourceGroup
	rec.VirtualNetwork = cfg.VirtualNetwork
	rec.Storage = cfg.Storage
	rec.Location = cfg.Location
}

// ensureMachineKeys generates the machine's client and host key pairs
// once.
func ensureMachineKeys(rec *state.Record) error {
	if rec.ClientPublicKey == "" {
		kp, err := sshkeys.Generate(rec.MachineName + "-client")
		if err != nil {
			return err
		}
		rec.ClientPrivateKey, rec.ClientPublicKey = kp.Private, kp.Public
	}
	if rec.HostPublicKey == "" {
		kp, err := sshkeys.Generate(rec.MachineName + "-host")
		if err != nil {
			return err
		}
		rec.HostPrivateKey, rec.HostPublicKey = kp.Private, kp.Public
	}
	return nil
}

// checkPass fetches the live resource and reconciles the record with
// what it finds: drift detection when both sides agree the VM exists,
// recovery bookkeeping when the VM vanished, and removal of a foreign VM
// occupying our name.
func (r *Reconciler) checkPass(ctx context.Context, rec *state.Record, opts Options) error {
	vm, err := r.Compute.GetVM(ctx, rec.ResourceGroup, rec.MachineName)
	if err != nil && !cloud.IsNotFound(err) {
		return errors.Wrapf(err, "fetch machine %s", rec.MachineName)
	}

	if vm == nil {
		if rec.VMID == "" {
			return nil
		}
		r.Log.Warn().Msg("the instance seems to have been destroyed behind our back")
		if !opts.AllowRecreate {
			return errors.Mark(errors.New("use --allow-recreate to fix"), ErrPermissionRequired)
		}
		rec.ResetAfterDeletion()
		return nil
	}

	if rec.VMID == "" {
		r.Log.Warn().Msg("found an existing virtual machine that is not supposed to exist")
		if !r.confirm("are you sure you want to destroy the existing virtual machine " + rec.MachineName + "?") {
			return errors.New("cannot continue")
		}
		if err := r.Compute.DeleteVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil && !cloud.IsNotFound(err) {
			return errors.Wrapf(err, "destroy machine %s", rec.MachineName)
		}
		return nil
	}

	if vm.ProvisioningState == cloud.ProvisioningFailed {
		r.Log.Warn().Msg("vm resource exists, but is in a failed state")
	}
	rec.Size = r.warnChanged(rec.MachineName, "size", rec.Size, vm.Size, true)
	ip, err := r.fetchPublicIP(ctx, rec)
	if err != nil {
		return err
	}
	rec.PublicIPv4 = r.warnChanged(rec.MachineName, "public_ipv4", rec.PublicIPv4, ip, true)

	return r.checkDiskDrift(ctx, vm, rec)
}

// substituteRootDisk handles root disk changes. Replacing the root disk
// (or its caching/name) is not supported by create-or-update; it needs
// the VM destroyed and re-created. Data disks survive because they are
// addressed by identity, not by VM.
func (r *Reconciler) substituteRootDisk(ctx context.Context, desired state.DiskMap, rec *state.Record, opts Options) error {
	defRootID := desired.DeclaredRootDisk()
	if defRootID == "" {
		return errors.Mark(errors.New("desired spec has no root disk"), ErrInternal)
	}
	stateRootID := rec.Disks.RootDisk()
	if stateRootID == "" {
		return errors.Mark(errors.Newf("machine %s has no attached root disk on record", rec.MachineName), ErrInternal)
	}
	defRoot, stateRoot := desired[defRootID], rec.Disks[stateRootID]

	if defRootID == stateRootID &&
		defRoot.HostCaching == stateRoot.HostCaching &&
		defRoot.Name == stateRoot.Name {
		return nil
	}

	r.Log.Warn().Msg("a modification of the root disk is requested that requires that the virtual machine is re-created")
	if !opts.AllowRecreate {
		return errors.Mark(errors.New("use --allow-recreate to fix"), ErrPermissionRequired)
	}
	r.Log.Info().Msg("destroying the virtual machine, but preserving the disk contents")
	if err := r.Compute.DeleteVM(ctx, rec.ResourceGroup, rec.MachineName); err != nil && !cloud.IsNotFound(err) {
		return errors.Wrapf(err, "destroy machine %s", rec.MachineName)
	}
	rec.ResetAfterDeletion()
	return nil
}

// changeExistingDiskParameters converges per-disk parameters as far as
// the technical limitations allow: caching of an attached disk via a
// single-disk update, everything else only while the disk is detached.
// Encryption and ephemerality are tool-local metadata and copy through
// unconditionally.
func (r *Reconciler) changeExistingDiskParameters(ctx context.Context, desired state.DiskMap, rec *state.Record) error {
	for _, id := range desired.SortedIDs() {
		disk := desired[id]
		sd := rec.Disks[id]
		if sd == nil {
			continue
		}
		if _, isData := devpath.DeviceToLUN(disk.Device); !isData {
			continue
		}

		if rec.VMID != "" && !sd.NeedsAttach {
			if disk.HostCaching != sd.HostCaching {
				r.Log.Info().Str("disk", id).Msg("changing parameters of the attached disk")
				vm, err := r.getVMAssertExists(ctx, rec)
				if err != nil {
					return err
				}
				vmDisk := vm.FindDataDisk(id)
				if vmDisk == nil {
					return errors.Newf(
						"disk %s(%s) was supposed to be attached at %s but wasn't found; "+
							"please run deploy --check to fix this", disk.Name, id, disk.Device)
				}
				vmDisk.HostCaching = disk.HostCaching
				if err := r.Compute.CreateOrUpdateVM(ctx, rec.ResourceGroup, vm); err != nil {
					return errors.Wrapf(err, "update caching of disk %s", id)
				}
				sd.HostCaching = disk.HostCaching
			}
		} else {
			sd.HostCaching = disk.HostCaching
			sd.Name = disk.Name
			sd.Device = disk.Device
		}
		sd.Encrypt = disk.Encrypt
		sd.Passphrase = disk.Passphrase
		sd.IsEphemeral = disk.IsEphemeral
		rec.Disks.Put(id, sd)
	}
	return nil
}

// attachDetached creates missing data disks and re-attaches detached
// ones, one whole-VM update per disk, clearing needs-attach as each
// attach lands.
func (r *Reconciler) attachDetached(ctx context.Context, desired state.DiskMap, rec *state.Record) error {
	for _, id := range desired.SortedIDs() {
		disk := desired[id]
		lun, isData := devpath.DeviceToLUN(disk.Device)
		if !isData {
			continue
		}
		if sd := rec.Disks[id]; sd != nil && !sd.NeedsAttach {
			continue
		}

		r.Log.Info().Str("disk", id).Str("name", disk.Name).Msg("attaching data disk")
		vm, err := r.getVMAssertExists(ctx, rec)
		if err != nil {
			return err
		}
		exists, err := r.blobExists(ctx, rec.Storage, id)
		if err != nil {
			return err
		}
		createOption := cloud.CreateEmpty
		if exists {
			createOption = cloud.CreateAttach
		}
		vm.DataDisks = append(vm.DataDisks, cloud.DataDisk{
			Name:         disk.Name,
			MediaLink:    id,
			HostCaching:  disk.HostCaching,
			CreateOption: createOption,
			LUN:          lun,
			SizeGB:       disk.SizeGB,
		})
		if err := r.Compute.CreateOrUpdateVM(ctx, rec.ResourceGroup, vm); err != nil {
			return errors.Wrapf(err, "attach disk %s", id)
		}

		attached := disk.Clone()
		attached.NeedsAttach = false
		rec.Disks.Put(id, attached)
	}
	return nil
}

// syncProperties pushes size and availability-set changes with a single
// hardware-profile update, then records the new values.
func (r *Reconciler) syncProperties(ctx context.Context, cfg *config.MachineConfig, rec *state.Record) error {
	if cfg.Size == rec.Size && cfg.AvailabilitySet == rec.AvailabilitySet && cfg.ObtainIP == rec.ObtainIP {
		return nil
	}
	if cfg.Size != rec.Size || cfg.AvailabilitySet != rec.AvailabilitySet {
		r.Log.Info().Str("machine", rec.MachineName).Msg("updating machine properties")
		vm, err := r.getVMAssertExists(ctx, rec)
		if err != nil {
			return err
		}
		vm.Size = cfg.Size
		vm.AvailabilitySet = cfg.AvailabilitySet
		if err := r.Compute.CreateOrUpdateVM(ctx, rec.ResourceGroup, vm); err != nil {
			return errors.Wrap(err, "update machine properties")
		}
	}
	rec.Size = cfg.Size
	rec.AvailabilitySet = cfg.AvailabilitySet
	rec.ObtainIP = cfg.ObtainIP
	return nil
}
