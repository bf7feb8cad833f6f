package reconcile

import (
	"context"
	"encoding/base64"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/cloud"
	"github.com/calderavm/caldera/internal/config"
	"github.com/calderavm/caldera/internal/devpath"
	"github.com/calderavm/caldera/internal/state"
)

// Azure releases a Dynamic public IP that stays idle longer than this.
const publicIPIdleTimeoutMinutes = 4

// provisionSpec is the subset of the machine declaration the provisioner
// needs. Deploy builds it from the parsed configuration; Restore builds
// it from the state record so a machine can be re-created from its
// backup without the original configuration at hand.
type provisionSpec struct {
	Size            string
	Location        string
	AvailabilitySet string
	RootImageURL    string
	ObtainIP        bool
	Disks           state.DiskMap
}

func provisionSpecFromConfig(cfg *config.MachineConfig) *provisionSpec {
	return &provisionSpec{
		Size:            cfg.Size,
		Location:        cfg.Location,
		AvailabilitySet: cfg.AvailabilitySet,
		RootImageURL:    cfg.RootDiskImageURL,
		ObtainIP:        cfg.ObtainIP,
		Disks:           cfg.DiskMap(),
	}
}

func provisionSpecFromRecord(rec *state.Record) *provisionSpec {
	return &provisionSpec{
		Size:            rec.Size,
		Location:        rec.Location,
		AvailabilitySet: rec.AvailabilitySet,
		ObtainIP:        rec.ObtainIP,
		Disks:           rec.Disks.Clone(),
	}
}

// provision ensures the network resources exist and creates the VM
// resource if the record says there is none. It blocks until the remote
// provisioning operation settles, then records the new resource.
func (r *Reconciler) provision(ctx context.Context, want *provisionSpec, rec *state.Record) error {
	if err := r.ensurePublicIP(ctx, want, rec); err != nil {
		return err
	}
	if err := r.ensureNIC(ctx, want, rec); err != nil {
		return err
	}
	if rec.VMID != "" {
		return nil
	}
	return r.createVM(ctx, want, rec)
}

func (r *Reconciler) ensurePublicIP(ctx context.Context, want *provisionSpec, rec *state.Record) error {
	if rec.PublicIP != "" || !want.ObtainIP {
		return nil
	}
	r.Log.Info().Str("machine", rec.MachineName).Msg("requesting a public IP address")
	err := r.Network.CreateOrUpdatePublicIP(ctx, rec.ResourceGroup, &cloud.PublicIP{
		Name:               rec.MachineName,
		Location:           want.Location,
		AllocationMethod:   "Dynamic",
		IdleTimeoutMinutes: publicIPIdleTimeoutMinutes,
	})
	if err != nil {
		return errors.Wrap(err, "create public IP")
	}
	rec.PublicIP = rec.MachineName
	rec.ObtainIP = true
	return nil
}

func (r *Reconciler) ensureNIC(ctx context.Context, want *provisionSpec, rec *state.Record) error {
	if rec.NetworkInterface != "" {
		return nil
	}
	r.Log.Info().Str("machine", rec.MachineName).Msg("creating a network interface")

	publicIPID := ""
	if rec.PublicIP != "" {
		ip, err := r.Network.GetPublicIP(ctx, rec.ResourceGroup, rec.PublicIP)
		if err != nil {
			return errors.Wrapf(err, "fetch public IP %s", rec.PublicIP)
		}
		publicIPID = ip.ID
	}

	// The subnet carries the same name as its virtual network.
	subnetID, err := r.Network.GetSubnet(ctx, rec.ResourceGroup, rec.VirtualNetwork, rec.VirtualNetwork)
	if err != nil {
		return errors.Wrapf(err, "fetch subnet of virtual network %s", rec.VirtualNetwork)
	}

	err = r.Network.CreateOrUpdateNIC(ctx, rec.ResourceGroup, &cloud.NetworkInterface{
		Name:     rec.MachineName,
		Location: want.Location,
		IPConfigurations: []cloud.IPConfiguration{{
			Name:                      "default",
			SubnetID:                  subnetID,
			PrivateIPAllocationMethod: "Dynamic",
			PublicIPID:                publicIPID,
		}},
	})
	if err != nil {
		return errors.Wrap(err, "create network interface")
	}
	rec.NetworkInterface = rec.MachineName
	return nil
}

func (r *Reconciler) createVM(ctx context.Context, want *provisionSpec, rec *state.Record) error {
	if _, err := r.Compute.GetVM(ctx, rec.ResourceGroup, rec.MachineName); err == nil {
		return errors.Newf(
			"tried creating a virtual machine that already exists; please run 'deploy --check' to fix this")
	} else if !cloud.IsNotFound(err) {
		return errors.Wrapf(err, "fetch machine %s", rec.MachineName)
	}

	rootID := want.Disks.DeclaredRootDisk()
	if rootID == "" {
		return errors.Mark(errors.New("desired spec has no root disk"), ErrInternal)
	}
	root := want.Disks[rootID]

	nic, err := r.Network.GetNIC(ctx, rec.ResourceGroup, rec.NetworkInterface)
	if err != nil {
		return errors.Wrapf(err, "fetch network interface %s", rec.NetworkInterface)
	}

	rootExists, err := r.blobExists(ctx, rec.Storage, rootID)
	if err != nil {
		return err
	}

	vm := &cloud.VirtualMachine{
		Name:               rec.MachineName,
		Location:           want.Location,
		Size:               want.Size,
		AvailabilitySet:    want.AvailabilitySet,
		NetworkInterfaceID: nic.ID,
		OSDisk: cloud.OSDisk{
			Name:         root.Name,
			MediaLink:    rootID,
			HostCaching:  root.HostCaching,
			CreateOption: cloud.CreateAttach,
			OSType:       "Linux",
		},
	}
	if !rootExists {
		// First boot from image: the OS profile only applies while the
		// root disk is being imaged, so it is omitted on re-attach.
		vm.OSDisk.CreateOption = cloud.CreateFromImage
		vm.OSDisk.ImageURL = want.RootImageURL
		password, err := generatePassword()
		if err != nil {
			return err
		}
		vm.OSProfile = &cloud.OSProfile{
			ComputerName:  rec.MachineName,
			AdminUsername: "randomuser",
			AdminPassword: password,
			CustomData:    base64.StdEncoding.EncodeToString([]byte(customData(rec))),
		}
	}

	for _, id := range want.Disks.SortedIDs() {
		disk := want.Disks[id]
		lun, isData := devpath.DeviceToLUN(disk.Device)
		if !isData {
			continue
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
	}

	r.Log.Info().Str("machine", rec.MachineName).Str("size", want.Size).Msg("creating the virtual machine")
	op, err := r.Compute.BeginCreateOrUpdateVM(ctx, rec.ResourceGroup, vm)
	if err != nil {
		return errors.Wrapf(err, "create machine %s", rec.MachineName)
	}

	// Provisioning is complete once the machine has an address or the
	// remote operation stops reporting progress, whichever comes first.
	err = r.waitFor(ctx, "provisioning of machine "+rec.MachineName, func() (bool, error) {
		ip, err := r.fetchPublicIP(ctx, rec)
		if err != nil {
			return false, err
		}
		if ip != "" {
			return true, nil
		}
		st, err := op.Status(ctx)
		if err != nil {
			return false, errors.Wrap(err, "poll provisioning operation")
		}
		return st.State != cloud.OperationInProgress, nil
	})
	if err != nil {
		return err
	}
	final, err := op.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "poll provisioning operation")
	}
	if final.State == cloud.OperationFailed {
		return errors.Mark(
			errors.Newf("provisioning of machine %s failed: %s", rec.MachineName, final.ProviderError),
			ErrProvisioningFailed)
	}

	rec.VMID = rec.MachineName
	rec.State = state.StateProvisioning
	rec.Size = want.Size
	rec.AvailabilitySet = want.AvailabilitySet
	rec.ObtainIP = want.ObtainIP

	ip, err := r.fetchPublicIP(ctx, rec)
	if err != nil {
		return err
	}
	rec.PublicIPv4 = ip
	if ip != "" {
		r.Log.Info().Str("machine", rec.MachineName).Str("ip", ip).Msg("got public IP")
	}

	for _, id := range want.Disks.SortedIDs() {
		attached := want.Disks[id].Clone()
		attached.NeedsAttach = false
		rec.Disks.Put(id, attached)
	}
	return nil
}

// customData is delivered to the guest on first boot: the generated host
// key pair and the key the deployment engine will log in with.
func customData(rec *state.Record) string {
	return "ssh_host_ed25519_key=$(cat<<____HERE\n" +
		rec.HostPrivateKey +
		"____HERE\n)\n" +
		"ssh_host_ed25519_key_pub=\"" + rec.HostPublicKey + "\"\n" +
		"ssh_root_auth_key=\"" + rec.ClientPublicKey + "\"\n"
}
