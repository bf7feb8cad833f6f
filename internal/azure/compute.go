package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/cloud"
)

// ComputeClient implements cloud.ComputeAPI over the ARM virtual
// machines client, using classic unmanaged (VHD BLOB) disks.
type ComputeClient struct {
	vms            *armcompute.VirtualMachinesClient
	subscriptionID string
}

func (c *ComputeClient) GetVM(ctx context.Context, resourceGroup, name string) (*cloud.VirtualMachine, error) {
	resp, err := c.vms.Get(ctx, resourceGroup, name, nil)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return fromArmVM(&resp.VirtualMachine), nil
}

func (c *ComputeClient) CreateOrUpdateVM(ctx context.Context, resourceGroup string, vm *cloud.VirtualMachine) error {
	poller, err := c.vms.BeginCreateOrUpdate(ctx, resourceGroup, vm.Name, c.toArmVM(resourceGroup, vm), nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *ComputeClient) BeginCreateOrUpdateVM(ctx context.Context, resourceGroup string, vm *cloud.VirtualMachine) (cloud.Operation, error) {
	poller, err := c.vms.BeginCreateOrUpdate(ctx, resourceGroup, vm.Name, c.toArmVM(resourceGroup, vm), nil)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &vmOperation{poller: poller}, nil
}

// vmOperation adapts the SDK poller to the one-observation-per-call
// Operation contract the reconciler polls on its own schedule.
type vmOperation struct {
	poller *runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse]
}

func (o *vmOperation) Status(ctx context.Context) (cloud.OperationStatus, error) {
	if !o.poller.Done() {
		if _, err := o.poller.Poll(ctx); err != nil {
			return cloud.OperationStatus{}, errors.Wrap(err, "poll operation")
		}
	}
	if !o.poller.Done() {
		return cloud.OperationStatus{State: cloud.OperationInProgress}, nil
	}
	if _, err := o.poller.Result(ctx); err != nil {
		return cloud.OperationStatus{State: cloud.OperationFailed, ProviderError: err.Error()}, nil
	}
	return cloud.OperationStatus{State: cloud.OperationSucceeded}, nil
}

func (c *ComputeClient) DeleteVM(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.vms.BeginDelete(ctx, resourceGroup, name, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return translateNotFound(err)
}

func (c *ComputeClient) StartVM(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.vms.BeginStart(ctx, resourceGroup, name, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *ComputeClient) PowerOffVM(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.vms.BeginPowerOff(ctx, resourceGroup, name, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *ComputeClient) RestartVM(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.vms.BeginRestart(ctx, resourceGroup, name, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

// availabilitySetID expands a bare availability set name to its ARM
// resource ID; full IDs pass through.
func (c *ComputeClient) availabilitySetID(resourceGroup, name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/availabilitySets/%s",
		c.subscriptionID, resourceGroup, name)
}

func (c *ComputeClient) toArmVM(resourceGroup string, vm *cloud.VirtualMachine) armcompute.VirtualMachine {
	osDisk := &armcompute.OSDisk{
		Name:         to.Ptr(vm.OSDisk.Name),
		OSType:       to.Ptr(armcompute.OperatingSystemTypes(vm.OSDisk.OSType)),
		Caching:      to.Ptr(armcompute.CachingTypes(vm.OSDisk.HostCaching)),
		CreateOption: to.Ptr(armcompute.DiskCreateOptionTypes(vm.OSDisk.CreateOption)),
		Vhd:          &armcompute.VirtualHardDisk{URI: to.Ptr(vm.OSDisk.MediaLink)},
	}
	if vm.OSDisk.ImageURL != "" {
		osDisk.Image = &armcompute.VirtualHardDisk{URI: to.Ptr(vm.OSDisk.ImageURL)}
	}

	dataDisks := make([]*armcompute.DataDisk, 0, len(vm.DataDisks))
	for _, d := range vm.DataDisks {
		disk := &armcompute.DataDisk{
			Lun:          to.Ptr(d.LUN),
			Name:         to.Ptr(d.Name),
			Caching:      to.Ptr(armcompute.CachingTypes(d.HostCaching)),
			CreateOption: to.Ptr(armcompute.DiskCreateOptionTypes(d.CreateOption)),
			Vhd:          &armcompute.VirtualHardDisk{URI: to.Ptr(d.MediaLink)},
		}
		if d.SizeGB > 0 {
			disk.DiskSizeGB = to.Ptr(d.SizeGB)
		}
		dataDisks = append(dataDisks, disk)
	}

	props := &armcompute.VirtualMachineProperties{
		HardwareProfile: &armcompute.HardwareProfile{
			VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(vm.Size)),
		},
		NetworkProfile: &armcompute.NetworkProfile{
			NetworkInterfaces: []*armcompute.NetworkInterfaceReference{
				{ID: to.Ptr(vm.NetworkInterfaceID)},
			},
		},
		StorageProfile: &armcompute.StorageProfile{
			OSDisk:    osDisk,
			DataDisks: dataDisks,
		},
	}
	if vm.AvailabilitySet != "" {
		props.AvailabilitySet = &armcompute.SubResource{
			ID: to.Ptr(c.availabilitySetID(resourceGroup, vm.AvailabilitySet)),
		}
	}
	if vm.OSProfile != nil {
		props.OSProfile = &armcompute.OSProfile{
			ComputerName:  to.Ptr(vm.OSProfile.ComputerName),
			AdminUsername: to.Ptr(vm.OSProfile.AdminUsername),
			AdminPassword: to.Ptr(vm.OSProfile.AdminPassword),
			CustomData:    to.Ptr(vm.OSProfile.CustomData),
		}
	}

	return armcompute.VirtualMachine{
		Location:   to.Ptr(vm.Location),
		Properties: props,
	}
}

func fromArmVM(v *armcompute.VirtualMachine) *cloud.VirtualMachine {
	vm := &cloud.VirtualMachine{
		Name:     deref(v.Name),
		Location: deref(v.Location),
	}
	props := v.Properties
	if props == nil {
		return vm
	}
	vm.ProvisioningState = deref(props.ProvisioningState)
	if props.HardwareProfile != nil && props.HardwareProfile.VMSize != nil {
		vm.Size = string(*props.HardwareProfile.VMSize)
	}
	if props.AvailabilitySet != nil && props.AvailabilitySet.ID != nil {
		vm.AvailabilitySet = lastPathSegment(*props.AvailabilitySet.ID)
	}
	if props.NetworkProfile != nil && len(props.NetworkProfile.NetworkInterfaces) > 0 {
		vm.NetworkInterfaceID = deref(props.NetworkProfile.NetworkInterfaces[0].ID)
	}
	if sp := props.StorageProfile; sp != nil {
		if sp.OSDisk != nil {
			vm.OSDisk = cloud.OSDisk{
				Name:         deref(sp.OSDisk.Name),
				HostCaching:  cachingString(sp.OSDisk.Caching),
				CreateOption: createOptionString(sp.OSDisk.CreateOption),
			}
			if sp.OSDisk.Vhd != nil {
				vm.OSDisk.MediaLink = deref(sp.OSDisk.Vhd.URI)
			}
			if sp.OSDisk.Image != nil {
				vm.OSDisk.ImageURL = deref(sp.OSDisk.Image.URI)
			}
			if sp.OSDisk.OSType != nil {
				vm.OSDisk.OSType = string(*sp.OSDisk.OSType)
			}
		}
		for _, d := range sp.DataDisks {
			if d == nil {
				continue
			}
			disk := cloud.DataDisk{
				Name:         deref(d.Name),
				HostCaching:  cachingString(d.Caching),
				CreateOption: createOptionString(d.CreateOption),
			}
			if d.Lun != nil {
				disk.LUN = *d.Lun
			}
			if d.Vhd != nil {
				disk.MediaLink = deref(d.Vhd.URI)
			}
			if d.DiskSizeGB != nil {
				disk.SizeGB = *d.DiskSizeGB
			}
			vm.DataDisks = append(vm.DataDisks, disk)
		}
	}
	return vm
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cachingString(c *armcompute.CachingTypes) string {
	if c == nil {
		return ""
	}
	return string(*c)
}

func createOptionString(c *armcompute.DiskCreateOptionTypes) string {
	if c == nil {
		return ""
	}
	return string(*c)
}

func lastPathSegment(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
