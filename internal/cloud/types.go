// Package cloud defines the contracts the reconciliation core consumes:
// the compute, network and blob APIs of the provider, plus the
// whole-object VM model those APIs trade in.
//
// The remote API only supports coarse operations: get, whole-object
// create-or-update, delete, and power transitions. There is no
// fine-grained diff application; the reconciler fetches a VM snapshot,
// edits it, and resends the whole object.
//
// In production these interfaces are satisfied by the Azure SDK adapter
// (internal/azure); in tests, by recording fakes.
package cloud

import "github.com/cockroachdb/errors"

// ErrNotFound is returned (possibly wrapped) by every API when the
// addressed resource does not exist.
var ErrNotFound = errors.New("resource not found")

// IsNotFound reports whether err means the resource is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Disk create options for create-or-update requests.
const (
	CreateAttach    = "Attach"    // attach an existing backing store
	CreateEmpty     = "Empty"     // provision a fresh empty backing store
	CreateFromImage = "FromImage" // copy a source image into the backing store
)

// Provisioning states reported on a fetched VM.
const (
	ProvisioningSucceeded = "Succeeded"
	ProvisioningFailed    = "Failed"
)

// OSDisk is the root disk of a VM as the remote API sees it.
type OSDisk struct {
	Name         string
	MediaLink    string // backing-store BLOB URL
	HostCaching  string
	CreateOption string
	ImageURL     string // source image; only with CreateFromImage
	OSType       string
}

// DataDisk is one LUN-attached disk of a VM.
type DataDisk struct {
	Name         string
	MediaLink    string
	HostCaching  string
	CreateOption string
	LUN          int32
	SizeGB       int32
}

// OSProfile carries the initial machine credentials and bootstrap data.
// Only present when the root disk is created from an image.
type OSProfile struct {
	ComputerName  string
	AdminUsername string
	AdminPassword string
	CustomData    string // base64
}

// VirtualMachine is the whole-object VM resource. A fetched snapshot is
// edited in place and resent via CreateOrUpdateVM.
type VirtualMachine struct {
	Name               string
	Location           string
	Size               string
	ProvisioningState  string
	AvailabilitySet    string
	NetworkInterfaceID string
	OSProfile          *OSProfile
	OSDisk             OSDisk
	DataDisks          []DataDisk
}

// RemoveDataDisk deletes the data disk with the given backing-store URL
// from the snapshot, if present.
func (vm *VirtualMachine) RemoveDataDisk(mediaLink string) {
	kept := vm.DataDisks[:0]
	for _, d := range vm.DataDisks {
		if d.MediaLink != mediaLink {
			kept = append(kept, d)
		}
	}
	vm.DataDisks = kept
}

// FindDataDisk returns the data disk with the given backing-store URL,
// or nil.
func (vm *VirtualMachine) FindDataDisk(mediaLink string) *DataDisk {
	for i := range vm.DataDisks {
		if vm.DataDisks[i].MediaLink == mediaLink {
			return &vm.DataDisks[i]
		}
	}
	return nil
}

// PublicIP is a public IP address resource.
type PublicIP struct {
	Name               string
	Location           string
	AllocationMethod   string
	IdleTimeoutMinutes int32

	// Populated on fetch.
	ID        string
	IPAddress string
}

// IPConfiguration is one IP configuration of a network interface.
type IPConfiguration struct {
	Name                      string
	PrivateIPAllocationMethod string
	SubnetID                  string
	PublicIPID                string
}

// NetworkInterface is a NIC resource.
type NetworkInterface struct {
	Name             string
	Location         string
	IPConfigurations []IPConfiguration

	// Populated on fetch.
	ID string
}
