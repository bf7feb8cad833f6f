package cloud

import (
	"context"

	"github.com/calderavm/caldera/internal/blob"
)

// OperationState is the coarse status of a long-running remote operation.
type OperationState string

const (
	OperationInProgress OperationState = "InProgress"
	OperationSucceeded  OperationState = "Succeeded"
	OperationFailed     OperationState = "Failed"
)

// OperationStatus is one observation of a long-running operation.
// ProviderError carries the provider's error payload verbatim when the
// operation failed.
type OperationStatus struct {
	State         OperationState
	ProviderError string
}

// Operation is the handle of an in-flight create-or-update request.
type Operation interface {
	// Status polls the operation once and reports its current state.
	Status(ctx context.Context) (OperationStatus, error)
}

// ComputeAPI is the virtual machine surface of the provider.
type ComputeAPI interface {
	// GetVM fetches a VM snapshot. Returns ErrNotFound if it does not
	// exist.
	GetVM(ctx context.Context, resourceGroup, name string) (*VirtualMachine, error)

	// CreateOrUpdateVM issues a whole-object update and blocks until it
	// completes.
	CreateOrUpdateVM(ctx context.Context, resourceGroup string, vm *VirtualMachine) error

	// BeginCreateOrUpdateVM issues a whole-object update and returns the
	// operation handle without waiting.
	BeginCreateOrUpdateVM(ctx context.Context, resourceGroup string, vm *VirtualMachine) (Operation, error)

	DeleteVM(ctx context.Context, resourceGroup, name string) error
	StartVM(ctx context.Context, resourceGroup, name string) error
	PowerOffVM(ctx context.Context, resourceGroup, name string) error
	RestartVM(ctx context.Context, resourceGroup, name string) error
}

// NetworkAPI is the public IP / NIC / subnet surface of the provider.
type NetworkAPI interface {
	CreateOrUpdatePublicIP(ctx context.Context, resourceGroup string, ip *PublicIP) error
	GetPublicIP(ctx context.Context, resourceGroup, name string) (*PublicIP, error)
	DeletePublicIP(ctx context.Context, resourceGroup, name string) error

	CreateOrUpdateNIC(ctx context.Context, resourceGroup string, nic *NetworkInterface) error
	GetNIC(ctx context.Context, resourceGroup, name string) (*NetworkInterface, error)
	DeleteNIC(ctx context.Context, resourceGroup, name string) error

	// GetSubnet returns the resource ID of a subnet within a virtual
	// network.
	GetSubnet(ctx context.Context, resourceGroup, virtualNetwork, subnet string) (string, error)
}

// BlobAPI is the backing-store surface of the provider. snapshot is the
// snapshot ID; empty addresses the base blob.
type BlobAPI interface {
	// BlobExists probes a blob (or one of its snapshots) for existence.
	BlobExists(ctx context.Context, ref blob.Ref, snapshot string) (bool, error)

	// DeleteBlob deletes a blob or a single snapshot of it.
	DeleteBlob(ctx context.Context, ref blob.Ref, snapshot string) error

	// SnapshotBlob takes a snapshot and returns its ID.
	SnapshotBlob(ctx context.Context, ref blob.Ref, metadata map[string]string) (string, error)

	// CopyBlob overwrites dst with the contents of srcURL (typically a
	// snapshot URL) and blocks until the copy completes.
	CopyBlob(ctx context.Context, dst blob.Ref, srcURL string) error
}
