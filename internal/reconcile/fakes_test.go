package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/cloud"
)

// fakeCloud implements ComputeAPI, NetworkAPI and BlobAPI over in-memory
// maps and records the mutating calls it receives.
type fakeCloud struct {
	vms       map[string]*cloud.VirtualMachine
	publicIPs map[string]*cloud.PublicIP
	nics      map[string]*cloud.NetworkInterface
	blobs     map[string]bool

	calls    []string
	snapSeq  int
	opStatus *cloud.OperationStatus
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		vms:       map[string]*cloud.VirtualMachine{},
		publicIPs: map[string]*cloud.PublicIP{},
		nics:      map[string]*cloud.NetworkInterface{},
		blobs:     map[string]bool{},
	}
}

func (f *fakeCloud) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// mutations reports the mutating calls recorded so far.
func (f *fakeCloud) mutations() []string {
	return f.calls
}

func blobKey(ref blob.Ref, snapshot string) string {
	key := ref.Storage + "/" + ref.Container + "/" + ref.Name
	if snapshot != "" {
		key += "?" + snapshot
	}
	return key
}

func (f *fakeCloud) addBlob(mediaLink string) {
	ref, err := blob.ParseURL(mediaLink)
	if err != nil {
		panic(err)
	}
	f.blobs[blobKey(ref, "")] = true
}

func cloneVM(vm *cloud.VirtualMachine) *cloud.VirtualMachine {
	c := *vm
	c.DataDisks = append([]cloud.DataDisk(nil), vm.DataDisks...)
	if vm.OSProfile != nil {
		p := *vm.OSProfile
		c.OSProfile = &p
	}
	return &c
}

func (f *fakeCloud) GetVM(ctx context.Context, resourceGroup, name string) (*cloud.VirtualMachine, error) {
	vm, ok := f.vms[name]
	if !ok {
		return nil, cloud.ErrNotFound
	}
	return cloneVM(vm), nil
}

func (f *fakeCloud) CreateOrUpdateVM(ctx context.Context, resourceGroup string, vm *cloud.VirtualMachine) error {
	f.record("CreateOrUpdateVM %s", vm.Name)
	stored := cloneVM(vm)
	stored.ProvisioningState = cloud.ProvisioningSucceeded
	f.vms[vm.Name] = stored
	return nil
}

type fakeOperation struct {
	status cloud.OperationStatus
}

func (o fakeOperation) Status(ctx context.Context) (cloud.OperationStatus, error) {
	return o.status, nil
}

func (f *fakeCloud) BeginCreateOrUpdateVM(ctx context.Context, resourceGroup string, vm *cloud.VirtualMachine) (cloud.Operation, error) {
	f.record("BeginCreateOrUpdateVM %s", vm.Name)
	stored := cloneVM(vm)
	stored.ProvisioningState = cloud.ProvisioningSucceeded
	f.vms[vm.Name] = stored
	if f.opStatus != nil {
		return fakeOperation{status: *f.opStatus}, nil
	}
	return fakeOperation{status: cloud.OperationStatus{State: cloud.OperationSucceeded}}, nil
}

func (f *fakeCloud) DeleteVM(ctx context.Context, resourceGroup, name string) error {
	f.record("DeleteVM %s", name)
	if _, ok := f.vms[name]; !ok {
		return cloud.ErrNotFound
	}
	delete(f.vms, name)
	return nil
}

func (f *fakeCloud) StartVM(ctx context.Context, resourceGroup, name string) error {
	f.record("StartVM %s", name)
	if _, ok := f.vms[name]; !ok {
		return cloud.ErrNotFound
	}
	return nil
}

func (f *fakeCloud) PowerOffVM(ctx context.Context, resourceGroup, name string) error {
	f.record("PowerOffVM %s", name)
	if _, ok := f.vms[name]; !ok {
		return cloud.ErrNotFound
	}
	return nil
}

func (f *fakeCloud) RestartVM(ctx context.Context, resourceGroup, name string) error {
	f.record("RestartVM %s", name)
	if _, ok := f.vms[name]; !ok {
		return cloud.ErrNotFound
	}
	return nil
}

func (f *fakeCloud) CreateOrUpdatePublicIP(ctx context.Context, resourceGroup string, ip *cloud.PublicIP) error {
	f.record("CreateOrUpdatePublicIP %s", ip.Name)
	stored := *ip
	stored.ID = "/ids/public-ip/" + ip.Name
	stored.IPAddress = "203.0.113.7"
	f.publicIPs[ip.Name] = &stored
	return nil
}

func (f *fakeCloud) GetPublicIP(ctx context.Context, resourceGroup, name string) (*cloud.PublicIP, error) {
	ip, ok := f.publicIPs[name]
	if !ok {
		return nil, cloud.ErrNotFound
	}
	c := *ip
	return &c, nil
}

func (f *fakeCloud) DeletePublicIP(ctx context.Context, resourceGroup, name string) error {
	f.record("DeletePublicIP %s", name)
	if _, ok := f.publicIPs[name]; !ok {
		return cloud.ErrNotFound
	}
	delete(f.publicIPs, name)
	return nil
}

func (f *fakeCloud) CreateOrUpdateNIC(ctx context.Context, resourceGroup string, nic *cloud.NetworkInterface) error {
	f.record("CreateOrUpdateNIC %s", nic.Name)
	stored := *nic
	stored.ID = "/ids/nic/" + nic.Name
	f.nics[nic.Name] = &stored
	return nil
}

func (f *fakeCloud) GetNIC(ctx context.Context, resourceGroup, name string) (*cloud.NetworkInterface, error) {
	nic, ok := f.nics[name]
	if !ok {
		return nil, cloud.ErrNotFound
	}
	c := *nic
	return &c, nil
}

func (f *fakeCloud) DeleteNIC(ctx context.Context, resourceGroup, name string) error {
	f.record("DeleteNIC %s", name)
	if _, ok := f.nics[name]; !ok {
		return cloud.ErrNotFound
	}
	delete(f.nics, name)
	return nil
}

func (f *fakeCloud) GetSubnet(ctx context.Context, resourceGroup, virtualNetwork, subnet string) (string, error) {
	return "/ids/subnet/" + virtualNetwork + "/" + subnet, nil
}

func (f *fakeCloud) BlobExists(ctx context.Context, ref blob.Ref, snapshot string) (bool, error) {
	return f.blobs[blobKey(ref, snapshot)], nil
}

func (f *fakeCloud) DeleteBlob(ctx context.Context, ref blob.Ref, snapshot string) error {
	key := blobKey(ref, snapshot)
	f.record("DeleteBlob %s", key)
	if !f.blobs[key] {
		return cloud.ErrNotFound
	}
	delete(f.blobs, key)
	return nil
}

func (f *fakeCloud) SnapshotBlob(ctx context.Context, ref blob.Ref, metadata map[string]string) (string, error) {
	if !f.blobs[blobKey(ref, "")] {
		return "", cloud.ErrNotFound
	}
	f.snapSeq++
	snap := fmt.Sprintf("snap-%d", f.snapSeq)
	f.record("SnapshotBlob %s %s", blobKey(ref, ""), snap)
	f.blobs[blobKey(ref, snap)] = true
	return snap, nil
}

func (f *fakeCloud) CopyBlob(ctx context.Context, dst blob.Ref, srcURL string) error {
	f.record("CopyBlob %s <- %s", blobKey(dst, ""), srcURL)
	f.blobs[blobKey(dst, "")] = true
	return nil
}

// fakeGuest records the commands a reconciler would run on the machine.
type fakeGuest struct {
	commands []string
	err      error
}

func (g *fakeGuest) Run(ctx context.Context, command string) error {
	g.commands = append(g.commands, command)
	return g.err
}

func newTestReconciler(f *fakeCloud) *Reconciler {
	return &Reconciler{
		Compute: f,
		Network: f,
		Blobs:   f,
		Confirm: func(string) bool { return true },
		Log:     zerolog.Nop(),
		Sleep:   func(time.Duration) {},
	}
}
