// Package state holds the persisted state record for a managed machine:
// what we believe exists remotely, which disks are attached where, and
// the bookkeeping (generated keys, backups) that must survive between
// reconciliation runs.
package state

// LifecycleState is the recorded lifecycle state of the machine.
// VM existence is tracked explicitly here rather than inferred from
// nullable fields.
type LifecycleState string

const (
	// StateMissing means no VM resource is known to exist.
	StateMissing LifecycleState = "missing"

	// StateProvisioning means a creation or start request has been
	// issued and the machine is coming up.
	StateProvisioning LifecycleState = "provisioning"

	// StateRunning means the machine was last observed up.
	StateRunning LifecycleState = "running"

	// StateStopping means a power-off request has been issued.
	StateStopping LifecycleState = "stopping"

	// StateStopped means the machine is powered off (or the VM resource
	// was deleted while its disks remain).
	StateStopped LifecycleState = "stopped"
)

// Record is the durable state of one managed machine. Every field must
// round-trip through the state store.
type Record struct {
	MachineName string `yaml:"machine_name"`

	Size            string `yaml:"size,omitempty"`
	Location        string `yaml:"location,omitempty"`
	Storage         string `yaml:"storage,omitempty"`
	VirtualNetwork  string `yaml:"virtual_network,omitempty"`
	ResourceGroup   string `yaml:"resource_group,omitempty"`
	ObtainIP        bool   `yaml:"obtain_ip,omitempty"`
	AvailabilitySet string `yaml:"availability_set,omitempty"`

	// VMID is non-empty when a VM resource has been provisioned.
	VMID  string         `yaml:"vm_id,omitempty"`
	State LifecycleState `yaml:"state"`

	// PublicIP and NetworkInterface are the names of the allocated
	// network resources; PublicIPv4 is the last fetched address.
	PublicIP         string `yaml:"public_ip,omitempty"`
	PublicIPv4       string `yaml:"public_ipv4,omitempty"`
	NetworkInterface string `yaml:"network_interface,omitempty"`

	Disks DiskMap `yaml:"disks"`

	// GeneratedKeys maps disk ID to the encryption key generated for it
	// when the spec requested encryption without a passphrase. Written
	// only by the key-generation step, read by the key-export step.
	GeneratedKeys map[string]string `yaml:"generated_keys,omitempty"`

	// Backups maps backup ID to {disk ID -> blob snapshot ID}.
	Backups map[string]map[string]string `yaml:"backups,omitempty"`

	// Machine credentials, generated once per machine.
	ClientPublicKey  string `yaml:"client_public_key,omitempty"`
	ClientPrivateKey string `yaml:"client_private_key,omitempty"`
	HostPublicKey    string `yaml:"host_public_key,omitempty"`
	HostPrivateKey   string `yaml:"host_private_key,omitempty"`
}

// NewRecord returns an empty record for a machine that has never been
// deployed.
func NewRecord(machineName string) *Record {
	return &Record{
		MachineName:   machineName,
		State:         StateMissing,
		Disks:         make(DiskMap),
		GeneratedKeys: make(map[string]string),
		Backups:       make(map[string]map[string]string),
	}
}

// Init backfills nil maps after deserialization.
func (r *Record) Init() {
	if r.Disks == nil {
		r.Disks = make(DiskMap)
	}
	if r.GeneratedKeys == nil {
		r.GeneratedKeys = make(map[string]string)
	}
	if r.Backups == nil {
		r.Backups = make(map[string]map[string]string)
	}
	if r.State == "" {
		r.State = StateMissing
	}
}

// IsDeployed reports whether any remote resource is still accounted to
// this machine.
func (r *Record) IsDeployed() bool {
	return r.VMID != "" || len(r.Disks) > 0 || r.PublicIP != "" || r.NetworkInterface != ""
}

// ResetAfterDeletion moves the record to the post-deletion state: the VM
// resource is gone but the disk backing stores remain. Every disk becomes
// needs-attach; the fetched address is forgotten.
func (r *Record) ResetAfterDeletion() {
	r.VMID = ""
	r.State = StateStopped
	r.PublicIPv4 = ""
	for _, d := range r.Disks {
		d.NeedsAttach = true
	}
}

// PutGeneratedKey stores or (with empty key) removes a generated
// encryption key.
func (r *Record) PutGeneratedKey(diskID, key string) {
	if key == "" {
		delete(r.GeneratedKeys, diskID)
		return
	}
	r.GeneratedKeys[diskID] = key
}
