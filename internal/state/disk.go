package state

import (
	"sort"

	"github.com/calderavm/caldera/internal/devpath"
)

// DiskRecord is the per-disk state entity. A record is created when a
// disk first appears in a machine spec, mutated on every reconciliation
// pass, and removed when the disk is torn down.
type DiskRecord struct {
	// ID is the backing-store BLOB URL. It is the map key and the
	// disk's identity: it survives VM re-creation, while the LUN the
	// disk occupies does not.
	ID          string `yaml:"id"`
	Device      string `yaml:"device"`
	Name        string `yaml:"name"`
	SizeGB      int32  `yaml:"size_gb,omitempty"`
	HostCaching string `yaml:"host_caching"`
	IsEphemeral bool   `yaml:"is_ephemeral"`
	Encrypt     bool   `yaml:"encrypt,omitempty"`
	Passphrase  string `yaml:"passphrase,omitempty"`

	// NeedsAttach means the disk should exist per configuration but is
	// not currently attached to the live resource.
	NeedsAttach bool `yaml:"needs_attach,omitempty"`
}

// IsRoot reports whether the record describes the root (OS) disk.
func (d *DiskRecord) IsRoot() bool {
	return d.Device == devpath.RootDevice
}

// LUN returns the data-disk LUN derived from the device path.
// ok is false for the root disk.
func (d *DiskRecord) LUN() (int32, bool) {
	return devpath.DeviceToLUN(d.Device)
}

// Clone returns an independent copy of the record.
func (d *DiskRecord) Clone() *DiskRecord {
	c := *d
	return &c
}

// DiskMap is a set of disk records keyed by backing-store URL. Both the
// desired spec and the state record use this shape; the reconciliation
// core is the only mutator of the state record's map.
type DiskMap map[string]*DiskRecord

// Put stores a record under its ID. A nil record removes the entry,
// mirroring the read-modify-write discipline of the persisted map.
func (m DiskMap) Put(id string, d *DiskRecord) {
	if d == nil {
		delete(m, id)
		return
	}
	m[id] = d
}

// RootDisk returns the ID of the attached root disk, or "". An unattached
// old root disk may still be in the map, so needs-attach records do not
// count.
func (m DiskMap) RootDisk() string {
	for id, d := range m {
		if d.IsRoot() && !d.NeedsAttach {
			return id
		}
	}
	return ""
}

// DeclaredRootDisk returns the ID of the root disk regardless of
// attachment state. Desired maps use this form: a spec has no
// needs-attach markers.
func (m DiskMap) DeclaredRootDisk() string {
	for id, d := range m {
		if d.IsRoot() {
			return id
		}
	}
	return ""
}

// ByDevice returns the ID of the record occupying the given device path,
// or "".
func (m DiskMap) ByDevice(device string) string {
	for id, d := range m {
		if d.Device == device {
			return id
		}
	}
	return ""
}

// SortedIDs returns the disk IDs in stable order, for deterministic
// iteration where ordering is observable (remote calls, log output).
func (m DiskMap) SortedIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the map.
func (m DiskMap) Clone() DiskMap {
	c := make(DiskMap, len(m))
	for id, d := range m {
		c[id] = d.Clone()
	}
	return c
}
