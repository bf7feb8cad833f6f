// Package config defines the declared machine specification and its
// parse-time validation. A MachineConfig is immutable once validated:
// reconciliation reads it, never writes it.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/devpath"
	"github.com/calderavm/caldera/internal/state"
)

// ErrInvalid marks configuration errors: malformed specs detected before
// any remote call.
var ErrInvalid = errors.New("invalid machine configuration")

// Valid host caching modes for Azure disks.
const (
	CachingNone      = "None"
	CachingReadOnly  = "ReadOnly"
	CachingReadWrite = "ReadWrite"
)

// MachineConfig is the desired state of one machine for a single
// reconciliation run.
type MachineConfig struct {
	Name string `yaml:"name"`

	SubscriptionID string `yaml:"subscription_id,omitempty"`

	Size     string `yaml:"size"`
	Location string `yaml:"location"`

	// Identity-defining resource references. Changing any of these on a
	// deployed machine requires a new deployment, not reconciliation.
	Storage        string `yaml:"storage"`
	VirtualNetwork string `yaml:"virtual_network"`
	ResourceGroup  string `yaml:"resource_group"`

	RootDiskImageURL     string `yaml:"root_disk_image_url"`
	BaseEphemeralDiskURL string `yaml:"base_ephemeral_disk_url,omitempty"`

	ObtainIP        bool   `yaml:"obtain_ip"`
	AvailabilitySet string `yaml:"availability_set,omitempty"`

	BlockDevices []BlockDeviceConfig `yaml:"block_devices"`
}

// BlockDeviceConfig declares one disk of the machine.
type BlockDeviceConfig struct {
	// Device is the logical path: /dev/sda for the root disk or
	// /dev/disk/by-lun/N for a data disk.
	Device string `yaml:"device"`

	Name string `yaml:"name"`

	// MediaLink is the backing-store BLOB URL. Optional for ephemeral
	// disks when base_ephemeral_disk_url is set; Normalize derives it.
	MediaLink string `yaml:"media_link,omitempty"`

	SizeGB      int32  `yaml:"size_gb,omitempty"`
	HostCaching string `yaml:"host_caching,omitempty"`
	IsEphemeral bool   `yaml:"is_ephemeral,omitempty"`
	Encrypt     bool   `yaml:"encrypt,omitempty"`
	Passphrase  string `yaml:"passphrase,omitempty"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Normalize fills derived fields: machine-qualified disk names, media
// links derived from the base ephemeral URL, and the default caching
// mode. Must run before Validate.
func (c *MachineConfig) Normalize() {
	for i := range c.BlockDevices {
		d := &c.BlockDevices[i]
		if d.Name != "" && !strings.HasPrefix(d.Name, c.Name+"-") {
			d.Name = fmt.Sprintf("%s-%s", c.Name, d.Name)
		}
		if d.MediaLink == "" && c.BaseEphemeralDiskURL != "" {
			d.MediaLink = fmt.Sprintf("%s%s.vhd", c.BaseEphemeralDiskURL, d.Name)
		}
		if d.HostCaching == "" {
			d.HostCaching = CachingNone
		}
	}
}

// Validate checks the configuration for errors. All violations are
// configuration errors (ErrInvalid), fatal before any remote call.
func (c *MachineConfig) Validate() error {
	if c.Name == "" {
		return invalidf("name is required")
	}
	if !namePattern.MatchString(c.Name) {
		return invalidf("name must be lowercase alphanumeric with hyphens, got %q", c.Name)
	}
	if c.Size == "" {
		return invalidf("%s: size is required", c.Name)
	}
	if c.Location == "" {
		return invalidf("%s: location is required", c.Name)
	}
	if c.Storage == "" || c.VirtualNetwork == "" || c.ResourceGroup == "" {
		return invalidf("%s: storage, virtual_network and resource_group are required", c.Name)
	}
	if c.RootDiskImageURL == "" {
		return invalidf("%s: root_disk_image_url is required", c.Name)
	}

	seen := make(map[string]string, len(c.BlockDevices))
	devicesSeen := make(map[string]bool, len(c.BlockDevices))
	rootCount := 0
	for i := range c.BlockDevices {
		d := &c.BlockDevices[i]
		if err := c.validateDevice(d); err != nil {
			return err
		}
		if prev, dup := seen[d.MediaLink]; dup {
			return invalidf("%s: disks %s and %s have the same BLOB URL %s",
				c.Name, prev, d.Name, d.MediaLink)
		}
		seen[d.MediaLink] = d.Name
		if devicesSeen[d.Device] {
			return invalidf("%s: duplicate device %s", c.Name, d.Device)
		}
		devicesSeen[d.Device] = true
		if d.Device == devpath.RootDevice {
			rootCount++
		}
	}
	if rootCount == 0 {
		return invalidf("%s needs a root disk", c.Name)
	}
	return nil
}

func (c *MachineConfig) validateDevice(d *BlockDeviceConfig) error {
	if d.Name == "" {
		return invalidf("%s: every block device needs a name", c.Name)
	}
	if d.Device != devpath.RootDevice {
		if _, ok := devpath.DeviceToLUN(d.Device); !ok {
			return invalidf("%s: disk %s: block devices must be %s or /dev/disk/by-lun/N with N in 0..%d, got %q",
				c.Name, d.Name, devpath.RootDevice, devpath.MaxLUN, d.Device)
		}
	}
	if d.MediaLink == "" {
		return invalidf("%s: ephemeral disk %s must specify media_link (or set base_ephemeral_disk_url)",
			c.Name, d.Name)
	}
	ref, err := blob.ParseURL(d.MediaLink)
	if err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	if strings.HasPrefix(d.MediaLink, "http:") {
		return invalidf("%s: please use https in BLOB URL %s", c.Name, d.MediaLink)
	}
	if ref.Storage != c.Storage {
		return invalidf("%s: expected storage to be %s in BLOB URL %s",
			c.Name, c.Storage, d.MediaLink)
	}
	switch d.HostCaching {
	case CachingNone, CachingReadOnly, CachingReadWrite:
	default:
		return invalidf("%s: disk %s: invalid host_caching %q", c.Name, d.Name, d.HostCaching)
	}
	return nil
}

func invalidf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}

// DiskMap converts the declared block devices to disk records keyed by
// backing-store URL, the shape the reconciliation core diffs against the
// state record.
func (c *MachineConfig) DiskMap() state.DiskMap {
	m := make(state.DiskMap, len(c.BlockDevices))
	for i := range c.BlockDevices {
		d := &c.BlockDevices[i]
		m[d.MediaLink] = &state.DiskRecord{
			ID:          d.MediaLink,
			Device:      d.Device,
			Name:        d.Name,
			SizeGB:      d.SizeGB,
			HostCaching: d.HostCaching,
			IsEphemeral: d.IsEphemeral,
			Encrypt:     d.Encrypt,
			Passphrase:  d.Passphrase,
		}
	}
	return m
}

// LoadFromFile loads, normalizes and validates a machine spec.
func LoadFromFile(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse config file %s", path), ErrInvalid)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
