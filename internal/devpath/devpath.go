// Package devpath provides the mapping between logical block device paths
// and Azure data-disk attachment slots (LUNs).
//
// A machine has exactly one root disk at /dev/sda; every other disk is
// addressed as /dev/disk/by-lun/N where N is the LUN the disk occupies on
// the virtual machine. Azure supports LUNs 0 through 31.
//
// These functions are pure: the legality checker and the convergence
// sequencer rely on DeviceToLUN returning the same answer for the same
// path on every call.
package devpath

import (
	"strconv"
	"strings"
)

// RootDevice is the device path of the root (OS) disk.
const RootDevice = "/dev/sda"

// MaxLUN is the highest data-disk LUN Azure supports.
const MaxLUN = 31

const lunPrefix = "/dev/disk/by-lun/"

// DeviceToLUN maps a device path to its LUN.
//
// Only paths of the form /dev/disk/by-lun/N with N in 0..31 map to a LUN.
// Everything else (the root device, malformed paths, out-of-range numbers)
// returns ok == false. Callers that need to distinguish the root disk
// compare against RootDevice first.
func DeviceToLUN(device string) (lun int32, ok bool) {
	rest, found := strings.CutPrefix(device, lunPrefix)
	if !found || rest == "" {
		return 0, false
	}
	// Reject forms strconv would accept but the path scheme does not
	// (signs, leading zeros beyond a bare "0").
	if len(rest) > 1 && rest[0] == '0' {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 32)
	if err != nil || n < 0 || n > MaxLUN {
		return 0, false
	}
	return int32(n), true
}

// LUNToDevice is the inverse of DeviceToLUN. It is total: LUN range is
// enforced where LUNs enter the system, not here.
func LUNToDevice(lun int32) string {
	return lunPrefix + strconv.FormatInt(int64(lun), 10)
}
