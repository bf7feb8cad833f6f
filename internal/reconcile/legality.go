package reconcile

import (
	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/devpath"
	"github.com/calderavm/caldera/internal/state"
)

// checkDiskChanges proves or rejects that the transition from the current
// disk map to the desired one is achievable without an unsupported atomic
// operation. It is pure over the two maps and runs before any mutating
// remote call, so a rejection leaves no partial state.
//
// Disk modification is staged so dismounts stay clean: new disks are
// attached, the machine's configuration is activated (mounting new disks,
// dismounting the ones about to go), and only then are disks detached.
// That staging makes some one-step changes impossible:
//   - replacing the occupant of a LUN with a different disk while the
//     current occupant is still attached;
//   - moving an attached disk to a different LUN;
//   - renaming an attached disk.
func checkDiskChanges(desired, current state.DiskMap) error {
	for _, id := range desired.SortedIDs() {
		disk := desired[id]

		// Another identity currently holding the target device blocks
		// the attach unless it is already detached.
		occupantID := current.ByDevice(disk.Device)
		_, isLUN := devpath.DeviceToLUN(disk.Device)
		if occupantID != "" && isLUN && occupantID != id && !current[occupantID].NeedsAttach {
			return errors.Mark(errors.Newf(
				"can't attach disk %s(%s) because the target LUN %s is already occupied by disk %s; "+
					"you need to deploy a configuration with this LUN left empty before using it "+
					"to attach a different data disk",
				disk.Name, id, disk.Device, occupantID), ErrIllegalChange)
		}

		cur := current[id]
		if cur == nil {
			continue
		}
		if _, curIsLUN := cur.LUN(); !curIsLUN || cur.NeedsAttach {
			continue
		}
		if cur.Device != disk.Device {
			return errors.Mark(errors.Newf(
				"can't reattach disk %s(%s) to a different LUN in one step; "+
					"you need to deploy a configuration with this disk detached from %s "+
					"before attaching it to %s",
				disk.Name, id, cur.Device, disk.Device), ErrIllegalChange)
		}
		if cur.Name != disk.Name {
			return errors.Mark(errors.Newf(
				"cannot change the name of the attached disk %s(%s)",
				cur.Name, id), ErrIllegalChange)
		}
	}
	return nil
}
