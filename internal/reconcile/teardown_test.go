package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/calderavm/caldera/internal/state"
)

func TestPruneDetachedRemovesUndeclaredDisk(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	guest := &fakeGuest{}
	r.Guest = guest
	rec.State = state.StateRunning

	// data0 leaves the declaration; it is ephemeral, so its backing
	// store goes too.
	rec.Disks[testData0Blob].IsEphemeral = true
	f.addBlob(testData0Blob)
	cfg.BlockDevices = append(cfg.BlockDevices[:1], cfg.BlockDevices[2])

	if err := r.PruneDetached(context.Background(), cfg, rec); err != nil {
		t.Fatalf("PruneDetached: %v", err)
	}

	if len(guest.commands) != 1 || !strings.Contains(guest.commands[0], "umount -l /dev/disk/by-lun/0") {
		t.Errorf("guest commands = %v, want an unmount of /dev/disk/by-lun/0", guest.commands)
	}
	if f.vms["web"].FindDataDisk(testData0Blob) != nil {
		t.Error("disk is still attached")
	}
	if _, ok := rec.Disks[testData0Blob]; ok {
		t.Error("disk record survived")
	}
	if exists, _ := r.blobExists(context.Background(), rec.Storage, testData0Blob); exists {
		t.Error("ephemeral backing store survived")
	}
	if f.vms["web"].FindDataDisk(testData1Blob) == nil {
		t.Error("a declared disk was detached")
	}
}

func TestPruneDetachedUnmountsEncryptedDiskByMapperName(t *testing.T) {
	_, r, cfg, rec := deployTestMachine(t)
	guest := &fakeGuest{}
	r.Guest = guest
	rec.State = state.StateRunning

	// data1 is the encrypted one.
	cfg.BlockDevices = cfg.BlockDevices[:2]

	if err := r.PruneDetached(context.Background(), cfg, rec); err != nil {
		t.Fatalf("PruneDetached: %v", err)
	}
	if len(guest.commands) != 1 ||
		!strings.Contains(guest.commands[0], "/dev/mapper/web-data1") ||
		!strings.Contains(guest.commands[0], "cryptsetup luksClose") {
		t.Errorf("guest commands = %v, want a luksClose of /dev/mapper/web-data1", guest.commands)
	}
}

func TestPruneDetachedToleratesUnreachableGuest(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	guest := &fakeGuest{err: context.DeadlineExceeded}
	r.Guest = guest
	rec.State = state.StateRunning

	cfg.BlockDevices = append(cfg.BlockDevices[:1], cfg.BlockDevices[2])

	if err := r.PruneDetached(context.Background(), cfg, rec); err != nil {
		t.Fatalf("PruneDetached: %v", err)
	}
	if f.vms["web"].FindDataDisk(testData0Blob) != nil {
		t.Error("unmount failure blocked the detach")
	}
}

func TestPruneDetachedKeepsDeclaredDisks(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)

	if err := r.PruneDetached(context.Background(), cfg, rec); err != nil {
		t.Fatalf("PruneDetached: %v", err)
	}
	if len(f.mutations()) != 0 {
		t.Errorf("prune with nothing to prune issued mutating calls: %v", f.mutations())
	}
	if len(rec.Disks) != 3 {
		t.Errorf("len(rec.Disks) = %d, want 3", len(rec.Disks))
	}
}
