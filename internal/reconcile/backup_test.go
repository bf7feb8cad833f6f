package reconcile

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/state"
)

func TestBackupSnapshotsAllDisks(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)

	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	snaps := rec.Backups["b1"]
	if len(snaps) != 3 {
		t.Fatalf("len(snapshots) = %d, want 3", len(snaps))
	}
	for id, snap := range snaps {
		ref, err := blob.ParseURL(id)
		if err != nil {
			t.Fatalf("bad disk ID %q: %v", id, err)
		}
		if !f.blobs[blobKey(ref, snap)] {
			t.Errorf("snapshot %s of %s does not exist", snap, id)
		}
	}

	status, err := r.BackupStatus(context.Background(), rec, "b1")
	if err != nil {
		t.Fatalf("BackupStatus: %v", err)
	}
	if status != BackupComplete {
		t.Errorf("status = %q, want %q", status, BackupComplete)
	}
}

func TestBackupWarnsOnDiskSetDrift(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)

	var logs bytes.Buffer
	r.Log = zerolog.New(&logs)

	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if strings.Contains(logs.String(), "may be incomplete") {
		t.Error("backup of a matching disk set warned about incompleteness")
	}

	// A recorded disk missing from the declaration makes the set diverge.
	logs.Reset()
	rec.Disks.Put(testData1Blob, nil)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b2"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !strings.Contains(logs.String(), "may be incomplete") {
		t.Error("backup of a diverged disk set did not warn")
	}
	if len(rec.Backups["b2"]) != 2 {
		t.Errorf("len(snapshots) = %d, want 2", len(rec.Backups["b2"]))
	}
}

func TestBackupStatusDegrades(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// A disk added after the backup makes it incomplete.
	extra := "https://teststore.blob.core.windows.net/vhds/web-extra.vhd"
	rec.Disks.Put(extra, rec.Disks[testData0Blob].Clone())
	rec.Disks[extra].ID = extra
	rec.Disks[extra].Device = "/dev/disk/by-lun/5"
	status, err := r.BackupStatus(context.Background(), rec, "b1")
	if err != nil {
		t.Fatalf("BackupStatus: %v", err)
	}
	if status != BackupIncomplete {
		t.Errorf("status = %q, want %q", status, BackupIncomplete)
	}
	rec.Disks.Put(extra, nil)

	// A deleted snapshot makes it unavailable.
	ref, _ := blob.ParseURL(testData0Blob)
	delete(f.blobs, blobKey(ref, rec.Backups["b1"][testData0Blob]))
	status, err = r.BackupStatus(context.Background(), rec, "b1")
	if err != nil {
		t.Fatalf("BackupStatus: %v", err)
	}
	if status != BackupUnavailable {
		t.Errorf("status = %q, want %q", status, BackupUnavailable)
	}
}

func TestBackupStatusToleratesCorruptDiskRecord(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	bad := "not-a-blob-url"
	rec.Disks.Put(bad, &state.DiskRecord{ID: bad, Name: "bad", Device: "/dev/disk/by-lun/9"})
	rec.Backups["b1"][bad] = "snap-x"

	status, err := r.BackupStatus(context.Background(), rec, "b1")
	if err != nil {
		t.Fatalf("BackupStatus with a corrupt entry: %v", err)
	}
	if status != BackupUnavailable {
		t.Errorf("status = %q, want %q", status, BackupUnavailable)
	}
}

func TestRemoveBackup(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	snaps := map[string]string{}
	for id, snap := range rec.Backups["b1"] {
		snaps[id] = snap
	}

	// One snapshot already gone; removal tolerates it.
	ref, _ := blob.ParseURL(testData0Blob)
	delete(f.blobs, blobKey(ref, snaps[testData0Blob]))

	if err := r.RemoveBackup(context.Background(), rec, "b1"); err != nil {
		t.Fatalf("RemoveBackup: %v", err)
	}
	if _, ok := rec.Backups["b1"]; ok {
		t.Error("backup record survived")
	}
	for id, snap := range snaps {
		ref, _ := blob.ParseURL(id)
		if f.blobs[blobKey(ref, snap)] {
			t.Errorf("snapshot %s of %s survived", snap, id)
		}
	}
}

func TestRestoreRollsDisksBack(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	f.calls = nil

	if err := r.Restore(context.Background(), rec, "b1", nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var copies, deletes int
	for _, call := range f.mutations() {
		switch {
		case len(call) > 8 && call[:8] == "CopyBlob":
			copies++
		case call == "DeleteVM web":
			deletes++
		}
	}
	if copies != 3 {
		t.Errorf("copies = %d, want 3", copies)
	}
	if deletes != 1 {
		t.Errorf("VM deletions = %d, want 1", deletes)
	}
	if rec.VMID != "web" {
		t.Errorf("VMID = %q, want %q (machine re-provisioned)", rec.VMID, "web")
	}
	for id, d := range rec.Disks {
		if d.NeedsAttach {
			t.Errorf("disk %s still needs-attach after restore", id)
		}
	}
}

func TestRestoreRecreatesMissingMachine(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// The VM resource vanished behind our back; the record already knows.
	delete(f.vms, "web")
	rec.ResetAfterDeletion()
	f.calls = nil

	if err := r.Restore(context.Background(), rec, "b1", nil); err != nil {
		t.Fatalf("Restore of a machine without a VM resource: %v", err)
	}

	var copies int
	for _, call := range f.mutations() {
		switch {
		case len(call) > 8 && call[:8] == "CopyBlob":
			copies++
		case call == "PowerOffVM web":
			t.Error("tried to power off a machine that has no VM resource")
		case call == "DeleteVM web":
			t.Error("tried to deprovision a machine that has no VM resource")
		}
	}
	if copies != 3 {
		t.Errorf("copies = %d, want 3", copies)
	}
	if rec.VMID != "web" {
		t.Errorf("VMID = %q, want %q (machine re-provisioned)", rec.VMID, "web")
	}
}

func TestRestoreHonorsDeviceFilter(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)
	f.addBlob(testRootBlob)
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)
	if err := r.Backup(context.Background(), cfg.DiskMap(), rec, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// Disks can be named by device path, disk name or media link.
	for _, tt := range []struct {
		devices []string
		copies  int
	}{
		{[]string{"/dev/disk/by-lun/0"}, 1},
		{[]string{"web-data1"}, 1},
		{[]string{testRootBlob}, 1},
		{[]string{"web-data0", testRootBlob}, 2},
	} {
		f.calls = nil
		if err := r.Restore(context.Background(), rec, "b1", tt.devices); err != nil {
			t.Fatalf("Restore(%v): %v", tt.devices, err)
		}
		var copies int
		for _, call := range f.mutations() {
			if len(call) > 8 && call[:8] == "CopyBlob" {
				copies++
			}
		}
		if copies != tt.copies {
			t.Errorf("Restore(%v): copies = %d, want %d", tt.devices, copies, tt.copies)
		}
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	_, r, _, rec := deployTestMachine(t)
	if err := r.Restore(context.Background(), rec, "nope", nil); err == nil {
		t.Error("Restore of an unknown backup did not fail")
	}
}
