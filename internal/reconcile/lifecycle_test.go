package reconcile

import (
	"context"
	"testing"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/state"
)

func TestStartStopReboot(t *testing.T) {
	f, r, _, rec := deployTestMachine(t)

	if err := r.Stop(context.Background(), rec); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.State != state.StateStopped {
		t.Errorf("State = %q, want %q", rec.State, state.StateStopped)
	}

	if err := r.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.State != state.StateRunning {
		t.Errorf("State = %q, want %q", rec.State, state.StateRunning)
	}
	if rec.PublicIPv4 == "" {
		t.Error("address not refreshed after start")
	}

	if err := r.Reboot(context.Background(), rec, true); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	want := []string{"PowerOffVM web", "StartVM web", "RestartVM web"}
	got := f.mutations()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSoftRebootUsesGuest(t *testing.T) {
	f, r, _, rec := deployTestMachine(t)
	guest := &fakeGuest{}
	r.Guest = guest

	if err := r.Reboot(context.Background(), rec, false); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if len(guest.commands) != 1 || guest.commands[0] != "reboot" {
		t.Errorf("guest commands = %v, want [reboot]", guest.commands)
	}
	if len(f.mutations()) != 0 {
		t.Errorf("soft reboot issued provider calls: %v", f.mutations())
	}
}

func TestLifecycleRequiresDeployment(t *testing.T) {
	_, r, _, _ := deployTestMachine(t)
	rec := state.NewRecord("ghost")

	if err := r.Start(context.Background(), rec); err == nil {
		t.Error("Start of an undeployed machine did not fail")
	}
	if err := r.Stop(context.Background(), rec); err == nil {
		t.Error("Stop of an undeployed machine did not fail")
	}
	if err := r.Reboot(context.Background(), rec, true); err == nil {
		t.Error("Reboot of an undeployed machine did not fail")
	}
}

func TestDestroyDeclined(t *testing.T) {
	f, r, _, rec := deployTestMachine(t)
	r.Confirm = func(string) bool { return false }

	gone, err := r.Destroy(context.Background(), rec, false)
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if gone {
		t.Error("Destroy reported the machine gone after a decline")
	}
	if len(f.mutations()) != 0 {
		t.Errorf("declined destroy issued mutating calls: %v", f.mutations())
	}
	if rec.VMID == "" {
		t.Error("record was reset after a decline")
	}
}

func TestDestroyRemovesEverything(t *testing.T) {
	f, r, cfg, rec := deployTestMachine(t)

	// Mark one data disk ephemeral and give it a backing store so the
	// destroy has something to delete.
	cfg.BlockDevices[1].IsEphemeral = true
	rec.Disks[testData0Blob].IsEphemeral = true
	f.addBlob(testData0Blob)
	f.addBlob(testData1Blob)

	gone, err := r.Destroy(context.Background(), rec, false)
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !gone {
		t.Fatal("Destroy did not report the machine gone")
	}

	if _, ok := f.vms["web"]; ok {
		t.Error("VM resource survived")
	}
	if _, ok := f.nics["web"]; ok {
		t.Error("NIC survived")
	}
	if _, ok := f.publicIPs["web"]; ok {
		t.Error("public IP survived")
	}
	ref, _ := blob.ParseURL(testData0Blob)
	if f.blobs[blobKey(ref, "")] {
		t.Error("ephemeral backing store survived")
	}
	ref, _ = blob.ParseURL(testData1Blob)
	if !f.blobs[blobKey(ref, "")] {
		t.Error("existing-disk backing store was deleted")
	}

	if rec.IsDeployed() {
		t.Errorf("record still looks deployed: %+v", rec)
	}
	if rec.State != state.StateMissing {
		t.Errorf("State = %q, want %q", rec.State, state.StateMissing)
	}
	if len(rec.GeneratedKeys) != 0 {
		t.Errorf("generated keys survived: %v", rec.GeneratedKeys)
	}
}

func TestDestroyKeepsKeyOnDecline(t *testing.T) {
	_, r, _, rec := deployTestMachine(t)
	key := rec.GeneratedKeys[testData1Blob]
	if key == "" {
		t.Fatal("test setup: no generated key")
	}

	asked := false
	r.Confirm = func(prompt string) bool {
		if len(prompt) > 0 && prompt[0] == 'd' { // the key-deletion prompt
			asked = true
			return false
		}
		return true
	}

	_, err := r.Destroy(context.Background(), rec, false)
	if err == nil {
		t.Fatal("Destroy succeeded while refusing to delete the encryption key")
	}
	if !asked {
		t.Error("operator was never asked about the key")
	}
	if rec.GeneratedKeys[testData1Blob] != key {
		t.Error("key was deleted despite the decline")
	}
}
