// Package reconcile implements the convergence core: given a declared
// machine specification and the persisted state record, it computes and
// executes the minimal legal sequence of whole-object remote operations
// that converges the live resources to the declared state.
//
// The sequencer runs strictly in order and blocks on each remote
// operation before issuing the next dependent one. There is no rollback
// across remote calls: the record is updated immediately after each
// mutating call so the live resource stays in a safely-revertable
// intermediate state between steps.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/calderavm/caldera/internal/blob"
	"github.com/calderavm/caldera/internal/cloud"
	"github.com/calderavm/caldera/internal/state"
)

// Error kinds. Marked onto returned errors; test with errors.Is.
var (
	// ErrIllegalChange marks transitions the remote API cannot perform
	// in one step (slot collisions, slot reassignment, renames of
	// attached disks, immutable-field changes).
	ErrIllegalChange = errors.New("illegal configuration change")

	// ErrPermissionRequired marks operations that need an explicit
	// override flag (reboot, recreate) the caller did not supply.
	ErrPermissionRequired = errors.New("operation requires permission")

	// ErrProvisioningFailed marks remote provisioning failures and
	// operation timeouts; the provider's error detail is preserved.
	ErrProvisioningFailed = errors.New("provisioning failed")

	// ErrInternal marks internal-invariant violations, as opposed to
	// user-facing configuration errors.
	ErrInternal = errors.New("internal invariant violated")
)

const (
	defaultPollInterval = time.Second
	defaultPollMaxTries = 500
)

// GuestRunner runs a command on the machine itself, used for best-effort
// unmounts during teardown and for soft reboots.
type GuestRunner interface {
	Run(ctx context.Context, command string) error
}

// Reconciler drives reconciliation for one machine. Collaborators are
// injected; tests substitute recording fakes.
type Reconciler struct {
	Compute cloud.ComputeAPI
	Network cloud.NetworkAPI
	Blobs   cloud.BlobAPI

	// Guest is optional; teardown unmounts are skipped without it.
	Guest GuestRunner

	// Confirm asks the operator a destructive-action question. A nil
	// Confirm declines everything.
	Confirm func(prompt string) bool

	Log zerolog.Logger

	// Polling knobs for long-running operations. Zero values select the
	// defaults (1s interval, 500 tries). Sleep is injectable so tests
	// run without real delays.
	PollInterval time.Duration
	PollMaxTries int
	Sleep        func(time.Duration)
}

// Options are the per-run flags supplied by the deployment engine.
type Options struct {
	// Check requests a drift-detection pass against the live resource
	// before converging.
	Check bool

	// AllowReboot permits changes that require a reboot (size,
	// availability set).
	AllowReboot bool

	// AllowRecreate permits destroying and re-creating the VM resource
	// (root disk substitution, recovery from unexpected deletion).
	AllowRecreate bool
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Reconciler) confirm(prompt string) bool {
	return r.Confirm != nil && r.Confirm(prompt)
}

func (r *Reconciler) sleep(d time.Duration) {
	if r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (r *Reconciler) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return defaultPollInterval
}

func (r *Reconciler) pollMaxTries() int {
	if r.PollMaxTries > 0 {
		return r.PollMaxTries
	}
	return defaultPollMaxTries
}

// waitFor polls check at a fixed interval until it reports done, fails,
// or the bounded attempt count is exhausted. Exceeding the bound is a
// reported failure, never a silent timeout.
func (r *Reconciler) waitFor(ctx context.Context, what string, check func() (bool, error)) error {
	for try := 0; try < r.pollMaxTries(); try++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		r.sleep(r.pollInterval())
	}
	return errors.Mark(
		errors.Newf("timed out waiting for %s after %d attempts", what, r.pollMaxTries()),
		ErrProvisioningFailed)
}

// getVMAssertExists fetches the VM snapshot and complains if it is gone:
// a missing VM at this point means it was deleted behind our back.
func (r *Reconciler) getVMAssertExists(ctx context.Context, rec *state.Record) (*cloud.VirtualMachine, error) {
	vm, err := r.Compute.GetVM(ctx, rec.ResourceGroup, rec.MachineName)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil, errors.Newf("machine %s has been deleted behind our back; please run 'deploy --check' to fix this", rec.MachineName)
		}
		return nil, errors.Wrapf(err, "fetch machine %s", rec.MachineName)
	}
	return vm, nil
}

// fetchPublicIP returns the machine's current public address, or "" when
// no public IP is allocated or assigned yet.
func (r *Reconciler) fetchPublicIP(ctx context.Context, rec *state.Record) (string, error) {
	if rec.PublicIP == "" {
		return "", nil
	}
	ip, err := r.Network.GetPublicIP(ctx, rec.ResourceGroup, rec.PublicIP)
	if err != nil {
		if cloud.IsNotFound(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "fetch public IP %s", rec.PublicIP)
	}
	return ip.IPAddress, nil
}

// blobExists probes a backing store, verifying it lives in the declared
// storage account first.
func (r *Reconciler) blobExists(ctx context.Context, storage, mediaLink string) (bool, error) {
	ref, err := blob.ParseURL(mediaLink)
	if err != nil {
		return false, err
	}
	if ref.Storage != storage {
		return false, errors.Newf("storage %s provided in the deployment specification doesn't match the storage of BLOB %s", storage, mediaLink)
	}
	return r.Blobs.BlobExists(ctx, ref, "")
}

// deleteVolume destroys a disk's backing store. deleteVHD nil asks the
// operator; a "not found" answer from the provider is treated as already
// destroyed.
func (r *Reconciler) deleteVolume(ctx context.Context, storage, mediaLink, diskName string, deleteVHD *bool) error {
	if mediaLink == "" {
		r.Log.Warn().Msg("attempted to delete a disk without a BLOB URL; this is a bug")
		return nil
	}
	proceed := false
	if deleteVHD != nil {
		proceed = *deleteVHD
	} else {
		proceed = r.confirm(
			"are you sure you want to destroy the contents(BLOB) of disk " +
				diskName + "(" + mediaLink + ")?")
	}
	if !proceed {
		r.Log.Info().Str("blob", mediaLink).Msg("keeping the disk BLOB")
		return nil
	}

	r.Log.Info().Str("blob", mediaLink).Msg("destroying disk BLOB")
	ref, err := blob.ParseURL(mediaLink)
	if err != nil {
		return err
	}
	if ref.Storage != storage {
		return errors.Newf("storage %s provided in the deployment specification doesn't match the storage of BLOB %s", storage, mediaLink)
	}
	if err := r.Blobs.DeleteBlob(ctx, ref, ""); err != nil {
		if cloud.IsNotFound(err) {
			r.Log.Warn().Str("blob", mediaLink).Msg("seems to have been destroyed already")
			return nil
		}
		return errors.Wrapf(err, "delete BLOB %s", mediaLink)
	}
	return nil
}

// deleteEncryptionKey discards a generated key after confirmation.
// Deleting the key makes the disk contents unrecoverable even if the
// backing store survives.
func (r *Reconciler) deleteEncryptionKey(rec *state.Record, diskID string) {
	if rec.GeneratedKeys[diskID] == "" {
		return
	}
	if r.confirm("disk " + diskID + " has an automatically generated encryption key; " +
		"if the key is deleted, the data will be lost even if you have a copy of " +
		"the disk contents; are you sure you want to delete the encryption key?") {
		rec.PutGeneratedKey(diskID, "")
	}
}
