package reconcile

import (
	"crypto/rand"
	"math/big"

	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/state"
)

const passwordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generatedKeyLength is the length of an automatically generated LUKS
// passphrase.
const generatedKeyLength = 256

// generateDefaultEncryptionKeys creates a passphrase for every encrypted
// disk that declares none. Generation is run-once per disk: the key is
// recorded and never rotated, since rotating it would lock the operator
// out of the existing contents.
func (r *Reconciler) generateDefaultEncryptionKeys(rec *state.Record) {
	for _, id := range rec.Disks.SortedIDs() {
		disk := rec.Disks[id]
		if !disk.Encrypt || disk.Passphrase != "" || rec.GeneratedKeys[id] != "" {
			continue
		}
		r.Log.Info().Str("disk", id).Msg("generating an encryption key for the disk")
		rec.PutGeneratedKey(id, randomString(generatedKeyLength))
	}
}

// generatePassword builds a throwaway admin password that satisfies the
// provider's complexity rules. Nothing ever logs in with it.
func generatePassword() (string, error) {
	s := randomString(32)
	if s == "" {
		return "", errors.New("system randomness source is unavailable")
	}
	return "aA9+" + s, nil
}

func randomString(n int) string {
	max := big.NewInt(int64(len(passwordChars)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return ""
		}
		buf[i] = passwordChars[idx.Int64()]
	}
	return string(buf)
}

// DiskOverride tells the guest configuration which passphrase unlocks a
// device. Declared passphrases are excluded: the guest already knows
// them from its own configuration.
type DiskOverride struct {
	Device     string
	Passphrase string
}

// KeyFile is a secret deployed to the guest outside of its world-readable
// configuration.
type KeyFile struct {
	Name        string
	Text        string
	User        string
	Group       string
	Permissions string
}

// PhysicalSpec is the machine-specific configuration the deployment
// engine feeds back into the guest's build.
type PhysicalSpec struct {
	Disks []DiskOverride
	Keys  []KeyFile
}

// ExportPhysicalSpec renders the generated per-disk secrets for the
// guest: a device-to-passphrase override for every disk with a generated
// key, and a root-only key file carrying the passphrase itself.
func ExportPhysicalSpec(rec *state.Record) PhysicalSpec {
	var spec PhysicalSpec
	for _, id := range rec.Disks.SortedIDs() {
		disk := rec.Disks[id]
		key := rec.GeneratedKeys[id]
		if !disk.Encrypt || key == "" {
			continue
		}
		spec.Disks = append(spec.Disks, DiskOverride{
			Device:     disk.Device,
			Passphrase: key,
		})
		spec.Keys = append(spec.Keys, KeyFile{
			Name:        "luks-" + disk.Name,
			Text:        key,
			User:        "root",
			Group:       "root",
			Permissions: "0600",
		})
	}
	return spec
}
