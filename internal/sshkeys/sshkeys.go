// Package sshkeys generates the machine credentials embedded in
// provisioning custom data: an ed25519 key pair in OpenSSH encoding.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated key pair. Private is PEM-encoded OpenSSH;
// Public is a single authorized_keys line without trailing newline.
type KeyPair struct {
	Private string
	Public  string
}

// Generate creates a fresh ed25519 key pair.
func Generate(comment string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "generate ed25519 key")
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "encode private key")
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "encode public key")
	}

	return KeyPair{
		Private: string(pem.EncodeToMemory(block)),
		Public:  strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n"),
	}, nil
}
