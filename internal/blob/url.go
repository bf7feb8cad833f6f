// Package blob handles the addressing of disk backing stores.
//
// A backing store is a page blob identified by a URL of the form
// https://account.host/container/name. The URL doubles as the disk's
// identity everywhere in the state record: it is stable across VM
// re-creation, unlike LUN occupancy.
package blob

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Ref locates a blob within a storage account.
type Ref struct {
	Storage   string // storage account name
	Container string
	Name      string
}

// ParseURL splits a backing-store URL into its storage account, container
// and blob name. The account is the first label of the host.
func ParseURL(raw string) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, errors.Wrapf(err, "malformed BLOB URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Ref{}, errors.Newf("malformed BLOB URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	account, rest, found := strings.Cut(u.Host, ".")
	if !found || account == "" || rest == "" {
		return Ref{}, errors.Newf("malformed BLOB URL %q: host must be account.domain", raw)
	}
	container, name, found := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !found || container == "" || name == "" {
		return Ref{}, errors.Newf("malformed BLOB URL %q: path must be /container/name", raw)
	}
	return Ref{Storage: account, Container: container, Name: name}, nil
}
