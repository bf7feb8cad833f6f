// Package azure adapts the Azure SDK to the provider contracts in
// internal/cloud. It translates between the whole-object VM model the
// reconciler trades in and the ARM resource shapes, and normalizes 404
// responses to cloud.ErrNotFound.
package azure

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/cockroachdb/errors"

	"github.com/calderavm/caldera/internal/cloud"
)

// Clients bundles the per-subscription SDK clients behind the provider
// contracts.
type Clients struct {
	Compute *ComputeClient
	Network *NetworkClient
	Blobs   *BlobClient
}

// NewDefaultCredential builds a credential from the ambient environment
// (env vars, managed identity, az CLI).
func NewDefaultCredential() (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "build Azure credential")
	}
	return cred, nil
}

// NewClients initializes the SDK clients for one subscription.
func NewClients(subscriptionID string, cred azcore.TokenCredential) (*Clients, error) {
	vms, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create virtual machines client")
	}
	ips, err := armnetwork.NewPublicIPAddressesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create public IP client")
	}
	nics, err := armnetwork.NewInterfacesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create network interfaces client")
	}
	subnets, err := armnetwork.NewSubnetsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create subnets client")
	}
	return &Clients{
		Compute: &ComputeClient{vms: vms, subscriptionID: subscriptionID},
		Network: &NetworkClient{ips: ips, nics: nics, subnets: subnets},
		Blobs:   &BlobClient{cred: cred},
	}, nil
}

// translateNotFound marks 404 responses as cloud.ErrNotFound so the
// reconciler can treat "already gone" uniformly across services.
func translateNotFound(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return errors.Mark(err, cloud.ErrNotFound)
	}
	return err
}
