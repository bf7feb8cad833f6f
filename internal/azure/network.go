package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/calderavm/caldera/internal/cloud"
)

// NetworkClient implements cloud.NetworkAPI over the ARM network
// clients.
type NetworkClient struct {
	ips     *armnetwork.PublicIPAddressesClient
	nics    *armnetwork.InterfacesClient
	subnets *armnetwork.SubnetsClient
}

func (c *NetworkClient) CreateOrUpdatePublicIP(ctx context.Context, resourceGroup string, ip *cloud.PublicIP) error {
	params := armnetwork.PublicIPAddress{
		Location: to.Ptr(ip.Location),
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethod(ip.AllocationMethod)),
			IdleTimeoutInMinutes:     to.Ptr(ip.IdleTimeoutMinutes),
		},
	}
	poller, err := c.ips.BeginCreateOrUpdate(ctx, resourceGroup, ip.Name, params, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *NetworkClient) GetPublicIP(ctx context.Context, resourceGroup, name string) (*cloud.PublicIP, error) {
	resp, err := c.ips.Get(ctx, resourceGroup, name, nil)
	if err != nil {
		return nil, translateNotFound(err)
	}
	ip := &cloud.PublicIP{
		Name:     deref(resp.Name),
		Location: deref(resp.Location),
		ID:       deref(resp.ID),
	}
	if props := resp.Properties; props != nil {
		ip.IPAddress = deref(props.IPAddress)
		if props.PublicIPAllocationMethod != nil {
			ip.AllocationMethod = string(*props.PublicIPAllocationMethod)
		}
		if props.IdleTimeoutInMinutes != nil {
			ip.IdleTimeoutMinutes = *props.IdleTimeoutInMinutes
		}
	}
	return ip, nil
}

func (c *NetworkClient) DeletePublicIP(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.ips.BeginDelete(ctx, resourceGroup, name, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return translateNotFound(err)
}

func (c *NetworkClient) CreateOrUpdateNIC(ctx context.Context, resourceGroup string, nic *cloud.NetworkInterface) error {
	configs := make([]*armnetwork.InterfaceIPConfiguration, 0, len(nic.IPConfigurations))
	for _, cfg := range nic.IPConfigurations {
		props := &armnetwork.InterfaceIPConfigurationPropertiesFormat{
			PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethod(cfg.PrivateIPAllocationMethod)),
			Subnet:                    &armnetwork.Subnet{ID: to.Ptr(cfg.SubnetID)},
		}
		if cfg.PublicIPID != "" {
			props.PublicIPAddress = &armnetwork.PublicIPAddress{ID: to.Ptr(cfg.PublicIPID)}
		}
		configs = append(configs, &armnetwork.InterfaceIPConfiguration{
			Name:       to.Ptr(cfg.Name),
			Properties: props,
		})
	}
	params := armnetwork.Interface{
		Location: to.Ptr(nic.Location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: configs,
		},
	}
	poller, err := c.nics.BeginCreateOrUpdate(ctx, resourceGroup, nic.Name, params, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *NetworkClient) GetNIC(ctx context.Context, resourceGroup, name string) (*cloud.NetworkInterface, error) {
	resp, err := c.nics.Get(ctx, resourceGroup, name, nil)
	if err != nil {
		return nil, translateNotFound(err)
	}
	nic := &cloud.NetworkInterface{
		Name:     deref(resp.Name),
		Location: deref(resp.Location),
		ID:       deref(resp.ID),
	}
	if props := resp.Properties; props != nil {
		for _, cfg := range props.IPConfigurations {
			if cfg == nil {
				continue
			}
			out := cloud.IPConfiguration{Name: deref(cfg.Name)}
			if p := cfg.Properties; p != nil {
				if p.PrivateIPAllocationMethod != nil {
					out.PrivateIPAllocationMethod = string(*p.PrivateIPAllocationMethod)
				}
				if p.Subnet != nil {
					out.SubnetID = deref(p.Subnet.ID)
				}
				if p.PublicIPAddress != nil {
					out.PublicIPID = deref(p.PublicIPAddress.ID)
				}
			}
			nic.IPConfigurations = append(nic.IPConfigurations, out)
		}
	}
	return nic, nil
}

func (c *NetworkClient) DeleteNIC(ctx context.Context, resourceGroup, name string) error {
	poller, err := c.nics.BeginDelete(ctx, resourceGroup, name, nil)
	if err != nil {
		return translateNotFound(err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return translateNotFound(err)
}

func (c *NetworkClient) GetSubnet(ctx context.Context, resourceGroup, virtualNetwork, subnet string) (string, error) {
	resp, err := c.subnets.Get(ctx, resourceGroup, virtualNetwork, subnet, nil)
	if err != nil {
		return "", translateNotFound(err)
	}
	return deref(resp.ID), nil
}
