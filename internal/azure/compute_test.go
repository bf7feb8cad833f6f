package azure

import (
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/calderavm/caldera/internal/cloud"
)

func TestVMConversionRoundTrip(t *testing.T) {
	c := &ComputeClient{subscriptionID: "sub-1"}
	in := &cloud.VirtualMachine{
		Name:               "web",
		Location:           "westus",
		Size:               "Standard_A1",
		AvailabilitySet:    "web-set",
		NetworkInterfaceID: "/ids/nic/web",
		OSProfile: &cloud.OSProfile{
			ComputerName:  "web",
			AdminUsername: "randomuser",
			AdminPassword: "aA9+x",
			CustomData:    "Zm9v",
		},
		OSDisk: cloud.OSDisk{
			Name:         "web-root",
			MediaLink:    "https://s.blob.core.windows.net/vhds/web-root.vhd",
			HostCaching:  "ReadWrite",
			CreateOption: cloud.CreateFromImage,
			ImageURL:     "https://s.blob.core.windows.net/images/os.vhd",
			OSType:       "Linux",
		},
		DataDisks: []cloud.DataDisk{
			{
				Name:         "web-data",
				MediaLink:    "https://s.blob.core.windows.net/vhds/web-data.vhd",
				HostCaching:  "None",
				CreateOption: cloud.CreateEmpty,
				LUN:          3,
				SizeGB:       10,
			},
		},
	}

	arm := c.toArmVM("rg", in)
	arm.Name = &in.Name
	out := fromArmVM(&arm)

	if out.Location != in.Location || out.Size != in.Size {
		t.Errorf("location/size = %q/%q, want %q/%q", out.Location, out.Size, in.Location, in.Size)
	}
	if out.AvailabilitySet != "web-set" {
		t.Errorf("AvailabilitySet = %q, want %q (name extracted from the resource ID)", out.AvailabilitySet, "web-set")
	}
	if out.NetworkInterfaceID != in.NetworkInterfaceID {
		t.Errorf("NetworkInterfaceID = %q, want %q", out.NetworkInterfaceID, in.NetworkInterfaceID)
	}
	if out.OSDisk != in.OSDisk {
		t.Errorf("OSDisk = %+v, want %+v", out.OSDisk, in.OSDisk)
	}
	if len(out.DataDisks) != 1 || out.DataDisks[0] != in.DataDisks[0] {
		t.Errorf("DataDisks = %+v, want %+v", out.DataDisks, in.DataDisks)
	}
}

func TestAvailabilitySetID(t *testing.T) {
	c := &ComputeClient{subscriptionID: "sub-1"}

	got := c.availabilitySetID("rg", "web-set")
	want := "/subscriptions/sub-1/resourceGroups/rg/providers/Microsoft.Compute/availabilitySets/web-set"
	if got != want {
		t.Errorf("availabilitySetID = %q, want %q", got, want)
	}

	if got := c.availabilitySetID("rg", want); got != want {
		t.Errorf("full resource ID was rewritten: %q", got)
	}
}

func TestTranslateNotFound(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	if !cloud.IsNotFound(translateNotFound(notFound)) {
		t.Error("404 was not marked as not-found")
	}

	denied := &azcore.ResponseError{StatusCode: http.StatusForbidden}
	if cloud.IsNotFound(translateNotFound(denied)) {
		t.Error("403 was marked as not-found")
	}
}
