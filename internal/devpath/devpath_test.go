package devpath

import "testing"

func TestDeviceToLUN(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		wantLUN int32
		wantOK  bool
	}{
		{"lun 0", "/dev/disk/by-lun/0", 0, true},
		{"lun 7", "/dev/disk/by-lun/7", 7, true},
		{"lun 31", "/dev/disk/by-lun/31", 31, true},
		{"lun 32 out of range", "/dev/disk/by-lun/32", 0, false},
		{"negative", "/dev/disk/by-lun/-1", 0, false},
		{"leading zero", "/dev/disk/by-lun/01", 0, false},
		{"root device", RootDevice, 0, false},
		{"empty", "", 0, false},
		{"missing number", "/dev/disk/by-lun/", 0, false},
		{"not a number", "/dev/disk/by-lun/x", 0, false},
		{"trailing garbage", "/dev/disk/by-lun/3/extra", 0, false},
		{"other device", "/dev/sdb", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lun, ok := DeviceToLUN(tt.device)
			if ok != tt.wantOK {
				t.Fatalf("DeviceToLUN(%q) ok = %v, want %v", tt.device, ok, tt.wantOK)
			}
			if ok && lun != tt.wantLUN {
				t.Errorf("DeviceToLUN(%q) = %d, want %d", tt.device, lun, tt.wantLUN)
			}
		})
	}
}

// Every valid LUN must survive a round trip through the device path form.
func TestRoundTrip(t *testing.T) {
	for lun := int32(0); lun <= MaxLUN; lun++ {
		device := LUNToDevice(lun)
		got, ok := DeviceToLUN(device)
		if !ok {
			t.Fatalf("DeviceToLUN(LUNToDevice(%d)) not ok", lun)
		}
		if got != lun {
			t.Errorf("round trip %d -> %q -> %d", lun, device, got)
		}
	}
}
