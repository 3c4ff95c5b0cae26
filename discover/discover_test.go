package discover

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/pkg/data"
)

func near(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", got, want)
	}
}

func TestDetectVendor(t *testing.T) {
	tests := map[string]struct {
		facts          *data.HardwareFacts
		wantVendor     string
		wantConfidence float64
		wantMethods    []string
	}{
		"supermicro from agreeing dmi fields": {
			facts: &data.HardwareFacts{
				System:    data.DMISystem{Manufacturer: "Super Micro Computer, Inc."},
				Baseboard: data.DMIBaseboard{Manufacturer: "Supermicro", ProductName: "X11DPH-T"},
				BIOS:      data.DMIBIOS{Vendor: "American Megatrends Inc.", Version: "3.4"},
			},
			wantVendor:     Supermicro,
			wantConfidence: 0.8,
			wantMethods:    []string{"dmi", "hardware"},
		},
		"dell with biosdevname nics": {
			facts: &data.HardwareFacts{
				System: data.DMISystem{Manufacturer: "Dell Inc.", ProductName: "PowerEdge R740"},
				BIOS:   data.DMIBIOS{Vendor: "Dell Inc.", Version: "2.19.1"},
				NICs:   []data.NIC{{Name: "em1"}, {Name: "p1p1"}},
			},
			wantVendor:     Dell,
			wantConfidence: 0.8,
			wantMethods:    []string{"dmi", "bios", "hardware", "nic"},
		},
		"hpe proliant": {
			facts: &data.HardwareFacts{
				System: data.DMISystem{Manufacturer: "HPE", ProductName: "ProLiant DL380 Gen10"},
				BIOS:   data.DMIBIOS{Vendor: "HPE", Version: "U30"},
				NICs:   []data.NIC{{Name: "eno1"}},
			},
			wantVendor:     HPE,
			wantConfidence: 0.8,
			wantMethods:    []string{"dmi", "bios", "hardware"},
		},
		"lenovo thinksystem": {
			facts: &data.HardwareFacts{
				System: data.DMISystem{Manufacturer: "LENOVO", ProductName: "ThinkSystem SR650"},
				BIOS:   data.DMIBIOS{Vendor: "LENOVO", Version: "IVE160M"},
			},
			wantVendor:     Lenovo,
			wantConfidence: 0.8,
			wantMethods:    []string{"dmi", "bios", "hardware"},
		},
		"single dmi hit scores without bonus": {
			facts: &data.HardwareFacts{
				System: data.DMISystem{Manufacturer: "Dell Inc."},
			},
			wantVendor:     Dell,
			wantConfidence: 0.3,
			wantMethods:    []string{"dmi"},
		},
		"bios string alone": {
			facts: &data.HardwareFacts{
				BIOS: data.DMIBIOS{Vendor: "Supermicro BIOS"},
			},
			wantVendor:     Supermicro,
			wantConfidence: 0.4,
			wantMethods:    []string{"bios"},
		},
		"whitebox stays unknown": {
			facts: &data.HardwareFacts{
				System: data.DMISystem{Manufacturer: "ASUSTeK COMPUTER INC.", ProductName: "P10S-M"},
				BIOS:   data.DMIBIOS{Vendor: "American Megatrends Inc."},
				NICs:   []data.NIC{{Name: "enp3s0"}},
			},
			wantVendor:     Unknown,
			wantConfidence: 0,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := DetectVendor(context.Background(), tt.facts)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if got.Vendor != tt.wantVendor {
				t.Errorf("vendor = %q, want %q", got.Vendor, tt.wantVendor)
			}
			near(t, got.Confidence, tt.wantConfidence)
			if diff := cmp.Diff(tt.wantMethods, got.Methods); diff != "" {
				t.Errorf("methods mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetectVendorCharacteristics(t *testing.T) {
	facts := &data.HardwareFacts{
		System: data.DMISystem{Manufacturer: "Supermicro"},
	}
	got, err := DetectVendor(context.Background(), facts)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	want := Characteristics{
		RedfishSupport:        RedfishLimited,
		PreferredBIOSMethod:   catalog.MethodVendorTool,
		DefaultBMCCredentials: []Credential{{User: "ADMIN", Pass: "ADMIN"}},
	}
	if diff := cmp.Diff(want, got.Characteristics); diff != "" {
		t.Errorf("characteristics mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectVendorNilFacts(t *testing.T) {
	if _, err := DetectVendor(context.Background(), nil); err == nil {
		t.Error("expected error for nil facts")
	}
}

func TestDetectVendorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := DetectVendor(ctx, &data.HardwareFacts{}); err == nil {
		t.Error("expected context error")
	}
}

func TestLookup(t *testing.T) {
	ch, ok := Lookup("dell")
	if !ok {
		t.Fatal("dell should be known")
	}
	if ch.RedfishSupport != RedfishFull || ch.PreferredBIOSMethod != catalog.MethodRedfish {
		t.Errorf("unexpected characteristics: %+v", ch)
	}
	if _, ok := Lookup("tyan"); ok {
		t.Error("tyan should be unknown")
	}
}
