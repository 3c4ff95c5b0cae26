// Package discover identifies the maker of a booted target from the
// facts gathered over SSH and classifies the machine against the
// device-type catalog.
package discover

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/pkg/data"
)

// Recognized system vendors. Detection falls back to Unknown when no
// method scores.
const (
	Supermicro = "Supermicro"
	Dell       = "Dell"
	HPE        = "HPE"
	Lenovo     = "Lenovo"
	Unknown    = "Unknown"
)

// RedfishSupport grades how usable a vendor's Redfish service is.
type RedfishSupport string

const (
	RedfishNone    RedfishSupport = "none"
	RedfishLimited RedfishSupport = "limited"
	RedfishFull    RedfishSupport = "full"
)

// Credential is one factory-default BMC login to try.
type Credential struct {
	User string
	Pass string
}

// Characteristics describes what downstream steps can expect from a
// vendor: how far Redfish goes, which BIOS channel to prefer, and which
// factory logins are worth trying.
type Characteristics struct {
	RedfishSupport        RedfishSupport
	PreferredBIOSMethod   string
	DefaultBMCCredentials []Credential
}

// Detection is the outcome of DetectVendor.
type Detection struct {
	Vendor          string
	Confidence      float64
	Methods         []string
	Characteristics Characteristics
}

const (
	dmiFieldWeight    = 0.3
	dmiAgreementBonus = 0.2
	biosWeight        = 0.4
	hardwareWeight    = 0.2
	nicWeight         = 0.3
)

// profile is everything known about one vendor: the strings that betray
// it in DMI, BIOS, and hardware inventory, plus the characteristics
// handed to later steps once detected.
type profile struct {
	vendor   string
	dmi      []string
	bios     []string
	hardware []string
	nicNames *regexp.Regexp

	characteristics Characteristics
}

var profiles = []profile{
	{
		vendor:   Supermicro,
		dmi:      []string{"supermicro", "super micro"},
		bios:     []string{"supermicro"},
		hardware: []string{"x11", "x12", "x13", "h11", "h12", "h13", "aoc-"},
		characteristics: Characteristics{
			RedfishSupport:        RedfishLimited,
			PreferredBIOSMethod:   catalog.MethodVendorTool,
			DefaultBMCCredentials: []Credential{{User: "ADMIN", Pass: "ADMIN"}},
		},
	},
	{
		vendor:   Dell,
		dmi:      []string{"dell", "poweredge"},
		bios:     []string{"dell"},
		hardware: []string{"poweredge", "perc", "idrac", "boss-"},
		// biosdevname interfaces: em1, p2p1, ...
		nicNames: regexp.MustCompile(`^(em\d+|p\d+p\d+)$`),
		characteristics: Characteristics{
			RedfishSupport:        RedfishFull,
			PreferredBIOSMethod:   catalog.MethodRedfish,
			DefaultBMCCredentials: []Credential{{User: "root", Pass: "calvin"}},
		},
	},
	{
		vendor:   HPE,
		dmi:      []string{"hewlett", "hpe", "proliant"},
		bios:     []string{"hpe", "hewlett"},
		hardware: []string{"proliant", "ilo", "smart array", "flexlom"},
		characteristics: Characteristics{
			RedfishSupport:        RedfishFull,
			PreferredBIOSMethod:   catalog.MethodRedfish,
			DefaultBMCCredentials: []Credential{{User: "Administrator", Pass: "password"}},
		},
	},
	{
		vendor:   Lenovo,
		dmi:      []string{"lenovo", "thinksystem", "ibm"},
		bios:     []string{"lenovo"},
		hardware: []string{"thinksystem", "thinkserver", "xclarity"},
		characteristics: Characteristics{
			RedfishSupport:        RedfishLimited,
			PreferredBIOSMethod:   catalog.MethodRedfish,
			DefaultBMCCredentials: []Credential{{User: "USERID", Pass: "PASSW0RD"}},
		},
	},
}

// Lookup returns the characteristics for a vendor name, matching
// case-insensitively.
func Lookup(vendor string) (Characteristics, bool) {
	for _, p := range profiles {
		if strings.EqualFold(p.vendor, vendor) {
			return p.characteristics, true
		}
	}
	return Characteristics{}, false
}

// Vendors lists the vendor names this package has profiles for, in
// profile order.
func Vendors() []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.vendor)
	}
	return out
}

// DetectVendor scores the facts with four independent methods run in
// parallel and merges them by maximum confidence: DMI fields (0.3 per
// agreeing field, +0.2 when more than one agrees), BIOS identity
// strings (0.4), general hardware inventory (0.2), and NIC naming
// conventions (0.3).
func DetectVendor(ctx context.Context, facts *data.HardwareFacts) (*Detection, error) {
	if facts == nil {
		return nil, errors.New("discover: nil hardware facts")
	}

	methods := []struct {
		name  string
		score func(*data.HardwareFacts) map[string]float64
	}{
		{"dmi", scoreDMI},
		{"bios", scoreBIOS},
		{"hardware", scoreHardware},
		{"nic", scoreNIC},
	}

	results := make([]map[string]float64, len(methods))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range methods {
		i, m := i, m // fresh variables per iteration under go 1.21 loop semantics
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = m.score(facts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := map[string]float64{}
	contributors := map[string][]string{}
	for i, m := range methods {
		for vendor, score := range results[i] {
			if score > merged[vendor] {
				merged[vendor] = score
			}
			contributors[vendor] = append(contributors[vendor], m.name)
		}
	}

	best := &Detection{Vendor: Unknown, Characteristics: Characteristics{RedfishSupport: RedfishNone}}
	// Profile order breaks ties so repeated runs agree.
	for _, p := range profiles {
		if score := merged[p.vendor]; score > best.Confidence {
			best = &Detection{
				Vendor:          p.vendor,
				Confidence:      score,
				Methods:         contributors[p.vendor],
				Characteristics: p.characteristics,
			}
		}
	}
	return best, nil
}

func scoreDMI(f *data.HardwareFacts) map[string]float64 {
	fields := []string{
		f.System.Manufacturer,
		f.System.ProductName,
		f.Baseboard.Manufacturer,
		f.Baseboard.ProductName,
		f.Chassis.Manufacturer,
	}
	out := map[string]float64{}
	for _, p := range profiles {
		hits := 0
		for _, field := range fields {
			if containsAny(field, p.dmi) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := dmiFieldWeight * float64(hits)
		if hits > 1 {
			score += dmiAgreementBonus
		}
		out[p.vendor] = min(score, 1)
	}
	return out
}

func scoreBIOS(f *data.HardwareFacts) map[string]float64 {
	out := map[string]float64{}
	for _, p := range profiles {
		if containsAny(f.BIOS.Vendor, p.bios) || containsAny(f.BIOS.Version, p.bios) {
			out[p.vendor] = biosWeight
		}
	}
	return out
}

func scoreHardware(f *data.HardwareFacts) map[string]float64 {
	fields := []string{f.System.ProductName, f.Baseboard.ProductName}
	for _, pci := range f.PCIDevices {
		fields = append(fields, pci.Vendor, pci.Product)
	}
	for _, d := range f.Disks {
		fields = append(fields, d.Model)
	}
	out := map[string]float64{}
	for _, p := range profiles {
		for _, field := range fields {
			if containsAny(field, p.hardware) {
				out[p.vendor] = hardwareWeight
				break
			}
		}
	}
	return out
}

func scoreNIC(f *data.HardwareFacts) map[string]float64 {
	out := map[string]float64{}
	for _, p := range profiles {
		if p.nicNames == nil {
			continue
		}
		for _, name := range f.NICNames() {
			if p.nicNames.MatchString(name) {
				out[p.vendor] = nicWeight
				break
			}
		}
	}
	return out
}

func containsAny(field string, patterns []string) bool {
	field = strings.ToLower(field)
	for _, pat := range patterns {
		if pat != "" && strings.Contains(field, pat) {
			return true
		}
	}
	return false
}
