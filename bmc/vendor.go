package bmc

import (
	"context"
	"strings"

	"github.com/ironhive/ironhive/pkg/data"
)

// Vendor is a recognized BMC maker.
type Vendor string

const (
	VendorSupermicro Vendor = "Supermicro"
	VendorHPE        Vendor = "HP"
	VendorDell       Vendor = "Dell"
	VendorUnknown    Vendor = "Unknown"
)

// DetectVendor identifies the BMC maker from `mc info` strings, falling
// back to a Supermicro OEM raw probe when the identity fields are blank
// or generic.
func (c *Client) DetectVendor(ctx context.Context) (Vendor, *data.BMCInfo, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return VendorUnknown, nil, err
	}
	if v := vendorFromInfo(info); v != VendorUnknown {
		return v, info, nil
	}

	// Supermicro BMCs answer their OEM netfn even when mc info reports a
	// generic product. Get-KCS-policy is read-only and harmless.
	if _, err := c.run(ctx, "raw", "0x30", "0x70", "0x0c", "0"); err == nil {
		return VendorSupermicro, info, nil
	}
	return VendorUnknown, info, nil
}

func vendorFromInfo(info *data.BMCInfo) Vendor {
	id := strings.ToLower(info.ManufacturerName + " " + info.ProductName)
	switch {
	case strings.Contains(id, "supermicro") || strings.Contains(id, "super micro"):
		return VendorSupermicro
	case strings.Contains(id, "hewlett") || strings.Contains(id, "ilo") || strings.Contains(id, "hp"):
		return VendorHPE
	case strings.Contains(id, "dell") || strings.Contains(id, "idrac"):
		return VendorDell
	}
	return VendorUnknown
}

// Hardening reports which vendor-specific settings were applied and
// which need an operator.
type Hardening struct {
	Applied []string
	Manual  []string
}

// ApplyVendorHardening applies what ipmitool can reach for the detected
// vendor. Settings only reachable from BIOS or the vendor's own tooling
// land in Manual. An unrecognized vendor returns ErrManualConfig.
func (c *Client) ApplyVendorHardening(ctx context.Context, vendor Vendor) (*Hardening, error) {
	h := &Hardening{}
	switch vendor {
	case VendorSupermicro:
		// KCS policy control, OEM netfn: 1 = set, 3 = deny all. Blocks
		// host-side credential resets over /dev/ipmi0.
		if _, err := c.run(ctx, "raw", "0x30", "0x70", "0x0c", "1", "3"); err != nil {
			c.log.V(1).Info("kcs policy not settable", "host", c.target.Addr.String(), "error", err.Error())
			h.Manual = append(h.Manual, "KCS policy (set via BIOS)")
		} else {
			h.Applied = append(h.Applied, "KCS policy set to deny-all")
		}
		h.Manual = append(h.Manual, "Host interface disable (BIOS setting)")
	case VendorHPE:
		h.Manual = append(h.Manual,
			"IPMI-over-LAN enable (iLO security settings)",
			"RBSU login requirement (iLO security settings)")
	case VendorDell:
		h.Manual = append(h.Manual, "iDRAC host interface settings (racadm)")
	default:
		return nil, ErrManualConfig
	}
	return h, nil
}
