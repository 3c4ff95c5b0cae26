package catalog

import "sort"

// DeviceMapping is the flattened per-device-type view older callers keyed
// on: the tree position plus the fields the BIOS and classifier paths read
// most often.
type DeviceMapping struct {
	DeviceType          string
	Vendor              string
	Motherboard         string
	Description         string
	HardwareSpecs       HardwareSpecs
	BIOSSettings        Settings
	RedfishCapable      bool
	PreferredBIOSMethod string
	FallbackBIOSMethod  string
}

// DeviceMappings returns the flattened device-type view of the current
// snapshot. A missing or unreadable catalog yields an empty map, logged,
// never an error: the view is advisory.
func (c *Catalog) DeviceMappings() map[string]DeviceMapping {
	snap, err := c.Snapshot()
	if err != nil {
		c.log.Info("device mappings unavailable", "path", c.path, "error", err.Error())
		return map[string]DeviceMapping{}
	}
	out := make(map[string]DeviceMapping, len(snap.index))
	for id, dt := range snap.index {
		out[id] = DeviceMapping{
			DeviceType:          id,
			Vendor:              dt.Vendor,
			Motherboard:         dt.Motherboard,
			Description:         dt.Description,
			HardwareSpecs:       dt.HardwareSpecs,
			BIOSSettings:        dt.SettingsBundle(),
			RedfishCapable:      dt.RedfishCapable,
			PreferredBIOSMethod: dt.PreferredBIOSMethod,
			FallbackBIOSMethod:  dt.FallbackBIOSMethod,
		}
	}
	return out
}

// FirmwareRepository is the firmware view keyed by vendor, then
// motherboard, then component.
type FirmwareRepository map[string]map[string]map[string]FirmwarePointer

// Boards returns the motherboard names under a vendor, sorted.
func (r FirmwareRepository) Boards(vendor string) []string {
	out := make([]string, 0, len(r[vendor]))
	for name := range r[vendor] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FirmwareRepository returns the firmware view of the current snapshot.
// Same degraded-mode contract as DeviceMappings: missing catalog, empty view.
func (c *Catalog) FirmwareRepository() FirmwareRepository {
	snap, err := c.Snapshot()
	if err != nil {
		c.log.Info("firmware repository unavailable", "path", c.path, "error", err.Error())
		return FirmwareRepository{}
	}
	out := FirmwareRepository{}
	for vendorName, v := range snap.vendors {
		if v == nil {
			continue
		}
		for mbName, mb := range v.Motherboards {
			if mb == nil || len(mb.Firmware) == 0 {
				continue
			}
			if out[vendorName] == nil {
				out[vendorName] = map[string]map[string]FirmwarePointer{}
			}
			fw := make(map[string]FirmwarePointer, len(mb.Firmware))
			for component, ptr := range mb.Firmware {
				fw[component] = ptr
			}
			out[vendorName][mbName] = fw
		}
	}
	return out
}
