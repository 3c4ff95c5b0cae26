package data

import "net/netip"

// BMCTarget identifies one baseboard management controller.
type BMCTarget struct {
	Addr netip.Addr
	User string
	Pass string
	Port int
}

// BMCInfo is the parsed output of `ipmitool mc info`.
type BMCInfo struct {
	DeviceID         string `json:"device_id,omitempty"`
	DeviceRevision   string `json:"device_revision,omitempty"`
	FirmwareRevision string `json:"firmware_revision,omitempty"`
	IPMIVersion      string `json:"ipmi_version,omitempty"`
	ManufacturerID   string `json:"manufacturer_id,omitempty"`
	ManufacturerName string `json:"manufacturer_name,omitempty"`
	ProductID        string `json:"product_id,omitempty"`
	ProductName      string `json:"product_name,omitempty"`
}

// IPMISnapshot is the engine's view of a configured BMC, recorded in the
// workflow context after the ipmi-configuration stage.
type IPMISnapshot struct {
	Addr                netip.Addr `json:"-"`
	Address             string     `json:"address,omitempty"`
	Netmask             string     `json:"netmask,omitempty"`
	Gateway             string     `json:"gateway,omitempty"`
	Vendor              string     `json:"vendor,omitempty"`
	FirmwareRevision    string     `json:"firmware_revision,omitempty"`
	UserSlot            int        `json:"user_slot,omitempty"`
	Username            string     `json:"username,omitempty"`
	PowerState          string     `json:"power_state,omitempty"`
	KCSStatus           string     `json:"kcs_status,omitempty"`
	HostInterfaceStatus string     `json:"host_interface_status,omitempty"`
	RedfishAvailable    bool       `json:"redfish_available,omitempty"`
}
