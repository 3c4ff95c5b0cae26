// Package data holds the plain data types shared between the adapters,
// the discovery pipeline, and the workflow engine.
package data

import "strings"

// HardwareFacts is the standard fact set gathered from a booted target
// over SSH (DMI, kernel, CPU, memory, disks, NICs, PCI).
type HardwareFacts struct {
	System    DMISystem    `json:"system,omitempty"`
	Baseboard DMIBaseboard `json:"baseboard,omitempty"`
	BIOS      DMIBIOS      `json:"bios,omitempty"`
	Chassis   DMIChassis   `json:"chassis,omitempty"`

	Kernel       string `json:"kernel,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	CPUModel     string `json:"cpu_model,omitempty"`
	CPUCores     int    `json:"cpu_cores,omitempty"`
	CPUThreads   int    `json:"cpu_threads,omitempty"`
	MemoryGB     int    `json:"memory_gb,omitempty"`

	Disks      []Disk            `json:"disks,omitempty"`
	NICs       []NIC             `json:"nics,omitempty"`
	PCIDevices []PCIDevice       `json:"pci_devices,omitempty"`
	Tools      map[string]string `json:"tools,omitempty"`
}

// DMISystem is the dmidecode system section.
type DMISystem struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	UUID         string `json:"uuid,omitempty"`
}

// DMIBaseboard is the dmidecode baseboard section.
type DMIBaseboard struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	Version      string `json:"version,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// DMIBIOS is the dmidecode BIOS section.
type DMIBIOS struct {
	Vendor      string `json:"vendor,omitempty"`
	Version     string `json:"version,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
}

// DMIChassis is the dmidecode chassis section.
type DMIChassis struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// Disk is one block device on the target.
type Disk struct {
	Name       string `json:"name,omitempty"`
	SizeGB     int    `json:"size_gb,omitempty"`
	Model      string `json:"model,omitempty"`
	Serial     string `json:"serial,omitempty"`
	Rotational bool   `json:"rotational,omitempty"`
}

// NIC is one network interface on the target.
type NIC struct {
	Name   string `json:"name,omitempty"`
	MAC    string `json:"mac,omitempty"`
	Speed  string `json:"speed,omitempty"`
	Driver string `json:"driver,omitempty"`
	Up     bool   `json:"up,omitempty"`
}

// PCIDevice is one entry from lspci.
type PCIDevice struct {
	Slot    string `json:"slot,omitempty"`
	Class   string `json:"class,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Product string `json:"product,omitempty"`
}

// Manufacturer returns the best available manufacturer string, preferring
// the system section over the baseboard.
func (f *HardwareFacts) Manufacturer() string {
	if m := strings.TrimSpace(f.System.Manufacturer); m != "" {
		return m
	}
	return strings.TrimSpace(f.Baseboard.Manufacturer)
}

// NICNames returns the interface names, in gathered order.
func (f *HardwareFacts) NICNames() []string {
	names := make([]string, 0, len(f.NICs))
	for _, n := range f.NICs {
		names = append(names, n.Name)
	}
	return names
}
