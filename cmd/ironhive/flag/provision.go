package flag

import (
	"net/netip"

	"github.com/peterbourgon/ff/v4/ffval"

	ntip "github.com/ironhive/ironhive/pkg/flag/netip"
)

// ProvisionConfig is the per-run input of the provision subcommand.
type ProvisionConfig struct {
	ServerID      string
	DeviceType    string
	Strategy      string
	TargetBMCAddr netip.Addr
	Netmask       netip.Addr
	Gateway       netip.Addr
	DistroSeries  string
	LiveFirmware  bool
}

func RegisterProvisionFlags(fs *Set, pc *ProvisionConfig) {
	fs.Register(ProvisionServerID, ffval.NewValueDefault(&pc.ServerID, pc.ServerID))
	fs.Register(ProvisionDeviceType, ffval.NewValueDefault(&pc.DeviceType, pc.DeviceType))
	fs.Register(ProvisionStrategy, ffval.NewEnum(&pc.Strategy, "standard", "firmware-first"))
	fs.Register(ProvisionBMCAddr, &ntip.Addr{Addr: &pc.TargetBMCAddr})
	fs.Register(ProvisionNetmask, &ntip.Addr{Addr: &pc.Netmask})
	fs.Register(ProvisionGateway, &ntip.Addr{Addr: &pc.Gateway})
	fs.Register(ProvisionDistroSeries, ffval.NewValueDefault(&pc.DistroSeries, pc.DistroSeries))
	fs.Register(ProvisionLiveFirmware, ffval.NewValueDefault(&pc.LiveFirmware, pc.LiveFirmware))
}

var ProvisionServerID = Config{
	Name:  "server-id",
	Usage: "fleet system id of the server to provision",
}

var ProvisionDeviceType = Config{
	Name:  "device-type",
	Usage: "catalog device type, e.g. s2.c2.large",
}

var ProvisionStrategy = Config{
	Name:  "strategy",
	Usage: "stage ordering (standard, firmware-first)",
}

var ProvisionBMCAddr = Config{
	Name:  "bmc-addr",
	Usage: "static address assigned to the BMC, empty skips IPMI configuration",
}

var ProvisionNetmask = Config{
	Name:  "netmask",
	Usage: "netmask for the BMC address, defaults to 255.255.255.0",
}

var ProvisionGateway = Config{
	Name:  "gateway",
	Usage: "gateway for the BMC address, required with --bmc-addr",
}

var ProvisionDistroSeries = Config{
	Name:  "distro-series",
	Usage: "OS series deployed during finalization, empty deploys nothing",
}

var ProvisionLiveFirmware = Config{
	Name:  "live-firmware",
	Usage: "flash firmware for real instead of simulating pending items",
}
