package flag

import (
	"net/netip"

	"github.com/peterbourgon/ff/v4/ffval"

	ntip "github.com/ironhive/ironhive/pkg/flag/netip"
)

// BoardConfig is the per-run input of the board subcommand.
type BoardConfig struct {
	ServerID   string
	DeviceType string
	Host       string
	BMCAddr    netip.Addr
	JSON       bool
}

func RegisterBoardFlags(fs *Set, bc *BoardConfig) {
	fs.Register(BoardServerID, ffval.NewValueDefault(&bc.ServerID, bc.ServerID))
	fs.Register(BoardDeviceType, ffval.NewValueDefault(&bc.DeviceType, bc.DeviceType))
	fs.Register(BoardHost, ffval.NewValueDefault(&bc.Host, bc.Host))
	fs.Register(BoardBMCAddr, &ntip.Addr{Addr: &bc.BMCAddr})
	fs.Register(BoardJSON, ffval.NewValueDefault(&bc.JSON, bc.JSON))
}

var BoardServerID = Config{
	Name:  "server-id",
	Usage: "fleet system id of the server to board",
}

var BoardDeviceType = Config{
	Name:  "device-type",
	Usage: "catalog device type the server is assigned",
}

var BoardHost = Config{
	Name:  "host",
	Usage: "in-band address of the server",
}

var BoardBMCAddr = Config{
	Name:  "bmc-addr",
	Usage: "BMC address, empty skips the IPMI checks",
}

var BoardJSON = Config{
	Name:  "json",
	Usage: "emit the report as JSON instead of text",
}
