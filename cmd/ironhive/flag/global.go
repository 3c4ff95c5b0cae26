package flag

import (
	"net/netip"
	nurl "net/url"
	"time"

	"github.com/peterbourgon/ff/v4/ffval"

	ntip "github.com/ironhive/ironhive/pkg/flag/netip"
	"github.com/ironhive/ironhive/pkg/flag/spacelist"
	"github.com/ironhive/ironhive/pkg/flag/url"
)

type GlobalConfig struct {
	LogLevel     int
	StorePath    string
	CatalogPath  string
	WatchCatalog bool
	AdminAddr    netip.AddrPort
	Events       EventsConfig
	Fleet        FleetConfig
	SSH          SSHConfig
	BMC          BMCConfig
	SumTool      SumToolConfig
}

// EventsConfig shapes the optional NATS progress publisher.
type EventsConfig struct {
	URL           string
	SubjectPrefix string
	Patterns      []string
}

// FleetConfig points at the fleet controller.
type FleetConfig struct {
	URL     *nurl.URL
	APIKey  string
	Timeout time.Duration
}

// SSHConfig is the in-band credential template; the host is filled in
// per server.
type SSHConfig struct {
	User     string
	Port     int
	KeyPath  string
	Password string
	Timeout  time.Duration
}

// BMCConfig is the operator account written to and used on BMCs.
type BMCConfig struct {
	Username string
	Password string
	Port     int
}

// SumToolConfig locates the Supermicro settings tool for BIOS pushes.
type SumToolConfig struct {
	ToolPath   string
	BundlePath string
}

func RegisterGlobal(fs *Set, gc *GlobalConfig) {
	fs.Register(LogLevelConfig, ffval.NewValueDefault(&gc.LogLevel, gc.LogLevel))
	fs.Register(StorePath, ffval.NewValueDefault(&gc.StorePath, gc.StorePath))
	fs.Register(CatalogPath, ffval.NewValueDefault(&gc.CatalogPath, gc.CatalogPath))
	fs.Register(WatchCatalog, ffval.NewValueDefault(&gc.WatchCatalog, gc.WatchCatalog))
	fs.Register(AdminAddr, &ntip.AddrPort{AddrPort: &gc.AdminAddr})
	fs.Register(EventsURL, ffval.NewValueDefault(&gc.Events.URL, gc.Events.URL))
	fs.Register(EventsSubjectPrefix, ffval.NewValueDefault(&gc.Events.SubjectPrefix, gc.Events.SubjectPrefix))
	fs.Register(EventsPatterns, spacelist.New(&gc.Events.Patterns))
	fs.Register(FleetURL, &url.URL{URL: gc.Fleet.URL})
	fs.Register(FleetAPIKey, ffval.NewValueDefault(&gc.Fleet.APIKey, gc.Fleet.APIKey))
	fs.Register(FleetTimeout, ffval.NewValueDefault(&gc.Fleet.Timeout, gc.Fleet.Timeout))
	fs.Register(SSHUser, ffval.NewValueDefault(&gc.SSH.User, gc.SSH.User))
	fs.Register(SSHPort, ffval.NewValueDefault(&gc.SSH.Port, gc.SSH.Port))
	fs.Register(SSHKeyPath, ffval.NewValueDefault(&gc.SSH.KeyPath, gc.SSH.KeyPath))
	fs.Register(SSHPassword, ffval.NewValueDefault(&gc.SSH.Password, gc.SSH.Password))
	fs.Register(SSHTimeout, ffval.NewValueDefault(&gc.SSH.Timeout, gc.SSH.Timeout))
	fs.Register(BMCUsername, ffval.NewValueDefault(&gc.BMC.Username, gc.BMC.Username))
	fs.Register(BMCPassword, ffval.NewValueDefault(&gc.BMC.Password, gc.BMC.Password))
	fs.Register(BMCPort, ffval.NewValueDefault(&gc.BMC.Port, gc.BMC.Port))
	fs.Register(SumToolPath, ffval.NewValueDefault(&gc.SumTool.ToolPath, gc.SumTool.ToolPath))
	fs.Register(SumBundlePath, ffval.NewValueDefault(&gc.SumTool.BundlePath, gc.SumTool.BundlePath))
}

var LogLevelConfig = Config{
	Name:  "log-level",
	Usage: "the higher the number the more verbose",
}

// Store and catalog flags.
var StorePath = Config{
	Name:  "store-path",
	Usage: "path to the sqlite provisioning database",
}

var CatalogPath = Config{
	Name:  "catalog-path",
	Usage: "path to the device-type catalog YAML",
}

var WatchCatalog = Config{
	Name:  "watch-catalog",
	Usage: "reload the catalog when its file changes",
}

// Admin listener flags.
var AdminAddr = Config{
	Name:  "admin-addr",
	Usage: "addr:port for the metrics and health listener, empty disables it",
}

// Events flags.
var EventsURL = Config{
	Name:  "events-url",
	Usage: "[events] NATS URL for progress publishing, empty disables it",
}

var EventsSubjectPrefix = Config{
	Name:  "events-subject-prefix",
	Usage: "[events] subject prefix for progress records",
}

var EventsPatterns = Config{
	Name:  "events-pattern",
	Usage: "[events] space-separated quamina filters, only matching progress records are published",
}

// Fleet controller flags.
var FleetURL = Config{
	Name:  "fleet-url",
	Usage: "[fleet] controller root URL, e.g. http://fleet.example:5240/MAAS",
}

var FleetAPIKey = Config{
	Name:  "fleet-api-key",
	Usage: "[fleet] controller API key (consumer:token:secret)",
}

var FleetTimeout = Config{
	Name:  "fleet-timeout",
	Usage: "[fleet] per-request timeout",
}

// In-band SSH flags.
var SSHUser = Config{
	Name:  "ssh-user",
	Usage: "[ssh] user for in-band access to hosts",
}

var SSHPort = Config{
	Name:  "ssh-port",
	Usage: "[ssh] port for in-band access to hosts",
}

var SSHKeyPath = Config{
	Name:  "ssh-key-path",
	Usage: "[ssh] private key path, tried before the password",
}

var SSHPassword = Config{
	Name:  "ssh-password",
	Usage: "[ssh] password for in-band access to hosts",
}

var SSHTimeout = Config{
	Name:  "ssh-timeout",
	Usage: "[ssh] dial timeout for in-band access",
}

// BMC flags.
var BMCUsername = Config{
	Name:  "bmc-username",
	Usage: "[bmc] operator account ensured on BMCs during IPMI configuration",
}

var BMCPassword = Config{
	Name:  "bmc-password",
	Usage: "[bmc] operator account password",
}

var BMCPort = Config{
	Name:  "bmc-port",
	Usage: "[bmc] IPMI UDP port",
}

// Supermicro settings tool flags.
var SumToolPath = Config{
	Name:  "sum-tool-path",
	Usage: "[bios] path of the Supermicro settings tool on targets",
}

var SumBundlePath = Config{
	Name:  "sum-bundle-path",
	Usage: "[bios] local tool archive installed when the target lacks the tool, empty means never install",
}
