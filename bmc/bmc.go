// Package bmc drives baseboard management controllers over the ipmitool
// CLI. The password never appears in argv: it rides the environment via
// ipmitool's -E flag. All operations run under a per-call timeout and
// classify failures into timeout, authentication, and transport kinds.
package bmc

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ccoveille/go-safecast/v2"
	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
)

// Failure kinds distinguishable with errors.Is. Every returned error also
// carries the fault.IPMIConfiguration class.
var (
	ErrTimeout      = errors.New("bmc request timed out")
	ErrAuth         = errors.New("bmc authentication failed")
	ErrTransport    = errors.New("bmc transport failure")
	ErrManualConfig = errors.New("requires manual configuration")
)

// authMarkers are ipmitool output fragments that indicate bad credentials
// rather than an unreachable controller.
var authMarkers = []string{
	"rakp 2 hmac is invalid",
	"unauthorized name",
	"invalid user name",
	"password invalid",
	"insufficient privilege",
}

// CommandRunner executes one external command and returns its combined
// output. Injectable for tests.
type CommandRunner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Client issues ipmitool subcommands against one BMC.
type Client struct {
	target  data.BMCTarget
	log     logr.Logger
	runner  CommandRunner
	timeout time.Duration

	powerVerifyAttempts uint
	powerVerifyDelay    time.Duration
}

// Option mutates a Client during New.
type Option func(*Client)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRunner replaces the exec-backed command runner.
func WithRunner(r CommandRunner) Option {
	return func(c *Client) { c.runner = r }
}

// WithTimeout bounds each ipmitool invocation. Default 20s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New builds a client for target.
func New(target data.BMCTarget, opts ...Option) *Client {
	c := &Client{
		target:              target,
		log:                 logr.Discard(),
		runner:              execRunner,
		timeout:             20 * time.Second,
		powerVerifyAttempts: 5,
		powerVerifyDelay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Target returns the BMC this client talks to.
func (c *Client) Target() data.BMCTarget { return c.target }

func (c *Client) baseArgs() []string {
	args := []string{"-I", "lanplus", "-H", c.target.Addr.String(), "-U", c.target.User, "-E"}
	if c.target.Port != 0 && c.target.Port != 623 {
		args = append(args, "-p", strconv.Itoa(c.target.Port))
	}
	return args
}

// run invokes one ipmitool subcommand under the client timeout.
func (c *Client) run(ctx context.Context, sub ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(c.baseArgs(), sub...)
	env := []string{"IPMITOOL_PASSWORD=" + c.target.Pass}
	out, err := c.runner(ctx, env, "ipmitool", args...)
	if err != nil {
		return string(out), c.classify(ctx, err, string(out), strings.Join(sub, " "))
	}
	c.log.V(2).Info("ipmitool ok", "subcommand", strings.Join(sub, " "), "host", c.target.Addr.String())
	return string(out), nil
}

func (c *Client) classify(ctx context.Context, err error, out, op string) error {
	kind := ErrTransport
	lower := strings.ToLower(out)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = ErrTimeout
	case containsAny(lower, authMarkers):
		kind = ErrAuth
	}
	detail := firstLine(out)
	if detail == "" {
		detail = err.Error()
	}
	return fault.Wrap(fault.IPMIConfiguration, fmt.Errorf("%w: %s", kind, detail), "%s on %s", op, c.target.Addr.String())
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// Ping checks ICMP reachability of the BMC address.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.runner(ctx, nil, "ping", "-c", "1", "-W", "2", c.target.Addr.String())
	if err != nil {
		return fault.Wrap(fault.IPMIConfiguration, fmt.Errorf("%w: %s", ErrTransport, firstLine(string(out))),
			"ping %s", c.target.Addr.String())
	}
	return nil
}

// Info runs `mc info` and parses the identity fields.
func (c *Client) Info(ctx context.Context) (*data.BMCInfo, error) {
	out, err := c.run(ctx, "mc", "info")
	if err != nil {
		return nil, err
	}
	return parseMCInfo(out), nil
}

func parseMCInfo(out string) *data.BMCInfo {
	info := &data.BMCInfo{}
	targets := map[string]*string{
		"Device ID":         &info.DeviceID,
		"Device Revision":   &info.DeviceRevision,
		"Firmware Revision": &info.FirmwareRevision,
		"IPMI Version":      &info.IPMIVersion,
		"Manufacturer ID":   &info.ManufacturerID,
		"Manufacturer Name": &info.ManufacturerName,
		"Product ID":        &info.ProductID,
		"Product Name":      &info.ProductName,
	}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if dst, known := targets[strings.TrimSpace(key)]; known && *dst == "" {
			*dst = strings.TrimSpace(value)
		}
	}
	return info
}

// SensorReading is one row of sdr/sensor output.
type SensorReading struct {
	Name    string
	Reading string
	Status  string
}

// Sensors runs `sdr list`.
func (c *Client) Sensors(ctx context.Context) ([]SensorReading, error) {
	out, err := c.run(ctx, "sdr", "list")
	if err != nil {
		return nil, err
	}
	return parsePipeTable(out, 2), nil
}

// SensorList runs `sensor list`, the wider table with thresholds.
func (c *Client) SensorList(ctx context.Context) ([]SensorReading, error) {
	out, err := c.run(ctx, "sensor", "list")
	if err != nil {
		return nil, err
	}
	return parsePipeTable(out, 3), nil
}

// parsePipeTable splits `a | b | c ...` rows keeping name, reading, and
// the status column at statusIdx.
func parsePipeTable(out string, statusIdx int) []SensorReading {
	var rows []SensorReading
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		cols := strings.Split(line, "|")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		if len(cols) <= statusIdx || cols[0] == "" {
			continue
		}
		rows = append(rows, SensorReading{Name: cols[0], Reading: cols[1], Status: cols[statusIdx]})
	}
	return rows
}

// FRU returns the raw `fru list` inventory text.
func (c *Client) FRU(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "fru", "list")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PowerState reads the chassis power state: "on" or "off".
func (c *Client) PowerState(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "chassis", "power", "status")
	if err != nil {
		return "", err
	}
	state := parsePowerStatus(out)
	if state == "" {
		return "", fault.Wrap(fault.IPMIConfiguration,
			fmt.Errorf("%w: unrecognized reply %q", ErrTransport, firstLine(out)),
			"chassis power status on %s", c.target.Addr.String())
	}
	return state, nil
}

func parsePowerStatus(out string) string {
	for _, line := range strings.Split(out, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Chassis Power is ")
		if !ok {
			continue
		}
		return strings.TrimSpace(rest)
	}
	return ""
}

// PowerAction is a chassis power subcommand.
type PowerAction string

const (
	PowerOn    PowerAction = "on"
	PowerOff   PowerAction = "off"
	PowerCycle PowerAction = "cycle"
	PowerReset PowerAction = "reset"
)

// expected is the state the chassis must reach for the action to count
// as verified.
func (a PowerAction) expected() string {
	if a == PowerOff {
		return "off"
	}
	return "on"
}

// Power issues a chassis power action and verifies the resulting state
// by polling `chassis power status`. Verification failure is an error:
// an unverified power action must not pass an ipmi-configuration step.
func (c *Client) Power(ctx context.Context, action PowerAction) error {
	switch action {
	case PowerOn, PowerOff, PowerCycle, PowerReset:
	default:
		return fault.New(fault.IPMIConfiguration, "unsupported power action %q", action)
	}
	if _, err := c.run(ctx, "chassis", "power", string(action)); err != nil {
		return err
	}

	want := action.expected()
	err := retry.Do(
		func() error {
			state, err := c.PowerState(ctx)
			if err != nil {
				return err
			}
			if state != want {
				return fmt.Errorf("chassis reports %q, want %q", state, want)
			}
			return nil
		},
		retry.Attempts(c.powerVerifyAttempts),
		retry.Delay(c.powerVerifyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fault.Wrap(fault.IPMIConfiguration, err, "verify power %s on %s", action, c.target.Addr.String())
	}
	c.log.V(1).Info("power action verified", "action", string(action), "host", c.target.Addr.String())
	return nil
}

// SetLAN configures channel 1 with a static address.
func (c *Client) SetLAN(ctx context.Context, ip, netmask, gateway netip.Addr) error {
	steps := [][]string{
		{"lan", "set", "1", "ipsrc", "static"},
		{"lan", "set", "1", "ipaddr", ip.String()},
		{"lan", "set", "1", "netmask", netmask.String()},
		{"lan", "set", "1", "defgw", "ipaddr", gateway.String()},
		{"lan", "set", "1", "access", "on"},
	}
	for _, step := range steps {
		if _, err := c.run(ctx, step...); err != nil {
			return err
		}
	}
	return nil
}

// LANInfo is the parsed `lan print 1` channel state.
type LANInfo struct {
	Source  string
	Addr    string
	Netmask string
	Gateway string
}

// LANConfig reads back channel 1 for verification after SetLAN.
func (c *Client) LANConfig(ctx context.Context) (*LANInfo, error) {
	out, err := c.run(ctx, "lan", "print", "1")
	if err != nil {
		return nil, err
	}
	return parseLANPrint(out), nil
}

func parseLANPrint(out string) *LANInfo {
	info := &LANInfo{}
	targets := map[string]*string{
		"IP Address Source":  &info.Source,
		"IP Address":         &info.Addr,
		"Subnet Mask":        &info.Netmask,
		"Default Gateway IP": &info.Gateway,
	}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if dst, known := targets[strings.TrimSpace(key)]; known && *dst == "" {
			*dst = strings.TrimSpace(value)
		}
	}
	return info
}

// EnsureUser writes name and password into slot, enables it, and grants
// ADMINISTRATOR on channel 1.
func (c *Client) EnsureUser(ctx context.Context, slot int, name, password string) error {
	s, err := safecast.Convert[uint8](slot)
	if err != nil || s == 0 {
		return fault.New(fault.IPMIConfiguration, "user slot %d out of range", slot)
	}
	slotArg := strconv.Itoa(int(s))

	steps := [][]string{
		{"user", "set", "name", slotArg, name},
		{"user", "set", "password", slotArg, password},
		{"user", "enable", slotArg},
		{"channel", "setaccess", "1", slotArg, "privilege=4"},
	}
	for _, step := range steps {
		if _, err := c.run(ctx, step...); err != nil {
			return err
		}
	}
	c.log.V(1).Info("bmc user ensured", "slot", slot, "name", name, "host", c.target.Addr.String())
	return nil
}
