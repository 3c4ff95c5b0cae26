// Package provision assembles and runs provisioning workflows. A
// Provisioner turns a Request into an ordered stage list over the
// workflow engine; the stage handlers drive the fleet controller, the
// in-band SSH session, the BMC, and the BIOS and firmware engines, and
// persist what they learn through the store. The store is treated as
// an observer throughout: update failures are logged and dropped, only
// hardware-facing failures fail a stage.
package provision

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/ironhive/ironhive/bios"
	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/firmware"
	"github.com/ironhive/ironhive/fleet"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

// Stage names, shared by strategies, progress records, and tests.
const (
	StagePreflight     = "preflight"
	StageCommissioning = "commissioning"
	StageNetworkSetup  = "network-setup"
	StageDiscovery     = "hardware-discovery"
	StageBIOS          = "bios-configuration"
	StageFirmware      = "firmware-update"
	StageIPMI          = "ipmi-configuration"
	StageFinalization  = "finalization"
)

// Strategy names an ordered stage plan.
type Strategy string

const (
	// StrategyStandard settles BIOS and firmware before touching the
	// BMC, so a botched flash cannot strand a half-configured controller.
	StrategyStandard Strategy = "standard"
	// StrategyFirmwareFirst configures the BMC right after discovery so
	// firmware updates can power-cycle out-of-band.
	StrategyFirmwareFirst Strategy = "firmware-first"
)

// stages returns the strategy's ordered stage list. Both strategies
// run eight stages; only the BIOS/firmware/IPMI block is reordered.
func (s Strategy) stages() ([]string, error) {
	switch s {
	case StrategyStandard, "":
		return []string{
			StagePreflight, StageCommissioning, StageNetworkSetup, StageDiscovery,
			StageBIOS, StageFirmware, StageIPMI, StageFinalization,
		}, nil
	case StrategyFirmwareFirst:
		return []string{
			StagePreflight, StageCommissioning, StageNetworkSetup, StageDiscovery,
			StageIPMI, StageFirmware, StageBIOS, StageFinalization,
		}, nil
	}
	return nil, fault.New(fault.ConfigValidation, "unknown strategy %q", string(s))
}

// budget carries a stage's per-attempt timeout and retry count.
type budget struct {
	timeout time.Duration
	retries int
}

// stageBudgets holds the default stage budgets. Commissioning carries
// the long one: fleet controllers take tens of minutes to run a full
// commissioning pass.
var stageBudgets = map[string]budget{
	StagePreflight:     {timeout: 60 * time.Second, retries: 1},
	StageCommissioning: {timeout: 30 * time.Minute, retries: 2},
	StageNetworkSetup:  {timeout: 5 * time.Minute, retries: 3},
	StageDiscovery:     {timeout: 10 * time.Minute, retries: 2},
	StageBIOS:          {timeout: 10 * time.Minute, retries: 2},
	StageFirmware:      {timeout: 20 * time.Minute, retries: 1},
	StageIPMI:          {timeout: 5 * time.Minute, retries: 3},
	StageFinalization:  {timeout: 3 * time.Minute, retries: 1},
}

// stageRetryDelay separates attempts of a retryable stage.
const stageRetryDelay = 10 * time.Second

// bmcUserSlot is where the operator account is written. Slot 1 is the
// anonymous user on most boards, slot 2 the first real one.
const bmcUserSlot = 2

// Context data keys stages publish results under.
const (
	keyIP           = "network.ip"
	keyVendor       = "discovery.vendor"
	keyVendorScore  = "discovery.confidence"
	keyBIOSChanges  = "bios.changes_applied"
	keyBIOSDigest   = "bios.fingerprint"
	keyBMCAddress   = "ipmi.address"
	keyFirmwareMode = "firmware.dry_run"
)

// Request is the caller-facing input for one provisioning run.
//
// TargetBMCAddr is optional: without it the run records a skip for
// ipmi-configuration so the strategy's step count stays stable. When
// it is set, Gateway is required and Netmask defaults to /24.
type Request struct {
	ServerID      string     `validate:"required"`
	DeviceType    string     `validate:"required"`
	Strategy      Strategy   `validate:"omitempty,oneof=standard firmware-first"`
	TargetBMCAddr netip.Addr `validate:"-"`
	Netmask       netip.Addr `validate:"-"`
	Gateway       netip.Addr `validate:"-"`

	// DistroSeries, when set, starts a deployment during finalization.
	// The workflow does not wait for it to finish.
	DistroSeries string

	// LiveFirmware flashes firmware for real. The zero value simulates
	// every pending item, which is the only safe default.
	LiveFirmware bool
}

// normalized fills the request defaults.
func (r Request) normalized() Request {
	if r.Strategy == "" {
		r.Strategy = StrategyStandard
	}
	if r.TargetBMCAddr.IsValid() && !r.Netmask.IsValid() {
		r.Netmask = netip.AddrFrom4([4]byte{255, 255, 255, 0})
	}
	return r
}

// Store is the persistence slice the stages write through and the
// engine records on. *store.Store implements it.
type Store interface {
	workflow.Recorder
	EnsureServer(ctx context.Context, serverID string) error
	UpdateServer(ctx context.Context, serverID string, field store.Field, value any) error
	Server(ctx context.Context, serverID string) (*store.ServerRecord, error)
}

// Fleet is the controller slice the stages drive. *fleet.Client
// implements it.
type Fleet interface {
	Machine(ctx context.Context, systemID string) (*fleet.Machine, error)
	Commission(ctx context.Context, systemID string, enableSSH bool) (*fleet.Machine, error)
	ForceRecommission(ctx context.Context, systemID string, observe fleet.Observer) (*fleet.Machine, error)
	WaitForStatus(ctx context.Context, systemID string, observe fleet.Observer, targets ...fleet.Status) (*fleet.Machine, error)
	Deploy(ctx context.Context, systemID, distroSeries string) (*fleet.Machine, error)
	MarkReady(ctx context.Context, systemID string) error
}

// Catalog yields device-type snapshots and the firmware view.
// *catalog.Catalog implements it.
type Catalog interface {
	Snapshot() (*catalog.Snapshot, error)
	FirmwareRepository() catalog.FirmwareRepository
}

// BIOSConfigurer runs the pull/modify/push/verify sequence for one
// server. *bios.Engine implements it.
type BIOSConfigurer interface {
	Configure(ctx context.Context, t bios.Target) (*bios.Outcome, error)
}

// FirmwareManager plans and executes firmware batches.
// *firmware.Manager implements it.
type FirmwareManager interface {
	Plan(ctx context.Context, t firmware.Target) (*firmware.Plan, error)
	Execute(ctx context.Context, t firmware.Target, plan *firmware.Plan) (*firmware.Report, error)
}

// Deps bundles what a Provisioner needs. Store, Catalog, and Fleet are
// required. Nil BIOS and Firmware engines are built per run against
// the catalog, which is the normal wiring; injecting them is for tests
// and exotic setups.
type Deps struct {
	Store    Store
	Catalog  Catalog
	Fleet    Fleet
	BIOS     BIOSConfigurer
	Firmware FirmwareManager

	// SSH is the template for reaching commissioned hosts; Host is
	// filled in per candidate address.
	SSH inband.Config

	// BMCUsername and BMCPassword are the operator credentials written
	// to the BMC during ipmi-configuration. Empty leaves whatever
	// account gained access in place.
	BMCUsername string
	BMCPassword string

	// SumTool locates the Supermicro settings tool for BIOS pushes.
	SumTool bios.SumConfig

	Log      logr.Logger
	Progress workflow.ProgressFunc
	Metrics  *workflow.Metrics
}

// Adapter seams, swapped in tests so no real network is needed.
type (
	probeFunc  func(ctx context.Context, cfg inband.Config) inband.ProbeResult
	dialFunc   func(ctx context.Context, cfg inband.Config) (hostSession, error)
	bmcFactory func(target data.BMCTarget) bmcClient
)

// hostSession is the in-band surface the stages share through the
// workflow context. *inband.Session implements it.
type hostSession interface {
	workflow.Session
	Host() string
	Run(ctx context.Context, cmd string) (inband.Result, error)
	Upload(ctx context.Context, local, remote string) error
	Download(ctx context.Context, remote, local string) error
}

// bmcClient is the out-of-band surface the IPMI and firmware stages
// drive. *bmc.Client implements it.
type bmcClient interface {
	Target() data.BMCTarget
	Ping(ctx context.Context) error
	Info(ctx context.Context) (*data.BMCInfo, error)
	DetectVendor(ctx context.Context) (bmc.Vendor, *data.BMCInfo, error)
	ApplyVendorHardening(ctx context.Context, vendor bmc.Vendor) (*bmc.Hardening, error)
	EnsureUser(ctx context.Context, slot int, name, password string) error
	Power(ctx context.Context, action bmc.PowerAction) error
	PowerState(ctx context.Context) (string, error)
	LANConfig(ctx context.Context) (*bmc.LANInfo, error)
}

// Provisioner builds and executes provisioning workflows.
type Provisioner struct {
	store    Store
	catalog  Catalog
	fleet    Fleet
	bios     BIOSConfigurer
	firmware FirmwareManager
	ssh      inband.Config
	bmcUser  string
	bmcPass  string
	sumTool  bios.SumConfig
	log      logr.Logger
	progress workflow.ProgressFunc
	metrics  *workflow.Metrics
	validate *validator.Validate

	probe  probeFunc
	dial   dialFunc
	bmcNew bmcFactory

	// Reboot and BMC bring-up pacing; tests shorten these.
	rebootSettle time.Duration
	rebootPoll   time.Duration
	rebootCap    time.Duration
	bmcPoll      time.Duration
	bmcWait      time.Duration
	sshPoll      time.Duration
	sshWait      time.Duration
}

// New wires a Provisioner from deps.
func New(deps Deps) (*Provisioner, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Fleet == nil {
		return nil, errors.New("provision: store, catalog, and fleet are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logr.Discard()
	}

	p := &Provisioner{
		store:    deps.Store,
		catalog:  deps.Catalog,
		fleet:    deps.Fleet,
		bios:     deps.BIOS,
		firmware: deps.Firmware,
		ssh:      deps.SSH,
		bmcUser:  deps.BMCUsername,
		bmcPass:  deps.BMCPassword,
		sumTool:  deps.SumTool,
		log:      log,
		progress: deps.Progress,
		metrics:  deps.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),

		rebootSettle: 30 * time.Second,
		rebootPoll:   15 * time.Second,
		rebootCap:    10 * time.Minute,
		bmcPoll:      5 * time.Second,
		bmcWait:      2 * time.Minute,
		sshPoll:      10 * time.Second,
		sshWait:      3 * time.Minute,
	}
	p.probe = inband.Probe
	p.dial = func(ctx context.Context, cfg inband.Config) (hostSession, error) {
		s, err := inband.Dial(ctx, cfg, inband.WithLogger(p.log))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	p.bmcNew = func(target data.BMCTarget) bmcClient {
		return bmc.New(target, bmc.WithLogger(p.log))
	}
	return p, nil
}

// Run executes one provisioning workflow and returns its summary. The
// returned error covers run assembly only; stage failures land in the
// summary, the store, and the progress stream.
func (p *Provisioner) Run(ctx context.Context, req Request) (*workflow.Summary, error) {
	req = req.normalized()
	names, err := req.Strategy.stages()
	if err != nil {
		return nil, err
	}

	wc := workflow.NewContext("", req.ServerID, req.DeviceType)
	if req.Gateway.IsValid() {
		wc.SetGateway(req.Gateway)
	}
	defer func() {
		if cerr := wc.CloseSession(); cerr != nil {
			p.log.V(1).Info("session close failed", "server", req.ServerID, "error", cerr.Error())
		}
	}()

	engine := workflow.New(p.buildSteps(req, names),
		workflow.WithRecorder(p.store),
		workflow.WithProgress(p.progress),
		workflow.WithMetrics(p.metrics),
		workflow.WithLogger(p.log.WithValues("server", req.ServerID)),
	)
	summary := engine.Execute(ctx, wc)

	if summary.Status == workflow.WorkflowFailed && len(summary.Errors) > 0 {
		p.stampError(context.WithoutCancel(ctx), req.ServerID, summary.Errors[0])
	}
	return summary, nil
}

// buildSteps binds the request to stage handlers in strategy order.
func (p *Provisioner) buildSteps(req Request, names []string) []workflow.Step {
	steps := make([]workflow.Step, 0, len(names))
	for _, name := range names {
		b := stageBudgets[name]
		opts := []workflow.StepOption{
			workflow.WithTimeout(b.timeout),
			workflow.WithRetryPolicy(workflow.RetryPolicy{Attempts: b.retries, Delay: stageRetryDelay}),
		}

		var run workflow.StepFunc
		switch name {
		case StagePreflight:
			run = p.preflight(req)
		case StageCommissioning:
			run = p.commission(req)
		case StageNetworkSetup:
			run = p.networkSetup(req)
		case StageDiscovery:
			run = p.discoverHardware(req)
			opts = append(opts, workflow.WithPrerequisites(requireSession))
		case StageBIOS:
			run = p.configureBIOS(req)
			opts = append(opts, workflow.WithPrerequisites(requireFacts))
		case StageFirmware:
			run = p.updateFirmware(req)
			opts = append(opts, workflow.WithPrerequisites(requireFacts))
		case StageIPMI:
			run = p.configureIPMI(req)
		case StageFinalization:
			run = p.finalize(req)
		}
		steps = append(steps, workflow.NewStep(name, run, opts...))
	}
	return steps
}

func requireSession(wc *workflow.Context) error {
	if wc.Session() == nil {
		return fault.New(fault.SSHConnection, "no in-band session; network-setup must succeed first")
	}
	return nil
}

func requireFacts(wc *workflow.Context) error {
	if wc.Facts() == nil {
		return fault.New(fault.Workflow, "no hardware facts; hardware-discovery must succeed first")
	}
	return nil
}

// update persists one field, logging failures instead of promoting
// them. A dead database must not stop a provisioning run that is
// otherwise changing real hardware.
func (p *Provisioner) update(ctx context.Context, serverID string, field store.Field, value any) {
	if err := p.store.UpdateServer(ctx, serverID, field, value); err != nil {
		p.log.V(1).Info("store update dropped",
			"server", serverID, "field", string(field), "error", err.Error())
	}
}

// stampError writes the operator-facing failure banner after a failed
// run. An existing banner wins: the stage that failed first knows the
// root cause better than the summary does.
func (p *Provisioner) stampError(ctx context.Context, serverID, msg string) {
	if rec, err := p.store.Server(ctx, serverID); err == nil && strings.HasPrefix(rec.StatusName, "Error:") {
		return
	}
	p.update(ctx, serverID, store.FieldStatusName, "Error: "+msg)
}

// vendorOf prefers the detection result over the raw DMI manufacturer.
func vendorOf(wc *workflow.Context) string {
	if v, ok := wc.Value(keyVendor); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if f := wc.Facts(); f != nil {
		return f.Manufacturer()
	}
	return ""
}

// sessionOf unwraps the shared session, nil when none is open.
func sessionOf(wc *workflow.Context) hostSession {
	s, ok := wc.Session().(hostSession)
	if !ok {
		return nil
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
