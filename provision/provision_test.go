package provision

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ironhive/ironhive/bios"
	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/discover"
	"github.com/ironhive/ironhive/firmware"
	"github.com/ironhive/ironhive/fleet"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

const testCatalogDoc = `device_configuration:
  version: "2.0"
  last_updated: "2025-07-01"
  global_settings:
    QuietBoot: Disabled
  vendors:
    supermicro:
      motherboards:
        X11DPH-T:
          device_types:
            s2.c2.large:
              description: Dual-socket compute node
              hardware_specs:
                cpu_name: "Xeon"
                cpu_cores: 16-64
                ram_gb: 64-512
                vendor: Supermicro
                architecture: x86_64
              boot_configs:
                BootMode: UEFI
              redfish_capable: true
              preferred_bios_method: vendor_tool
          firmware:
            bmc:
              version: "1.73.06"
              file: BMC-17306.bin
              priority: critical
`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device-types.yaml")
	if err := os.WriteFile(path, []byte(testCatalogDoc), 0o600); err != nil {
		t.Fatalf("writing catalog fixture: %v", err)
	}
	return catalog.New(path)
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return addr
}

type fakeStore struct {
	mu        sync.Mutex
	ensured   []string
	fields    map[store.Field]any
	starts    int
	progress  int
	ends      int
	endStatus string
	endErr    string
	serverErr error
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{fields: map[store.Field]any{}}
}

func (f *fakeStore) RecordWorkflowStart(_ context.Context, workflowID, serverID, deviceType string, totalSteps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeStore) UpdateWorkflowProgress(_ context.Context, workflowID string, stepsCompleted int, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress++
	return nil
}

func (f *fakeStore) RecordWorkflowEnd(_ context.Context, workflowID, status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.endStatus = status
	f.endErr = errMsg
	return nil
}

func (f *fakeStore) EnsureServer(_ context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, serverID)
	return nil
}

func (f *fakeStore) UpdateServer(_ context.Context, serverID string, field store.Field, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.fields[field] = value
	return nil
}

func (f *fakeStore) Server(_ context.Context, serverID string) (*store.ServerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.serverErr != nil {
		return nil, f.serverErr
	}
	rec := &store.ServerRecord{ServerID: serverID}
	if v, ok := f.fields[store.FieldStatusName].(string); ok {
		rec.StatusName = v
	}
	return rec, nil
}

func (f *fakeStore) field(field store.Field) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[field]
}

type fakeFleet struct {
	mu            sync.Mutex
	machine       *fleet.Machine
	machineErr    error
	commissions   []bool
	forces        int
	forceErr      error
	markReadies   int
	markReadyErr  error
	deploys       []string
	deployErr     error
	waitStatuses  []fleet.Status
	waitResult    *fleet.Machine
	waitErr       error
	observedWaits int
}

func (f *fakeFleet) Machine(_ context.Context, systemID string) (*fleet.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.machineErr != nil {
		return nil, f.machineErr
	}
	m := *f.machine
	return &m, nil
}

func (f *fakeFleet) Commission(_ context.Context, systemID string, enableSSH bool) (*fleet.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commissions = append(f.commissions, enableSSH)
	m := *f.machine
	m.StatusName = fleet.StatusCommissioning
	return &m, nil
}

func (f *fakeFleet) ForceRecommission(_ context.Context, systemID string, observe fleet.Observer) (*fleet.Machine, error) {
	f.mu.Lock()
	f.forces++
	err := f.forceErr
	m := *f.machine
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if observe != nil {
		observe(fleet.StatusCommissioning)
	}
	m.StatusName = fleet.StatusCommissioning
	return &m, nil
}

func (f *fakeFleet) WaitForStatus(_ context.Context, systemID string, observe fleet.Observer, targets ...fleet.Status) (*fleet.Machine, error) {
	f.mu.Lock()
	f.observedWaits++
	statuses := append([]fleet.Status(nil), f.waitStatuses...)
	res, err := f.waitResult, f.waitErr
	f.mu.Unlock()
	for _, st := range statuses {
		if observe != nil {
			observe(st)
		}
	}
	if err != nil {
		return nil, err
	}
	m := *res
	return &m, nil
}

func (f *fakeFleet) Deploy(_ context.Context, systemID, distroSeries string) (*fleet.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	f.deploys = append(f.deploys, distroSeries)
	m := *f.machine
	m.StatusName = fleet.StatusDeploying
	return &m, nil
}

func (f *fakeFleet) MarkReady(_ context.Context, systemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadyErr != nil {
		return f.markReadyErr
	}
	f.markReadies++
	return nil
}

// bmcFixture is shared state behind every client the bmcNew seam hands
// out, so credential changes made through one client are visible to
// the next.
type bmcFixture struct {
	mu           sync.Mutex
	authorized   map[string]string
	pingFails    int
	pings        int
	vendor       bmc.Vendor
	info         data.BMCInfo
	hardening    *bmc.Hardening
	hardeningErr error
	powerState   string
	powerErr     error
	lanAddr      string
	ensured      []string
	actions      []bmc.PowerAction
}

func (fx *bmcFixture) factory() bmcFactory {
	return func(target data.BMCTarget) bmcClient {
		return &fakeBMC{fx: fx, target: target}
	}
}

type fakeBMC struct {
	fx     *bmcFixture
	target data.BMCTarget
}

func (c *fakeBMC) Target() data.BMCTarget { return c.target }

func (c *fakeBMC) Ping(context.Context) error {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	c.fx.pings++
	if c.fx.pings <= c.fx.pingFails {
		return fmt.Errorf("%w: no route to host", bmc.ErrTransport)
	}
	return nil
}

func (c *fakeBMC) Info(context.Context) (*data.BMCInfo, error) {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	if pass, ok := c.fx.authorized[c.target.User]; !ok || pass != c.target.Pass {
		return nil, fmt.Errorf("%w: RAKP 2 HMAC is invalid", bmc.ErrAuth)
	}
	info := c.fx.info
	return &info, nil
}

func (c *fakeBMC) DetectVendor(ctx context.Context) (bmc.Vendor, *data.BMCInfo, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return bmc.VendorUnknown, nil, err
	}
	return c.fx.vendor, info, nil
}

func (c *fakeBMC) ApplyVendorHardening(context.Context, bmc.Vendor) (*bmc.Hardening, error) {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	if c.fx.hardeningErr != nil {
		return nil, c.fx.hardeningErr
	}
	h := *c.fx.hardening
	return &h, nil
}

func (c *fakeBMC) EnsureUser(_ context.Context, slot int, name, password string) error {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	c.fx.ensured = append(c.fx.ensured, fmt.Sprintf("%d:%s", slot, name))
	c.fx.authorized[name] = password
	return nil
}

func (c *fakeBMC) Power(_ context.Context, action bmc.PowerAction) error {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	c.fx.actions = append(c.fx.actions, action)
	return nil
}

func (c *fakeBMC) PowerState(context.Context) (string, error) {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	if c.fx.powerErr != nil {
		return "", c.fx.powerErr
	}
	return c.fx.powerState, nil
}

func (c *fakeBMC) LANConfig(context.Context) (*bmc.LANInfo, error) {
	c.fx.mu.Lock()
	defer c.fx.mu.Unlock()
	return &bmc.LANInfo{Source: "Static Address", Addr: c.fx.lanAddr}, nil
}

type fakeHostSession struct {
	mu     sync.Mutex
	host   string
	cmds   []string
	run    func(cmd string) (inband.Result, error)
	closed bool
}

func (s *fakeHostSession) Host() string { return s.host }

func (s *fakeHostSession) Run(_ context.Context, cmd string) (inband.Result, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	fn := s.run
	s.mu.Unlock()
	if fn != nil {
		return fn(cmd)
	}
	return inband.Result{}, nil
}

func (s *fakeHostSession) Upload(context.Context, string, string) error   { return nil }
func (s *fakeHostSession) Download(context.Context, string, string) error { return nil }

func (s *fakeHostSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeHostSession) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func (s *fakeHostSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// supermicroAnswers scripts the fact-gathering commands the way a
// Supermicro node answers them.
func supermicroAnswers(cmd string) (inband.Result, error) {
	switch {
	case strings.Contains(cmd, "dmidecode -s"):
		return inband.Result{Stdout: strings.Join([]string{
			"system-manufacturer: Supermicro",
			"system-product-name: SYS-2029P-C1R",
			"system-serial-number: S424242X1",
			"baseboard-manufacturer: Supermicro",
			"baseboard-product-name: X11DPH-T",
			"bios-vendor: American Megatrends Inc.",
			"bios-version: 3.2",
			"",
		}, "\n")}, nil
	case cmd == "uname -rm":
		return inband.Result{Stdout: "5.15.0-76-generic x86_64\n"}, nil
	case cmd == "lscpu":
		return inband.Result{Stdout: strings.Join([]string{
			"Model name: Intel(R) Xeon(R) Gold 6226R",
			"CPU(s): 64",
			"Core(s) per socket: 16",
			"Socket(s): 2",
			"",
		}, "\n")}, nil
	case cmd == "cat /proc/meminfo":
		return inband.Result{Stdout: "MemTotal:       134217728 kB\n"}, nil
	case strings.HasPrefix(cmd, "lsblk"):
		return inband.Result{Stdout: `NAME="sda" SIZE="960197124096" TYPE="disk" ROTA="0" MODEL="SAMSUNG MZ7LH960" SERIAL="S45PNE0M"` + "\n"}, nil
	case strings.HasPrefix(cmd, "ip -o link"):
		return inband.Result{Stdout: "2: eno1: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 state UP link/ether 3c:ec:ef:aa:bb:cc\n"}, nil
	case strings.HasPrefix(cmd, "grep -s DRIVER="):
		return inband.Result{Stdout: "/sys/class/net/eno1/device/uevent:DRIVER=ixgbe\n"}, nil
	case strings.HasPrefix(cmd, "lspci"):
		return inband.Result{Stdout: `17:00.0 "Ethernet controller" "Intel Corporation" "Ethernet Connection X722"` + "\n"}, nil
	case cmd == "command -v ipmitool":
		return inband.Result{Stdout: "/usr/bin/ipmitool\n"}, nil
	case strings.HasPrefix(cmd, "command -v"):
		return inband.Result{ExitCode: 1}, nil
	case cmd == "ipmitool -V":
		return inband.Result{Stdout: "ipmitool version 1.8.18\n"}, nil
	}
	return inband.Result{}, nil
}

type fakeBIOS struct {
	mu      sync.Mutex
	outcome *bios.Outcome
	err     error
	targets []bios.Target
}

func (f *fakeBIOS) Configure(_ context.Context, t bios.Target) (*bios.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	return f.outcome, f.err
}

type fakeFirmware struct {
	mu        sync.Mutex
	plan      *firmware.Plan
	planErr   error
	report    *firmware.Report
	execErr   error
	block     bool
	entered   chan struct{}
	enterOnce sync.Once
}

func (f *fakeFirmware) Plan(context.Context, firmware.Target) (*firmware.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plan, f.planErr
}

func (f *fakeFirmware) Execute(ctx context.Context, t firmware.Target, plan *firmware.Plan) (*firmware.Report, error) {
	if f.entered != nil {
		f.enterOnce.Do(func() { close(f.entered) })
	}
	f.mu.Lock()
	block := f.block
	report, err := f.report, f.execErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return &firmware.Report{ServerID: t.ServerID, Aborted: true}, ctx.Err()
	}
	return report, err
}

// testEnv wires a Provisioner over fakes tuned for a clean eight-stage
// run; tests mutate the fixture pieces they care about.
type testEnv struct {
	mu       sync.Mutex
	store    *fakeStore
	fleet    *fakeFleet
	bmc      *bmcFixture
	bios     *fakeBIOS
	firmware *fakeFirmware
	session  *fakeHostSession
	dials    int
	p        *Provisioner
}

func (e *testEnv) dialCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	machine := &fleet.Machine{
		SystemID:    "abc12",
		Hostname:    "node12",
		StatusName:  fleet.StatusNew,
		IPAddresses: []string{"10.1.2.3"},
	}
	ready := *machine
	ready.StatusName = fleet.StatusReady

	planItem := firmware.ComponentState{
		Type:           firmware.ComponentBMC,
		CurrentVersion: "1.70",
		LatestVersion:  "1.73.06",
		File:           "BMC-17306.bin",
		UpdateRequired: true,
		Priority:       firmware.PriorityCritical,
	}

	env := &testEnv{
		store: newFakeStore(),
		fleet: &fakeFleet{
			machine:      machine,
			waitResult:   &ready,
			waitStatuses: []fleet.Status{fleet.StatusCommissioning, fleet.StatusTesting},
		},
		bmc: &bmcFixture{
			authorized: map[string]string{"ADMIN": "ADMIN"},
			vendor:     bmc.VendorSupermicro,
			info:       data.BMCInfo{FirmwareRevision: "1.73.06", ManufacturerName: "Supermicro"},
			hardening: &bmc.Hardening{
				Applied: []string{"KCS policy set to deny-all"},
				Manual:  []string{"Host interface disable (BIOS setting)"},
			},
			powerState: "on",
			lanAddr:    "10.0.0.50",
		},
		bios: &fakeBIOS{outcome: &bios.Outcome{
			Vendor:         discover.Supermicro,
			Method:         "vendor_tool",
			Changes:        []bios.Change{{Key: "BootMode", Old: "LEGACY", New: "UEFI"}},
			ChangesApplied: []string{`BootMode: "LEGACY" -> "UEFI"`},
			Fingerprint:    "c0ffee42",
		}},
		firmware: &fakeFirmware{
			plan: &firmware.Plan{
				ServerID:    "abc12",
				Vendor:      "Supermicro",
				Motherboard: "X11DPH-T",
				Items:       []firmware.ComponentState{planItem},
			},
			report: &firmware.Report{
				ServerID: "abc12",
				DryRun:   true,
				Items: []firmware.ItemResult{{
					Item:   planItem,
					Status: firmware.ItemSimulated,
					Result: &firmware.UpdateResult{OldVersion: "1.70", NewVersion: "1.73.06", Simulated: true},
				}},
			},
		},
		session: &fakeHostSession{host: "10.1.2.3", run: supermicroAnswers},
	}

	p, err := New(Deps{
		Store:       env.store,
		Catalog:     testCatalog(t),
		Fleet:       env.fleet,
		BIOS:        env.bios,
		Firmware:    env.firmware,
		SSH:         inband.Config{User: "root", Password: "pw", Timeout: time.Second},
		BMCUsername: "admin",
		BMCPassword: "sekrit",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.probe = func(context.Context, inband.Config) inband.ProbeResult {
		return inband.ProbeResult{TCPReachable: true, SSHUsable: true}
	}
	p.dial = func(context.Context, inband.Config) (hostSession, error) {
		env.mu.Lock()
		env.dials++
		env.mu.Unlock()
		return env.session, nil
	}
	p.bmcNew = env.bmc.factory()

	// Keep failure-path polls from stalling the suite.
	p.rebootSettle, p.rebootPoll, p.rebootCap = time.Millisecond, time.Millisecond, 50*time.Millisecond
	p.bmcPoll, p.bmcWait = time.Millisecond, 50*time.Millisecond
	p.sshPoll, p.sshWait = time.Millisecond, 50*time.Millisecond

	env.p = p
	return env
}

func TestStrategyStages(t *testing.T) {
	standard := []string{
		StagePreflight, StageCommissioning, StageNetworkSetup, StageDiscovery,
		StageBIOS, StageFirmware, StageIPMI, StageFinalization,
	}
	tests := map[string]struct {
		strategy Strategy
		want     []string
		wantErr  bool
	}{
		"standard": {strategy: StrategyStandard, want: standard},
		"empty defaults to standard": {strategy: Strategy(""), want: standard},
		"firmware first": {strategy: StrategyFirmwareFirst, want: []string{
			StagePreflight, StageCommissioning, StageNetworkSetup, StageDiscovery,
			StageIPMI, StageFirmware, StageBIOS, StageFinalization,
		}},
		"unknown": {strategy: Strategy("yolo"), wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tt.strategy.stages()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !fault.IsClass(err, fault.ConfigValidation) {
					t.Errorf("error class = %v, want config validation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("stages: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("stage order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t)
	req := Request{
		ServerID:      "abc12",
		DeviceType:    "s2.c2.large",
		TargetBMCAddr: mustAddr(t, "10.0.0.50"),
		Gateway:       mustAddr(t, "10.0.0.1"),
	}

	summary, err := env.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != workflow.WorkflowSuccess {
		t.Fatalf("status = %q, errors = %v", summary.Status, summary.Errors)
	}
	if summary.StepsCompleted != 8 || summary.TotalSteps != 8 {
		t.Errorf("completed %d/%d, want 8/8", summary.StepsCompleted, summary.TotalSteps)
	}
	if summary.TerminalStep != StageFinalization {
		t.Errorf("terminal step = %q, want %q", summary.TerminalStep, StageFinalization)
	}

	want := map[store.Field]any{
		store.FieldStatusName:          "Provisioning Complete",
		store.FieldIsReady:             true,
		store.FieldIPAddress:           "10.1.2.3",
		store.FieldIPAddressWorks:      true,
		store.FieldSSHAccessible:       true,
		store.FieldIPMIAddress:         "10.0.0.50",
		store.FieldIPMIAddressWorks:    true,
		store.FieldKCSStatus:           "Configured",
		store.FieldHostInterfaceStatus: "Manual configuration required",
		store.FieldIPMIUsername:        "admin",
		store.FieldIPMIPasswordSet:     true,
		store.FieldIPMIConfigured:      true,
		store.FieldRedfishAvailable:    true,
		store.FieldBIOSConfigApplied:   true,
		store.FieldBIOSConfigVersion:   "c0ffee42",
		store.FieldFirmwareVersion:     "bmc=1.70",
		store.FieldPowerState:          "on",
		store.FieldCPUModel:            "Intel(R) Xeon(R) Gold 6226R",
		store.FieldMemoryGB:            128,
		store.FieldServerModel:         "Supermicro SYS-2029P-C1R",
	}
	for field, wantVal := range want {
		if got := env.store.field(field); !cmp.Equal(wantVal, got) {
			t.Errorf("store %s = %v, want %v", field, got, wantVal)
		}
	}

	if got := env.bmc.ensured; len(got) != 1 || got[0] != "2:admin" {
		t.Errorf("ensured users = %v, want [2:admin]", got)
	}
	if got := env.fleet.commissions; len(got) != 1 || !got[0] {
		t.Errorf("commissions = %v, want one with SSH enabled", got)
	}
	if env.fleet.markReadies != 1 {
		t.Errorf("markReadies = %d, want 1", env.fleet.markReadies)
	}
	if !env.session.isClosed() {
		t.Error("session left open after run")
	}
	if env.store.starts != 1 || env.store.ends != 1 || env.store.endStatus != workflow.WorkflowSuccess {
		t.Errorf("recorder saw starts=%d ends=%d status=%q", env.store.starts, env.store.ends, env.store.endStatus)
	}
}

func TestRunSkipsIPMIWithoutTarget(t *testing.T) {
	env := newTestEnv(t)
	req := Request{ServerID: "abc12", DeviceType: "s2.c2.large"}

	summary, err := env.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != workflow.WorkflowSuccess {
		t.Fatalf("status = %q, errors = %v", summary.Status, summary.Errors)
	}
	if summary.StepsCompleted != 8 {
		t.Errorf("completed = %d, want 8 (skip still counts)", summary.StepsCompleted)
	}
	if env.bmc.pings != 0 {
		t.Errorf("BMC pinged %d times without a target address", env.bmc.pings)
	}
	if got := env.store.field(store.FieldIPMIConfigured); got != nil {
		t.Errorf("ipmi_configured = %v, want unset", got)
	}
}

func TestRunCommissioningTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.fleet.machine.SystemID = "abc15"
	env.fleet.waitErr = fmt.Errorf("fleet: waiting on abc15 for [Ready Commissioned]: %w", context.DeadlineExceeded)
	req := Request{ServerID: "abc15", DeviceType: "s2.c2.large"}

	summary, err := env.p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != workflow.WorkflowFailed {
		t.Fatalf("status = %q, want failed", summary.Status)
	}
	if summary.TerminalStep != StageCommissioning {
		t.Errorf("terminal step = %q, want commissioning", summary.TerminalStep)
	}
	if summary.StepsCompleted != 1 {
		t.Errorf("completed = %d, want 1 (preflight only)", summary.StepsCompleted)
	}
	if len(summary.Errors) == 0 || !strings.Contains(summary.Errors[0], "Commissioning timeout for abc15") {
		t.Errorf("errors = %v, want commissioning timeout first", summary.Errors)
	}
	if got := env.store.field(store.FieldStatusName); got != "Error: Commissioning timeout" {
		t.Errorf("status_name = %v, want %q", got, "Error: Commissioning timeout")
	}
	if env.dialCount() != 0 {
		t.Errorf("dialed %d times after a commissioning failure", env.dialCount())
	}
	if env.store.endStatus != workflow.WorkflowFailed {
		t.Errorf("recorded end status = %q, want failed", env.store.endStatus)
	}
}

func TestRunCancelledMidFirmware(t *testing.T) {
	env := newTestEnv(t)
	env.firmware.block = true
	env.firmware.entered = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-env.firmware.entered
		cancel()
	}()

	req := Request{
		ServerID:      "abc14",
		DeviceType:    "s2.c2.large",
		TargetBMCAddr: mustAddr(t, "10.0.0.50"),
		Gateway:       mustAddr(t, "10.0.0.1"),
	}
	summary, err := env.p.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != workflow.WorkflowCancelled {
		t.Fatalf("status = %q, want cancelled", summary.Status)
	}
	if env.store.endStatus != workflow.WorkflowCancelled {
		t.Errorf("recorded end status = %q, want cancelled", env.store.endStatus)
	}
	// The standard strategy runs IPMI after firmware, so cancellation
	// there must leave the BMC untouched.
	if env.bmc.pings != 0 {
		t.Errorf("BMC pinged %d times after cancellation", env.bmc.pings)
	}
	if got := env.store.field(store.FieldStatusName); got != "Provisioning started" {
		t.Errorf("status_name = %v, cancellation must keep the last status", got)
	}
	if !env.session.isClosed() {
		t.Error("session left open after cancelled run")
	}
}

func TestRunUnknownStrategy(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.p.Run(context.Background(), Request{
		ServerID:   "abc12",
		DeviceType: "s2.c2.large",
		Strategy:   Strategy("chaotic"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.IsClass(err, fault.ConfigValidation) {
		t.Errorf("error = %v, want config validation class", err)
	}
	if env.store.starts != 0 {
		t.Errorf("workflow recorded despite invalid strategy")
	}
}

func TestRunInvalidRequestFailsPreflight(t *testing.T) {
	tests := map[string]Request{
		"missing server id":       {DeviceType: "s2.c2.large"},
		"missing device type":     {ServerID: "abc12"},
		"bmc target without gateway": {
			ServerID:      "abc12",
			DeviceType:    "s2.c2.large",
			TargetBMCAddr: netip.AddrFrom4([4]byte{10, 0, 0, 50}),
		},
	}

	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			summary, err := env.p.Run(context.Background(), req)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if summary.Status != workflow.WorkflowFailed {
				t.Fatalf("status = %q, want failed", summary.Status)
			}
			if summary.TerminalStep != StagePreflight {
				t.Errorf("terminal step = %q, want preflight", summary.TerminalStep)
			}
			got, _ := env.store.field(store.FieldStatusName).(string)
			if !strings.HasPrefix(got, "Error: ") {
				t.Errorf("status_name = %q, want an error banner", got)
			}
		})
	}
}

func TestStampErrorPreservesExistingBanner(t *testing.T) {
	env := newTestEnv(t)
	env.store.fields[store.FieldStatusName] = "Error: Commissioning timeout"

	env.p.stampError(context.Background(), "abc15", "commissioning: later noise")

	if got := env.store.field(store.FieldStatusName); got != "Error: Commissioning timeout" {
		t.Errorf("status_name = %v, existing banner must win", got)
	}
}

func TestStampErrorWritesBanner(t *testing.T) {
	env := newTestEnv(t)
	env.p.stampError(context.Background(), "abc12", "ssh_connection: no address accepts SSH")

	want := "Error: ssh_connection: no address accepts SSH"
	if got := env.store.field(store.FieldStatusName); got != want {
		t.Errorf("status_name = %v, want %q", got, want)
	}
}
