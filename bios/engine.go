package bios

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"dario.cat/mergo"
	"github.com/Masterminds/sprig/v3"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/discover"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
)

// Adapter is one vendor channel for BIOS settings.
type Adapter interface {
	Name() string
	Pull(ctx context.Context) (Document, error)
	// Push sends the desired settings. Channels that stage changes for
	// the next boot report rebootRequired.
	Push(ctx context.Context, desired Document, changes []Change) (rebootRequired bool, err error)
}

// SnapshotProvider hands out catalog snapshots. *catalog.Catalog
// implements it.
type SnapshotProvider interface {
	Snapshot() (*catalog.Snapshot, error)
}

// HostRebooter reboots the target host and blocks until it answers
// again. The provisioning stage wires one when it owns both the power
// channel and the session; without one, staged changes surface as a
// warning instead.
type HostRebooter interface {
	RebootAndWait(ctx context.Context) error
}

// Target identifies one server and the channels available to reach it.
type Target struct {
	ServerID   string
	DeviceType string
	// Vendor is the detected system vendor, using discover's names.
	Vendor string
	// Host yields the current in-band session; nil when SSH is not up.
	Host HostProvider
	// BMC is the out-of-band endpoint; nil when unknown.
	BMC *data.BMCTarget
}

// Phase names, in run order.
const (
	PhasePull   = "pull"
	PhaseModify = "modify"
	PhasePush   = "push"
	PhaseVerify = "verify"
)

// Phase statuses.
const (
	PhaseSuccess = "success"
	PhaseSkipped = "skipped"
	PhaseFailed  = "failed"
)

// PhaseResult is the outcome of one engine phase.
type PhaseResult struct {
	Phase   string `json:"phase"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Outcome is everything Configure learned and did for one server. It is
// populated as far as the run got, error or not.
type Outcome struct {
	Vendor         string        `json:"vendor"`
	Method         string        `json:"method,omitempty"`
	Placeholder    bool          `json:"placeholder,omitempty"`
	Phases         []PhaseResult `json:"phases"`
	Changes        []Change      `json:"changes,omitempty"`
	ChangesApplied []string      `json:"changes_applied,omitempty"`
	Fingerprint    string        `json:"fingerprint,omitempty"`
	RebootRequired bool          `json:"reboot_required,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
}

func (o *Outcome) phase(name, status, format string, args ...any) {
	o.Phases = append(o.Phases, PhaseResult{Phase: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

// Engine drives the configuration sequence.
type Engine struct {
	snapshots   SnapshotProvider
	redfish     bmc.ClientFunc
	rebooter    HostRebooter
	sum         SumConfig
	pushRetries int
	pushDelay   time.Duration
	log         logr.Logger

	// adapterFunc overrides channel selection in tests.
	adapterFunc func(t Target, dt *catalog.DeviceType) (Adapter, error)
}

// Option mutates an Engine during New.
type Option func(*Engine)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClientFunc sets the Redfish client factory.
func WithClientFunc(fn bmc.ClientFunc) Option {
	return func(e *Engine) { e.redfish = fn }
}

// WithRebooter wires the reboot-and-wait hook used after pushes that
// stage changes.
func WithRebooter(r HostRebooter) Option {
	return func(e *Engine) { e.rebooter = r }
}

// WithSumConfig locates the Supermicro vendor tool.
func WithSumConfig(cfg SumConfig) Option {
	return func(e *Engine) { e.sum = cfg }
}

// WithPushRetry overrides the push retry budget. retries is the number
// of re-attempts after the first push.
func WithPushRetry(retries int, delay time.Duration) Option {
	return func(e *Engine) {
		e.pushRetries = retries
		e.pushDelay = delay
	}
}

// New builds an Engine reading desired settings from snapshots.
func New(snapshots SnapshotProvider, opts ...Option) *Engine {
	e := &Engine{
		snapshots:   snapshots,
		redfish:     bmc.NewClientFunc(30 * time.Second),
		pushRetries: 2,
		pushDelay:   5 * time.Second,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Configure runs pull, modify, push, verify for one server. Errors
// carry fault.BIOSConfiguration; the returned Outcome is valid either
// way and records how far the run got.
func (e *Engine) Configure(ctx context.Context, t Target) (*Outcome, error) {
	out := &Outcome{Vendor: t.Vendor}

	snap, err := e.snapshots.Snapshot()
	if err != nil {
		return out, fault.Wrap(fault.BIOSConfiguration, err, "loading catalog")
	}
	dt, err := snap.DeviceType(t.DeviceType)
	if err != nil {
		return out, fault.Wrap(fault.BIOSConfiguration, err, "unknown device type %q", t.DeviceType)
	}

	selectAdapter := e.adapterFunc
	if selectAdapter == nil {
		selectAdapter = e.adapterFor
	}
	adapter, err := selectAdapter(t, dt)
	if err != nil {
		return out, fault.Wrap(fault.BIOSConfiguration, err, "selecting settings channel for %s", t.ServerID)
	}
	out.Method = adapter.Name()
	log := e.log.WithValues("server", t.ServerID, "vendor", t.Vendor, "method", adapter.Name())

	current, err := adapter.Pull(ctx)
	if err != nil {
		out.phase(PhasePull, PhaseFailed, "%v", err)
		return out, fault.Wrap(fault.BIOSConfiguration, err, "pulling current settings for %s", t.ServerID)
	}
	out.phase(PhasePull, PhaseSuccess, "%d settings", len(current))
	out.Fingerprint = current.Fingerprint()

	if current.IsPlaceholder() {
		out.Placeholder = true
		msg := fmt.Sprintf("No changes applied - %s BIOS configuration not yet supported", t.Vendor)
		out.ChangesApplied = []string{msg}
		out.Warnings = append(out.Warnings, msg)
		out.phase(PhaseModify, PhaseSuccess, "placeholder document, nothing to modify")
		out.phase(PhasePush, PhaseSkipped, "placeholder document")
		out.phase(PhaseVerify, PhaseSkipped, "placeholder document")
		log.Info("vendor has no settings channel, recorded placeholder")
		return out, nil
	}

	desired, err := e.desiredDocument(snap, dt, t)
	if err != nil {
		out.phase(PhaseModify, PhaseFailed, "%v", err)
		return out, err
	}
	out.Changes = Diff(current, desired)
	out.phase(PhaseModify, PhaseSuccess, "%d changes against %d desired settings", len(out.Changes), len(desired))

	if len(out.Changes) == 0 {
		out.phase(PhasePush, PhaseSkipped, "already compliant")
		out.phase(PhaseVerify, PhaseSkipped, "already compliant")
		log.V(1).Info("settings already compliant")
		return out, nil
	}

	var reboot bool
	err = retry.Do(
		func() error {
			var pushErr error
			reboot, pushErr = adapter.Push(ctx, desired, out.Changes)
			return pushErr
		},
		retry.Attempts(uint(e.pushRetries+1)),
		retry.Delay(e.pushDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		out.phase(PhasePush, PhaseFailed, "%v", err)
		return out, fault.Wrap(fault.BIOSConfiguration, err, "pushing %d changes to %s", len(out.Changes), t.ServerID)
	}
	out.RebootRequired = reboot
	for _, c := range out.Changes {
		out.ChangesApplied = append(out.ChangesApplied, fmt.Sprintf("%s: %q -> %q", c.Key, c.Old, c.New))
	}

	switch {
	case reboot && e.rebooter != nil:
		if err := e.rebooter.RebootAndWait(ctx); err != nil {
			out.phase(PhasePush, PhaseFailed, "host did not return after reboot: %v", err)
			return out, fault.Wrap(fault.BIOSConfiguration, err, "rebooting %s after settings push", t.ServerID)
		}
		out.phase(PhasePush, PhaseSuccess, "%d changes applied, host rebooted", len(out.Changes))
	case reboot:
		out.phase(PhasePush, PhaseSuccess, "%d changes staged for next boot", len(out.Changes))
		out.Warnings = append(out.Warnings, "reboot required for staged BIOS settings to take effect")
	default:
		out.phase(PhasePush, PhaseSuccess, "%d changes applied", len(out.Changes))
	}

	after, err := adapter.Pull(ctx)
	if err != nil {
		out.phase(PhaseVerify, PhaseFailed, "%v", err)
		return out, fault.Wrap(fault.BIOSConfiguration, err, "re-pulling settings from %s", t.ServerID)
	}
	out.Fingerprint = after.Fingerprint()

	var stuck []string
	for _, c := range out.Changes {
		if got := after[c.Key]; got != c.New {
			stuck = append(stuck, fmt.Sprintf("%s=%q (want %q)", c.Key, got, c.New))
		}
	}
	if len(stuck) > 0 {
		out.phase(PhaseVerify, PhaseFailed, "%d settings did not take", len(stuck))
		return out, fault.New(fault.BIOSConfiguration, "verification failed on %s: %s", t.ServerID, strings.Join(stuck, ", "))
	}
	out.phase(PhaseVerify, PhaseSuccess, "%d changes verified", len(out.Changes))
	log.Info("settings applied", "changes", len(out.Changes), "fingerprint", out.Fingerprint)
	return out, nil
}

// adapterFor picks the settings channel. Supermicro goes through the
// vendor tool or Redfish per the device-type's method order, Dell and
// HPE through Redfish; anything else gets the placeholder. A supported
// vendor with no reachable channel is an error, not a placeholder.
func (e *Engine) adapterFor(t Target, dt *catalog.DeviceType) (Adapter, error) {
	switch t.Vendor {
	case discover.Supermicro, discover.Dell, discover.HPE:
	default:
		return &placeholderAdapter{vendor: t.Vendor}, nil
	}

	for _, method := range methodOrder(t.Vendor, dt) {
		switch method {
		case catalog.MethodVendorTool:
			if t.Vendor == discover.Supermicro && t.Host != nil {
				return newSumAdapter(t.Host, e.sum, e.log), nil
			}
		case catalog.MethodRedfish:
			if t.BMC != nil && e.redfish != nil {
				return &redfishAdapter{clients: e.redfish, target: *t.BMC, log: e.log}, nil
			}
		}
	}
	return nil, fmt.Errorf("no reachable settings channel for vendor %s", t.Vendor)
}

// methodOrder expands the device-type's preferred and fallback methods,
// defaulting from the vendor profile. hybrid means vendor tool first,
// then Redfish.
func methodOrder(vendor string, dt *catalog.DeviceType) []string {
	preferred := dt.PreferredBIOSMethod
	if preferred == "" {
		if ch, ok := discover.Lookup(vendor); ok {
			preferred = ch.PreferredBIOSMethod
		}
	}

	var order []string
	var add func(string)
	add = func(m string) {
		switch m {
		case catalog.MethodHybrid:
			add(catalog.MethodVendorTool)
			add(catalog.MethodRedfish)
		case catalog.MethodVendorTool, catalog.MethodRedfish:
			for _, have := range order {
				if have == m {
					return
				}
			}
			order = append(order, m)
		}
	}
	add(preferred)
	add(dt.FallbackBIOSMethod)
	if len(order) == 0 {
		order = []string{catalog.MethodVendorTool, catalog.MethodRedfish}
	}
	return order
}

// templateData is what templated setting values may reference.
type templateData struct {
	ServerID    string
	DeviceType  string
	Vendor      string
	Motherboard string
}

// desiredDocument overlays the device-type bundle on the global
// defaults and renders templated values.
func (e *Engine) desiredDocument(snap *catalog.Snapshot, dt *catalog.DeviceType, t Target) (Document, error) {
	base := Document{}
	for k, v := range snap.GlobalSettings {
		base[k] = v
	}
	bundle := Document{}
	for k, v := range dt.SettingsBundle() {
		bundle[k] = v
	}
	if err := mergo.Merge(&base, bundle, mergo.WithOverride); err != nil {
		return nil, fault.Wrap(fault.BIOSConfiguration, err, "merging settings bundle for %s", dt.ID)
	}

	td := templateData{ServerID: t.ServerID, DeviceType: dt.ID, Vendor: dt.Vendor, Motherboard: dt.Motherboard}
	for k, v := range base {
		if !strings.Contains(v, "{{") {
			continue
		}
		rendered, err := renderValue(k, v, td)
		if err != nil {
			return nil, fault.Wrap(fault.BIOSConfiguration, err, "rendering setting %q for %s", k, dt.ID)
		}
		base[k] = rendered
	}
	return base, nil
}

func renderValue(key, tpl string, td templateData) (string, error) {
	t, err := template.New(key).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(tpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, td); err != nil {
		return "", err
	}
	return b.String(), nil
}
