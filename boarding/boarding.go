// Package boarding runs the acceptance checks a server must clear
// before it is handed to a tenant: categorized validations executed in
// a fixed dependency order, each producing a pass/fail/warning/skip
// result. Categories build on one another; a category whose
// prerequisites never passed is skipped wholesale rather than reported
// as a cascade of failures.
package boarding

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/workflow"
)

// Category is one validation group.
type Category string

// Categories in dependency order. Connectivity gates everything;
// configuration is judged last, once the hardware picture is complete.
const (
	CategoryConnectivity  Category = "connectivity"
	CategoryHardware      Category = "hardware"
	CategoryIPMI          Category = "ipmi"
	CategoryBIOS          Category = "bios"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
)

// Categories returns every category in execution order.
func Categories() []Category {
	return []Category{
		CategoryConnectivity,
		CategoryHardware,
		CategoryIPMI,
		CategoryBIOS,
		CategoryNetwork,
		CategoryConfiguration,
	}
}

// Status is the outcome of a single check.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusWarning Status = "warning"
	StatusSkip    Status = "skip"
)

// Result is the outcome of one named check.
type Result struct {
	Check       string            `json:"check"`
	Category    Category          `json:"category"`
	Status      Status            `json:"status"`
	Message     string            `json:"message"`
	Remediation string            `json:"remediation,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// Summary counts results by status.
type Summary struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
	Skipped  int `json:"skipped"`
}

// Report is the aggregate outcome of one boarding run.
type Report struct {
	ServerID string        `json:"server_id"`
	Results  []Result      `json:"results"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Summary tallies the report's results by status.
func (r *Report) Summary() Summary {
	var s Summary
	for _, res := range r.Results {
		switch res.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusWarning:
			s.Warnings++
		case StatusSkip:
			s.Skipped++
		}
	}
	return s
}

// Overall derives the report's verdict: any failure fails the board,
// warnings alone downgrade it, anything else passes.
func (r *Report) Overall() Status {
	s := r.Summary()
	switch {
	case s.Failed > 0:
		return StatusFail
	case s.Warnings > 0:
		return StatusWarning
	default:
		return StatusPass
	}
}

// Category filters the report down to one category's results.
func (r *Report) Category(cat Category) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Category == cat {
			out = append(out, res)
		}
	}
	return out
}

// Handler runs the checks of one category. Prerequisites name earlier
// categories that must each have recorded at least one pass before the
// handler runs.
type Handler interface {
	Category() Category
	Prerequisites() []Category
	Run(ctx context.Context, wc *workflow.Context) []Result
}

// Catalog is the device-catalog slice the checks consult. *catalog.Catalog
// implements it.
type Catalog interface {
	Snapshot() (*catalog.Snapshot, error)
	FirmwareRepository() catalog.FirmwareRepository
}

// Deps carries the validator's collaborators. Catalog is required; SSH
// supplies in-band credentials for targets the shared context has no
// session to yet.
type Deps struct {
	Catalog Catalog
	SSH     inband.Config
}

type (
	dialFunc   func(ctx context.Context, cfg inband.Config) (hostSession, error)
	bmcFactory func(target data.BMCTarget) bmcClient
)

// hostSession is the in-band surface the checks share through the
// workflow context. *inband.Session implements it.
type hostSession interface {
	workflow.Session
	Host() string
	Run(ctx context.Context, cmd string) (inband.Result, error)
}

// bmcClient is the out-of-band surface the IPMI checks drive.
// *bmc.Client implements it.
type bmcClient interface {
	Info(ctx context.Context) (*data.BMCInfo, error)
	PowerState(ctx context.Context) (string, error)
	LANConfig(ctx context.Context) (*bmc.LANInfo, error)
}

// AddressKey is where the network-setup stage records the address it
// connected to; standalone runs set it before validating.
const AddressKey = "network.ip"

// Option customizes a Validator.
type Option func(*Validator)

// WithLogger sets the validator's logger.
func WithLogger(log logr.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// Validator runs the category handlers against one server and collects
// their results into a report.
type Validator struct {
	catalog  Catalog
	ssh      inband.Config
	log      logr.Logger
	handlers []Handler

	dial   dialFunc
	bmcNew bmcFactory
}

// New builds a validator with the standard category handlers.
func New(deps Deps, opts ...Option) (*Validator, error) {
	if deps.Catalog == nil {
		return nil, fault.New(fault.ConfigValidation, "boarding: catalog is required")
	}
	v := &Validator{
		catalog: deps.Catalog,
		ssh:     deps.SSH,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.dial = func(ctx context.Context, cfg inband.Config) (hostSession, error) {
		s, err := inband.Dial(ctx, cfg, inband.WithLogger(v.log))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	v.bmcNew = func(target data.BMCTarget) bmcClient {
		return bmc.New(target, bmc.WithLogger(v.log))
	}
	v.handlers = []Handler{
		&connectivityHandler{v},
		&hardwareHandler{v},
		&ipmiHandler{v},
		&biosHandler{v},
		&networkHandler{v},
		&configurationHandler{v},
	}
	return v, nil
}

// Validate runs every category handler in order against the shared
// context. Handlers whose prerequisite categories never passed are
// replaced by a synthetic skip. Check outcomes land in the report and
// in the context's sub-task stream; Validate itself never fails.
func (v *Validator) Validate(ctx context.Context, wc *workflow.Context) *Report {
	report := &Report{ServerID: wc.ServerID}
	started := time.Now()
	defer func() { report.Elapsed = time.Since(started) }()

	passed := map[Category]bool{}
	for _, h := range v.handlers {
		cat := h.Category()
		if unmet, ok := unmetPrerequisite(h, passed); ok {
			res := Result{
				Check:    string(cat) + "_prerequisites",
				Category: cat,
				Status:   StatusSkip,
				Message:  fmt.Sprintf("Skipping %s checks: prerequisite %s not passed", cat, unmet),
			}
			report.Results = append(report.Results, res)
			v.emit(wc, res)
			continue
		}

		results := h.Run(ctx, wc)
		for _, res := range results {
			res.Category = cat
			report.Results = append(report.Results, res)
			v.emit(wc, res)
			if res.Status == StatusPass {
				passed[cat] = true
			}
		}
		v.log.V(1).Info("boarding category done",
			"server", wc.ServerID, "category", string(cat), "checks", len(results))
	}

	s := report.Summary()
	v.log.Info("boarding validation complete",
		"server", wc.ServerID,
		"overall", string(report.Overall()),
		"passed", s.Passed, "failed", s.Failed, "warnings", s.Warnings, "skipped", s.Skipped)
	return report
}

func unmetPrerequisite(h Handler, passed map[Category]bool) (Category, bool) {
	for _, p := range h.Prerequisites() {
		if !passed[p] {
			return p, true
		}
	}
	return "", false
}

// emit mirrors one result into the context's sub-task stream.
func (v *Validator) emit(wc *workflow.Context, res Result) {
	wc.AddSubTask("Check %s: %s - %s", res.Check, res.Status, res.Message)
}

// pass, fail, warn and skip build results; the coordinator stamps the
// category.
func pass(check, format string, args ...any) Result {
	return Result{Check: check, Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}

func fail(check, remediation, format string, args ...any) Result {
	return Result{Check: check, Status: StatusFail, Message: fmt.Sprintf(format, args...), Remediation: remediation}
}

func warn(check, remediation, format string, args ...any) Result {
	return Result{Check: check, Status: StatusWarning, Message: fmt.Sprintf(format, args...), Remediation: remediation}
}

func skip(check, format string, args ...any) Result {
	return Result{Check: check, Status: StatusSkip, Message: fmt.Sprintf(format, args...)}
}

// sessionOf unwraps the shared session, nil when none is open.
func sessionOf(wc *workflow.Context) hostSession {
	s, ok := wc.Session().(hostSession)
	if !ok {
		return nil
	}
	return s
}
