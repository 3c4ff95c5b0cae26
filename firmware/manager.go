package firmware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/catalog"
)

// ItemStatus is the per-item outcome of an Execute walk.
type ItemStatus string

const (
	ItemUpdated   ItemStatus = "updated"
	ItemSimulated ItemStatus = "simulated"
	ItemSkipped   ItemStatus = "skipped"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult pairs a plan item with what happened to it.
type ItemResult struct {
	Item    ComponentState `json:"item"`
	Status  ItemStatus     `json:"status"`
	Message string         `json:"message,omitempty"`
	Result  *UpdateResult  `json:"result,omitempty"`
}

// Report is the outcome of one Execute walk.
type Report struct {
	ServerID string        `json:"server_id"`
	DryRun   bool          `json:"dry_run"`
	Items    []ItemResult  `json:"items"`
	Aborted  bool          `json:"aborted,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Updated counts items actually applied or simulated.
func (r *Report) Updated() int {
	n := 0
	for _, item := range r.Items {
		if item.Status == ItemUpdated || item.Status == ItemSimulated {
			n++
		}
	}
	return n
}

// Manager plans firmware updates from the catalog and walks them.
type Manager struct {
	repo         RepositorySource
	handlers     map[ComponentType]Handler
	dryRun       bool
	settle       time.Duration
	pollInterval time.Duration
	readinessCap time.Duration
	log          logr.Logger
}

// Option mutates a Manager during New.
type Option func(*Manager)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithLive enables live flashing. Without it every pending item is
// simulated.
func WithLive() Option {
	return func(m *Manager) { m.dryRun = false }
}

// WithHandler registers the live handler for one component type.
func WithHandler(t ComponentType, h Handler) Option {
	return func(m *Manager) { m.handlers[t] = h }
}

// WithRebootTiming overrides the post-flash reboot waits: the fixed
// settle delay, the readiness poll interval, and the poll cap.
func WithRebootTiming(settle, interval, limit time.Duration) Option {
	return func(m *Manager) {
		m.settle = settle
		m.pollInterval = interval
		m.readinessCap = limit
	}
}

// New builds a Manager reading firmware pointers from repo.
func New(repo RepositorySource, opts ...Option) *Manager {
	m := &Manager{
		repo:         repo,
		handlers:     map[ComponentType]Handler{},
		dryRun:       true,
		settle:       30 * time.Second,
		pollInterval: 10 * time.Second,
		readinessCap: 5 * time.Minute,
		log:          logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DryRun reports whether the manager simulates instead of flashing.
func (m *Manager) DryRun() bool { return m.dryRun }

// Plan measures the target against the catalog's pointers for its
// board. A board with no pointers yields an empty plan, not an error.
// Components whose current version cannot be read are planned but not
// marked for update.
func (m *Manager) Plan(ctx context.Context, t Target) (*Plan, error) {
	plan := &Plan{ServerID: t.ServerID, Vendor: t.Vendor, Motherboard: t.Motherboard}

	pointers := lookupBoard(m.repo.FirmwareRepository(), t.Vendor, t.Motherboard)
	if len(pointers) == 0 {
		m.log.V(1).Info("no firmware pointers for board", "vendor", t.Vendor, "motherboard", t.Motherboard)
		return plan, nil
	}

	for key, ptr := range pointers {
		ct, ok := ParseComponent(key)
		if !ok {
			m.log.Info("skipping unrecognized firmware component", "component", key, "motherboard", t.Motherboard)
			continue
		}
		current, err := m.currentVersion(ctx, t, ct)
		if err != nil {
			m.log.V(1).Info("current version unreadable", "component", string(ct), "error", err.Error())
			current = ""
		}
		item := ComponentState{
			Type:           ct,
			CurrentVersion: current,
			LatestVersion:  ptr.Version,
			File:           ptr.File,
			UpdateRequired: current != "" && current != ptr.Version,
			Priority:       priorityOf(ptr),
			EstimatedTime:  time.Duration(ptr.EstimatedSecs) * time.Second,
			RebootRequired: ptr.RebootRequired,
		}
		plan.Items = append(plan.Items, item)
	}
	sortItems(plan.Items)
	return plan, nil
}

func priorityOf(ptr catalog.FirmwarePointer) Priority {
	if ptr.Priority == "" {
		return PriorityNormal
	}
	return Priority(ptr.Priority)
}

// lookupBoard finds the pointer map for vendor/board, tolerating case
// differences between detected names and catalog keys.
func lookupBoard(repo catalog.FirmwareRepository, vendor, board string) map[string]catalog.FirmwarePointer {
	for vendorKey, boards := range repo {
		if !strings.EqualFold(vendorKey, vendor) {
			continue
		}
		for boardKey, pointers := range boards {
			if strings.EqualFold(boardKey, board) {
				return pointers
			}
		}
	}
	return nil
}

// currentVersion reads what the server is running now: the BMC reports
// its own revision over IPMI, BIOS and UEFI come from the DMI facts.
// NIC, storage, and CPLD versions need vendor helpers this inventory
// pass does not carry.
func (m *Manager) currentVersion(ctx context.Context, t Target, ct ComponentType) (string, error) {
	switch ct {
	case ComponentBMC:
		if t.Controller == nil {
			return "", errors.New("no BMC controller")
		}
		info, err := t.Controller.Info(ctx)
		if err != nil {
			return "", err
		}
		return info.FirmwareRevision, nil
	case ComponentBIOS, ComponentUEFI:
		if t.Facts == nil {
			return "", errors.New("no hardware facts")
		}
		return t.Facts.BIOS.Version, nil
	}
	return "", nil
}

// Execute walks the plan in order. Pending items are simulated in
// dry-run mode or handed to their live handler; a failure at critical
// or high priority aborts the batch, as does a host that never comes
// back from a required reboot. The report covers every item either way.
func (m *Manager) Execute(ctx context.Context, t Target, plan *Plan) (*Report, error) {
	report := &Report{ServerID: t.ServerID, DryRun: m.dryRun}
	started := time.Now()
	defer func() { report.Elapsed = time.Since(started) }()

	var abortErr error
	for i, item := range plan.Items {
		if err := ctx.Err(); err != nil {
			m.skipRemaining(report, plan.Items[i:], "cancelled")
			report.Aborted = true
			return report, err
		}
		if abortErr != nil {
			m.skipRemaining(report, plan.Items[i:], "batch aborted")
			break
		}
		if !item.UpdateRequired {
			msg := fmt.Sprintf("already at %s", item.LatestVersion)
			if item.CurrentVersion == "" {
				msg = "current version unknown"
			}
			report.Items = append(report.Items, ItemResult{Item: item, Status: ItemSkipped, Message: msg})
			continue
		}

		log := m.log.WithValues("server", t.ServerID, "component", string(item.Type),
			"from", item.CurrentVersion, "to", item.LatestVersion)

		if m.dryRun {
			log.Info("dry run, simulating update")
			report.Items = append(report.Items, ItemResult{
				Item:   item,
				Status: ItemSimulated,
				Result: &UpdateResult{
					OldVersion:     item.CurrentVersion,
					NewVersion:     item.LatestVersion,
					RebootRequired: item.RebootRequired,
					Simulated:      true,
				},
			})
			continue
		}

		res, err := m.applyLive(ctx, t, item)
		if err != nil {
			log.Error(err, "update failed")
			report.Items = append(report.Items, ItemResult{Item: item, Status: ItemFailed, Message: err.Error()})
			if item.Priority.Aborts() {
				report.Aborted = true
				abortErr = fmt.Errorf("%s update failed at %s priority: %w", item.Type, item.Priority, err)
			}
			continue
		}
		report.Items = append(report.Items, ItemResult{Item: item, Status: ItemUpdated, Result: res})
		log.Info("update applied", "elapsed", res.Elapsed.String())

		if item.RebootRequired || res.RebootRequired {
			if err := m.rebootSequence(ctx, t.Controller); err != nil {
				report.Aborted = true
				return report, fmt.Errorf("reboot after %s update: %w", item.Type, err)
			}
		}
	}
	return report, abortErr
}

func (m *Manager) skipRemaining(report *Report, items []ComponentState, reason string) {
	for _, item := range items {
		if !item.UpdateRequired {
			msg := fmt.Sprintf("already at %s", item.LatestVersion)
			if item.CurrentVersion == "" {
				msg = "current version unknown"
			}
			report.Items = append(report.Items, ItemResult{Item: item, Status: ItemSkipped, Message: msg})
			continue
		}
		report.Items = append(report.Items, ItemResult{Item: item, Status: ItemSkipped, Message: reason})
	}
}

func (m *Manager) applyLive(ctx context.Context, t Target, item ComponentState) (*UpdateResult, error) {
	handler, ok := m.handlers[item.Type]
	if !ok {
		return nil, fmt.Errorf("no live handler for %s", item.Type)
	}
	return handler.Apply(ctx, t, item)
}

// rebootSequence power-cycles the host and waits for it to answer
// again: a fixed settle delay, then a readiness poll against the BMC
// under the configured cap. Cancellation cuts both waits short.
func (m *Manager) rebootSequence(ctx context.Context, ctrl Controller) error {
	if ctrl == nil {
		return errors.New("reboot required but no BMC controller wired")
	}
	if err := ctrl.Power(ctx, bmc.PowerCycle); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settle):
	}

	op := func() (string, error) {
		state, err := ctrl.PowerState(ctx)
		if err != nil {
			return "", err
		}
		if state != "on" {
			return "", fmt.Errorf("power state %q", state)
		}
		return state, nil
	}
	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.pollInterval)),
		backoff.WithMaxElapsedTime(m.readinessCap),
	); err != nil {
		return fmt.Errorf("host not ready after reboot: %w", err)
	}
	return nil
}
