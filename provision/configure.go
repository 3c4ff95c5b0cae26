package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ironhive/ironhive/bios"
	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/firmware"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

// configureBIOS runs the BIOS engine against the catalog bundle for
// the context's device type. A device type the catalog does not know
// is a skip with a warning: there is nothing to push, and failing
// would block an otherwise healthy machine.
func (p *Provisioner) configureBIOS(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		snap, err := p.catalog.Snapshot()
		if err != nil {
			return workflow.Retry(
				fault.Wrap(fault.BIOSConfiguration, err, "loading catalog"),
				"Catalog unavailable")
		}
		if _, err := snap.DeviceType(wc.DeviceType()); err != nil {
			wc.AddSubTask("Warning: skipping BIOS configuration, device type %q not in catalog", wc.DeviceType())
			return workflow.Skip("Device type %q not in catalog", wc.DeviceType())
		}

		eng := p.bios
		if eng == nil {
			eng = bios.New(p.catalog,
				bios.WithLogger(p.log),
				bios.WithSumConfig(p.sumTool),
				bios.WithRebooter(&hostRebooter{p: p, wc: wc}),
			)
		}

		target := bios.Target{
			ServerID:   wc.ServerID,
			DeviceType: wc.DeviceType(),
			Vendor:     vendorOf(wc),
			BMC:        wc.BMC(),
		}
		if sessionOf(wc) != nil {
			target.Host = func() bios.RemoteHost {
				if s := sessionOf(wc); s != nil {
					return s
				}
				return nil
			}
		}

		outcome, err := eng.Configure(ctx, target)
		if outcome != nil {
			for _, w := range outcome.Warnings {
				wc.AddSubTask("Warning: %s", w)
			}
		}
		if err != nil {
			return workflow.Retry(err, "BIOS configuration failed")
		}

		p.update(ctx, wc.ServerID, store.FieldBIOSConfigApplied, !outcome.Placeholder)
		if outcome.Fingerprint != "" {
			p.update(ctx, wc.ServerID, store.FieldBIOSConfigVersion, outcome.Fingerprint)
		}

		payload := map[string]any{
			keyBIOSChanges: outcome.ChangesApplied,
			keyBIOSDigest:  outcome.Fingerprint,
		}
		switch {
		case outcome.Placeholder:
			return workflow.Result{
				Status:   workflow.StatusSuccess,
				Message:  fmt.Sprintf("BIOS configuration not supported for %s", outcome.Vendor),
				Data:     payload,
				Continue: true,
			}
		case len(outcome.Changes) == 0:
			return workflow.Result{
				Status:   workflow.StatusSuccess,
				Message:  "BIOS settings already compliant",
				Data:     payload,
				Continue: true,
			}
		default:
			return workflow.Result{
				Status:   workflow.StatusSuccess,
				Message:  fmt.Sprintf("Applied %d BIOS changes via %s", len(outcome.Changes), outcome.Method),
				Data:     payload,
				Continue: true,
			}
		}
	}
}

// updateFirmware plans the machine against the catalog and walks the
// batch. A board with no catalog pointers is a skip; an aborted batch
// fails the workflow.
func (p *Provisioner) updateFirmware(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		facts := wc.Facts()
		target := firmware.Target{
			ServerID:    wc.ServerID,
			Vendor:      vendorOf(wc),
			Motherboard: facts.Baseboard.ProductName,
			Facts:       facts,
			BMC:         wc.BMC(),
		}
		if t := wc.BMC(); t != nil {
			target.Controller = p.bmcNew(*t)
		}
		if s := sessionOf(wc); s != nil {
			target.Host = s
		}

		mgr := p.firmware
		if mgr == nil {
			opts := []firmware.Option{firmware.WithLogger(p.log)}
			if req.LiveFirmware {
				opts = append(opts, firmware.WithLive())
			}
			mgr = firmware.New(p.catalog, opts...)
		}

		plan, err := mgr.Plan(ctx, target)
		if err != nil {
			return workflow.Retry(err, "Firmware planning failed")
		}
		if len(plan.Items) == 0 {
			wc.AddSubTask("No firmware catalog entries for %s %s", target.Vendor, target.Motherboard)
			return workflow.Skip("No firmware catalog entries for this board")
		}
		pending := plan.Pending()
		wc.AddSubTask("Firmware plan: %d components, %d pending", len(plan.Items), len(pending))

		report, err := mgr.Execute(ctx, target, plan)
		if report != nil {
			for _, item := range report.Items {
				if item.Message != "" {
					wc.AddSubTask("Firmware %s: %s (%s)", item.Item.Type, item.Status, item.Message)
				} else {
					wc.AddSubTask("Firmware %s: %s", item.Item.Type, item.Status)
				}
			}
			p.update(ctx, wc.ServerID, store.FieldFirmwareVersion, firmwareSummary(plan, report))
		}
		if err != nil {
			return workflow.Failure(err, "Firmware update aborted")
		}

		payload := map[string]any{keyFirmwareMode: report.DryRun}
		msg := fmt.Sprintf("Firmware update finished (%d updated)", report.Updated())
		if report.DryRun {
			msg = fmt.Sprintf("Firmware update simulated (%d pending)", len(pending))
		}
		return workflow.Result{Status: workflow.StatusSuccess, Message: msg, Data: payload, Continue: true}
	}
}

// firmwareSummary renders the component versions the machine ended the
// batch at, in plan order.
func firmwareSummary(plan *firmware.Plan, report *firmware.Report) string {
	versions := make(map[firmware.ComponentType]string, len(plan.Items))
	for _, item := range plan.Items {
		v := item.CurrentVersion
		if v == "" {
			v = "unknown"
		}
		versions[item.Type] = v
	}
	for _, ir := range report.Items {
		if ir.Status == firmware.ItemUpdated && ir.Result != nil {
			versions[ir.Item.Type] = ir.Result.NewVersion
		}
	}
	parts := make([]string, 0, len(plan.Items))
	for _, item := range plan.Items {
		parts = append(parts, fmt.Sprintf("%s=%s", strings.ToLower(string(item.Type)), versions[item.Type]))
	}
	return strings.Join(parts, " ")
}

// hostRebooter brings a host back after a settings push that staged
// changes: power-cycle through the BMC when one is configured, plain
// reboot over SSH otherwise, then re-dial and swap the shared session.
type hostRebooter struct {
	p  *Provisioner
	wc *workflow.Context
}

func (r *hostRebooter) RebootAndWait(ctx context.Context) error {
	sess := sessionOf(r.wc)
	if sess == nil {
		return fault.New(fault.SSHConnection, "no session to reboot through")
	}
	host := sess.Host()

	if t := r.wc.BMC(); t != nil {
		if err := r.p.bmcNew(*t).Power(ctx, bmc.PowerCycle); err != nil {
			return fault.Wrap(fault.IPMIConfiguration, err, "power cycling %s", host)
		}
	} else {
		// The transport drops as the host goes down; that is the point,
		// not an error.
		if _, err := sess.Run(ctx, "reboot"); err != nil {
			r.p.log.V(1).Info("reboot command ended with transport error",
				"host", host, "error", err.Error())
		}
	}
	if err := r.wc.CloseSession(); err != nil {
		r.p.log.V(1).Info("session close failed before reboot wait", "host", host, "error", err.Error())
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.p.rebootSettle):
	}

	cfg := r.p.ssh
	cfg.Host = host
	op := func() (hostSession, error) {
		if res := r.p.probe(ctx, cfg); !res.SSHUsable {
			return nil, fault.New(fault.SSHConnection, "%s not answering yet", host)
		}
		return r.p.dial(ctx, cfg)
	}
	next, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.p.rebootPoll)),
		backoff.WithMaxElapsedTime(r.p.rebootCap),
	)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "waiting for %s after reboot", host)
	}
	r.wc.SetSession(next)
	return nil
}
