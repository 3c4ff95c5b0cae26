package provision

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ironhive/ironhive/fleet"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

// waitMargin is reserved from the stage deadline so a timed-out wait
// can still classify itself and persist the failure before the engine
// cuts the step off.
const waitMargin = 15 * time.Second

// waitBudget derives a sub-deadline that expires waitMargin before the
// stage's own deadline.
func waitBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	if time.Until(deadline) > 2*waitMargin {
		return context.WithDeadline(ctx, deadline.Add(-waitMargin))
	}
	return context.WithCancel(ctx)
}

// commission brings the machine to a commissioned state. Three paths:
// already usable machines skip, new machines get a plain commissioning
// pass, everything else is forced through release-and-recommission.
// Every observed status transition lands in the journal and the store.
func (p *Provisioner) commission(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		m, err := p.fleet.Machine(ctx, wc.ServerID)
		if err != nil {
			if errors.Is(err, fleet.ErrMachineNotFound) {
				return workflow.Failure(
					workflow.Permanent(fault.Wrap(fault.Commissioning, err, "machine %s", wc.ServerID)),
					"Machine unknown to fleet controller")
			}
			return workflow.Retry(err, "Fleet controller unreachable")
		}
		wc.AddSubTask("Machine status: %s", m.StatusName)
		p.update(ctx, wc.ServerID, store.FieldCommissioningStatus, string(m.StatusName))

		observe := func(st fleet.Status) {
			wc.AddSubTask("Machine status: %s", st)
			p.update(ctx, wc.ServerID, store.FieldCommissioningStatus, string(st))
		}

		switch m.StatusName {
		case fleet.StatusReady, fleet.StatusDeployed, fleet.StatusCommissioned:
			if ip := p.firstUsableIP(ctx, m); ip != "" {
				wc.AddSubTask("SSH verified at %s", ip)
				return workflow.Skip("Machine already usable (%s), skipping commissioning", m.StatusName)
			}
			wc.AddSubTask("Status %s but SSH unreachable, forcing recommission", m.StatusName)
		}

		waitCtx, cancel := waitBudget(ctx)
		defer cancel()

		switch m.StatusName {
		case fleet.StatusNew:
			if _, err := p.fleet.Commission(ctx, wc.ServerID, true); err != nil {
				return workflow.Retry(
					fault.Wrap(fault.Commissioning, err, "commission %s", wc.ServerID),
					"Commissioning request failed")
			}
			wc.AddSubTask("Commissioning requested (SSH enabled)")
		case fleet.StatusCommissioning, fleet.StatusTesting, fleet.StatusDeploying:
			// A pass is already in flight; join it instead of aborting.
			wc.AddSubTask("Joining in-flight transition (%s)", m.StatusName)
		default:
			if _, err := p.fleet.ForceRecommission(waitCtx, wc.ServerID, observe); err != nil {
				return p.commissionFailure(ctx, wc, err)
			}
			wc.AddSubTask("Recommission requested (SSH enabled)")
		}

		m, err = p.fleet.WaitForStatus(waitCtx, wc.ServerID, observe,
			fleet.StatusReady, fleet.StatusCommissioned)
		if err != nil {
			return p.commissionFailure(ctx, wc, err)
		}

		// The controller flips the status before the ephemeral
		// environment opens SSH; give it a moment.
		ip, err := p.waitForSSH(waitCtx, m)
		if err != nil {
			return p.commissionFailure(ctx, wc, fault.Wrap(fault.Commissioning, err,
				"machine %s commissioned but SSH never opened", wc.ServerID))
		}
		wc.AddSubTask("SSH verified at %s", ip)

		p.update(ctx, wc.ServerID, store.FieldCommissioningStatus, string(m.StatusName))
		return workflow.Success("Commissioning finished (%s)", m.StatusName)
	}
}

// commissionFailure maps a wait error onto the stage contract: budget
// exhaustion is the commissioning timeout and is not retried, a
// cancelled run is passed through, anything else retries under the
// stage's budget.
func (p *Provisioner) commissionFailure(ctx context.Context, wc *workflow.Context, err error) workflow.Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		p.update(ctx, wc.ServerID, store.FieldStatusName, "Error: Commissioning timeout")
		return workflow.Failure(
			workflow.Permanent(fault.New(fault.Commissioning, "Commissioning timeout for %s", wc.ServerID)),
			"Commissioning timed out")
	case errors.Is(err, context.Canceled):
		return workflow.Failure(err, "Commissioning interrupted")
	default:
		return workflow.Retry(
			fault.Wrap(fault.Commissioning, err, "commissioning %s", wc.ServerID),
			"Commissioning failed")
	}
}

// firstUsableIP probes the machine's addresses and returns the first
// that accepts SSH commands, empty when none do.
func (p *Provisioner) firstUsableIP(ctx context.Context, m *fleet.Machine) string {
	for _, ip := range fleet.ExtractIPs(m) {
		cfg := p.ssh
		cfg.Host = ip
		if res := p.probe(ctx, cfg); res.SSHUsable {
			return ip
		}
	}
	return ""
}

// waitForSSH polls the machine's addresses until one accepts SSH.
func (p *Provisioner) waitForSSH(ctx context.Context, m *fleet.Machine) (string, error) {
	op := func() (string, error) {
		if ip := p.firstUsableIP(ctx, m); ip != "" {
			return ip, nil
		}
		return "", fault.New(fault.SSHConnection, "no address of %s accepts SSH", m.SystemID)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.sshPoll)),
		backoff.WithMaxElapsedTime(p.sshWait),
	)
}
