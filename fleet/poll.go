package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// Observer receives each status transition seen while polling. Callers
// typically forward these to the workflow context as sub-tasks.
type Observer func(status Status)

// WaitForStatus polls the machine until its status is one of targets.
// The poll runs on the configured interval under the configured cap;
// it is cancellation-aware. Entering a failed state that is not a
// target ends the wait immediately.
func (c *Client) WaitForStatus(ctx context.Context, systemID string, observe Observer, targets ...Status) (*Machine, error) {
	if len(targets) == 0 {
		return nil, errors.New("fleet: wait requires at least one target status")
	}
	want := make(map[Status]struct{}, len(targets))
	for _, t := range targets {
		want[t] = struct{}{}
	}

	var last Status
	op := func() (*Machine, error) {
		m, err := c.Machine(ctx, systemID)
		if err != nil {
			if errors.Is(err, ErrMachineNotFound) {
				return nil, backoff.Permanent(err)
			}
			// Transport hiccups ride the next poll tick.
			return nil, err
		}
		if m.StatusName != last {
			last = m.StatusName
			c.log.V(1).Info("machine status", "machine", systemID, "status", string(m.StatusName))
			if observe != nil {
				observe(m.StatusName)
			}
		}
		if _, ok := want[m.StatusName]; ok {
			return m, nil
		}
		if m.StatusName.IsFailed() {
			return nil, backoff.Permanent(fmt.Errorf("machine %s entered %q", systemID, m.StatusName))
		}
		return nil, fmt.Errorf("machine %s is %q", systemID, m.StatusName)
	}

	m, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(c.cfg.PollCap),
	)
	if err != nil {
		return nil, fmt.Errorf("fleet: waiting on %s for %v: %w", systemID, statusNames(targets), err)
	}
	return m, nil
}

func statusNames(targets []Status) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = string(t)
	}
	return out
}

// ForceRecommission reconciles whatever state the machine is in and
// issues a fresh commissioning pass with SSH enabled: deployed or
// allocated machines are released first (waiting for the release to
// settle), mid-transition machines are aborted, failed machines get a
// best-effort abort. The caller waits for the commissioning outcome.
func (c *Client) ForceRecommission(ctx context.Context, systemID string, observe Observer) (*Machine, error) {
	m, err := c.Machine(ctx, systemID)
	if err != nil {
		return nil, err
	}

	switch {
	case m.StatusName == StatusDeployed || m.StatusName == StatusAllocated:
		c.log.V(1).Info("releasing before recommission", "machine", systemID, "status", string(m.StatusName))
		if _, err := c.Release(ctx, systemID); err != nil {
			return nil, err
		}
		if _, err := c.WaitForStatus(ctx, systemID, observe, StatusReady, StatusNew); err != nil {
			return nil, err
		}
	case !m.StatusName.IsTerminal():
		c.log.V(1).Info("aborting in-flight operation before recommission", "machine", systemID, "status", string(m.StatusName))
		if _, err := c.Abort(ctx, systemID); err != nil {
			return nil, err
		}
		if _, err := c.WaitForStatus(ctx, systemID, observe,
			StatusNew, StatusReady, StatusFailedCommissioning, StatusFailedTesting, StatusFailedDeployment, StatusBroken); err != nil {
			return nil, err
		}
	case m.StatusName.IsFailed():
		// The controller rejects aborts on settled failures; tolerate that
		// and recommission anyway.
		if _, err := c.Abort(ctx, systemID); err != nil {
			c.log.V(1).Info("abort rejected on failed machine, recommissioning directly",
				"machine", systemID, "status", string(m.StatusName), "error", err.Error())
		}
	}

	return c.Commission(ctx, systemID, true)
}
