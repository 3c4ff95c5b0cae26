package provision

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ironhive/ironhive/fleet"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

func TestCommissionSkipsUsableMachine(t *testing.T) {
	env := newTestEnv(t)
	env.fleet.machine.StatusName = fleet.StatusReady
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

	res := env.p.commission(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSkip {
		t.Fatalf("status = %q (%s), want skip", res.Status, res.Message)
	}
	if env.fleet.forces != 0 || len(env.fleet.commissions) != 0 {
		t.Errorf("controller touched: forces=%d commissions=%v", env.fleet.forces, env.fleet.commissions)
	}
	if env.fleet.observedWaits != 0 {
		t.Errorf("waited on status %d times for a usable machine", env.fleet.observedWaits)
	}
}

func TestCommissionForcesReadyMachineWithoutSSH(t *testing.T) {
	env := newTestEnv(t)
	env.fleet.machine.StatusName = fleet.StatusReady
	var probes atomic.Int32
	env.p.probe = func(context.Context, inband.Config) inband.ProbeResult {
		// First probe is the usability check, which must fail to force
		// the recommission; later probes see the reinstalled host.
		if probes.Add(1) == 1 {
			return inband.ProbeResult{}
		}
		return inband.ProbeResult{TCPReachable: true, SSHUsable: true}
	}
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

	res := env.p.commission(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if env.fleet.forces != 1 {
		t.Errorf("forces = %d, want 1", env.fleet.forces)
	}
	if len(env.fleet.commissions) != 0 {
		t.Errorf("commissions = %v, want none for a Ready machine", env.fleet.commissions)
	}
	if !hasSubTask(wc, "forcing recommission") {
		t.Errorf("sub-tasks %v missing force note", wc.SubTasks())
	}
}

func TestCommissionNewMachine(t *testing.T) {
	env := newTestEnv(t)
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

	res := env.p.commission(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if got := env.fleet.commissions; len(got) != 1 || !got[0] {
		t.Errorf("commissions = %v, want one request with SSH enabled", got)
	}
	if env.fleet.forces != 0 {
		t.Errorf("forces = %d, a new machine must not be released first", env.fleet.forces)
	}
	// Ready is the last transition the fake hands back.
	if got := env.store.field(store.FieldCommissioningStatus); got != "Ready" {
		t.Errorf("commissioning_status = %v, want Ready", got)
	}
}

func TestCommissionJoinsInFlightPass(t *testing.T) {
	env := newTestEnv(t)
	env.fleet.machine.StatusName = fleet.StatusCommissioning
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

	res := env.p.commission(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if len(env.fleet.commissions) != 0 || env.fleet.forces != 0 {
		t.Errorf("controller touched for an in-flight pass: commissions=%v forces=%d",
			env.fleet.commissions, env.fleet.forces)
	}
	if !hasSubTask(wc, "Joining in-flight transition (Commissioning)") {
		t.Errorf("sub-tasks %v missing join note", wc.SubTasks())
	}
}

func TestCommissionMachineNotFoundIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	env.fleet.machineErr = fmt.Errorf("machine abc12: %w", fleet.ErrMachineNotFound)
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

	res := env.p.commission(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusFailure {
		t.Fatalf("status = %q (%s), want failure", res.Status, res.Message)
	}
	if !workflow.IsPermanent(res.Err) {
		t.Errorf("error = %v, want permanent", res.Err)
	}
}

func TestCommissionFailureClassification(t *testing.T) {
	tests := map[string]struct {
		err        error
		wantStatus workflow.Status
		wantPerm   bool
		wantBanner bool
	}{
		"deadline exceeded": {
			err:        fmt.Errorf("fleet: waiting on abc12: %w", context.DeadlineExceeded),
			wantStatus: workflow.StatusFailure,
			wantPerm:   true,
			wantBanner: true,
		},
		"cancelled": {
			err:        fmt.Errorf("fleet: waiting on abc12: %w", context.Canceled),
			wantStatus: workflow.StatusFailure,
		},
		"controller hiccup": {
			err:        fmt.Errorf("fleet: 502 from controller"),
			wantStatus: workflow.StatusRetry,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

			res := env.p.commissionFailure(context.Background(), wc, tt.err)

			if res.Status != tt.wantStatus {
				t.Fatalf("status = %q (%s), want %q", res.Status, res.Message, tt.wantStatus)
			}
			if got := workflow.IsPermanent(res.Err); got != tt.wantPerm {
				t.Errorf("permanent = %v, want %v", got, tt.wantPerm)
			}
			banner := env.store.field(store.FieldStatusName)
			if tt.wantBanner && banner != "Error: Commissioning timeout" {
				t.Errorf("status_name = %v, want timeout banner", banner)
			}
			if !tt.wantBanner && banner != nil {
				t.Errorf("status_name = %v, want untouched", banner)
			}
		})
	}
}

func TestWaitBudgetTrimsDeadline(t *testing.T) {
	base, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Hour))
	defer cancel()

	sub, subCancel := waitBudget(base)
	defer subCancel()

	baseDeadline, _ := base.Deadline()
	subDeadline, ok := sub.Deadline()
	if !ok {
		t.Fatal("derived context has no deadline")
	}
	if got := baseDeadline.Sub(subDeadline); got != waitMargin {
		t.Errorf("margin = %s, want %s", got, waitMargin)
	}
}

func TestWaitBudgetLeavesShortDeadlines(t *testing.T) {
	base, cancel := context.WithDeadline(context.Background(), time.Now().Add(waitMargin))
	defer cancel()

	sub, subCancel := waitBudget(base)
	defer subCancel()

	baseDeadline, _ := base.Deadline()
	subDeadline, ok := sub.Deadline()
	if !ok {
		t.Fatal("derived context has no deadline")
	}
	if !subDeadline.Equal(baseDeadline) {
		t.Errorf("deadline moved from %s to %s; too little budget to trim", baseDeadline, subDeadline)
	}
}
