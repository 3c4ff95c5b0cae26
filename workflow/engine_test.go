package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type recordedStart struct {
	workflowID string
	serverID   string
	deviceType string
	totalSteps int
}

type recordedUpdate struct {
	completed int
	metadata  string
}

type recordedEnd struct {
	status string
	errMsg string
}

type fakeRecorder struct {
	mu      sync.Mutex
	err     error
	starts  []recordedStart
	updates []recordedUpdate
	ends    []recordedEnd
}

func (f *fakeRecorder) RecordWorkflowStart(_ context.Context, workflowID, serverID, deviceType string, totalSteps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, recordedStart{workflowID, serverID, deviceType, totalSteps})
	return f.err
}

func (f *fakeRecorder) UpdateWorkflowProgress(_ context.Context, _ string, stepsCompleted int, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, recordedUpdate{stepsCompleted, metadata})
	return f.err
}

func (f *fakeRecorder) RecordWorkflowEnd(_ context.Context, _ string, status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, recordedEnd{status, errMsg})
	return f.err
}

func (f *fakeRecorder) lastUpdate(t *testing.T) recordedUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		t.Fatal("no progress updates recorded")
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeRecorder) lastEnd(t *testing.T) recordedEnd {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ends) == 0 {
		t.Fatal("no workflow end recorded")
	}
	return f.ends[len(f.ends)-1]
}

func namedStep(name string, ran *[]string, opts ...StepOption) Step {
	return NewStep(name, func(_ context.Context, _ *Context) Result {
		*ran = append(*ran, name)
		return Success("%s done", name)
	}, opts...)
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	var ran []string
	steps := []Step{
		namedStep("preflight", &ran),
		namedStep("commissioning", &ran),
		namedStep("finalization", &ran),
	}
	wc := NewContext("", "abc12", "compute-standard")
	sum := New(steps).Execute(context.Background(), wc)

	if diff := cmp.Diff([]string{"preflight", "commissioning", "finalization"}, ran); diff != "" {
		t.Errorf("unexpected step order (-want +got):\n%s", diff)
	}
	want := &Summary{
		WorkflowID:     wc.WorkflowID,
		Status:         WorkflowSuccess,
		StepsCompleted: 3,
		TotalSteps:     3,
		TerminalStep:   "finalization",
	}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Elapsed"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("unexpected summary (-want +got):\n%s", diff)
	}
}

func TestExecuteStopsOnFailure(t *testing.T) {
	var ran []string
	steps := []Step{
		namedStep("preflight", &ran),
		NewStep("commissioning", func(_ context.Context, _ *Context) Result {
			ran = append(ran, "commissioning")
			return Failure(errors.New("fleet controller unreachable"), "commissioning failed")
		}),
		namedStep("finalization", &ran),
	}
	rec := &fakeRecorder{}
	sum := New(steps, WithRecorder(rec)).Execute(context.Background(), NewContext("", "abc12", ""))

	if diff := cmp.Diff([]string{"preflight", "commissioning"}, ran); diff != "" {
		t.Errorf("unexpected steps (-want +got):\n%s", diff)
	}
	if sum.Status != WorkflowFailed {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowFailed)
	}
	if sum.StepsCompleted != 1 {
		t.Errorf("StepsCompleted = %d, want 1", sum.StepsCompleted)
	}
	if sum.TerminalStep != "commissioning" {
		t.Errorf("TerminalStep = %q, want commissioning", sum.TerminalStep)
	}
	if len(sum.Errors) == 0 || sum.Errors[0] != "fleet controller unreachable" {
		t.Errorf("Errors = %v, want the step error first", sum.Errors)
	}

	end := rec.lastEnd(t)
	if end.status != WorkflowFailed || end.errMsg != "fleet controller unreachable" {
		t.Errorf("end record = %+v, want failed with the step error", end)
	}
	var md metadataBlob
	if err := json.Unmarshal([]byte(rec.lastUpdate(t).metadata), &md); err != nil {
		t.Fatalf("metadata does not decode: %v", err)
	}
	if len(md.Steps) != 2 || md.Steps[1].Status != "failed" {
		t.Errorf("metadata steps = %+v, want the second recorded as failed", md.Steps)
	}
	if md.LastError != "fleet controller unreachable" {
		t.Errorf("metadata last_error = %q, want the step error", md.LastError)
	}
}

func TestFailureWithContinueProceeds(t *testing.T) {
	var ran []string
	steps := []Step{
		NewStep("hardware-discovery", func(_ context.Context, _ *Context) Result {
			ran = append(ran, "hardware-discovery")
			return Result{Status: StatusFailure, Message: "sensor probe failed", Continue: true, Err: errors.New("optional sensor missing")}
		}),
		namedStep("finalization", &ran),
	}
	sum := New(steps).Execute(context.Background(), NewContext("", "abc12", ""))

	if diff := cmp.Diff([]string{"hardware-discovery", "finalization"}, ran); diff != "" {
		t.Errorf("unexpected steps (-want +got):\n%s", diff)
	}
	if sum.Status != WorkflowSuccess {
		t.Errorf("Status = %q, want success despite the soft failure", sum.Status)
	}
	if sum.StepsCompleted != 1 {
		t.Errorf("StepsCompleted = %d, want 1, the soft failure does not count", sum.StepsCompleted)
	}
	if diff := cmp.Diff([]string{"optional sensor missing"}, sum.Errors); diff != "" {
		t.Errorf("unexpected errors (-want +got):\n%s", diff)
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := map[string]struct {
		body       func(run int) Result
		attempts   int
		wantRuns   int32
		wantStatus string
	}{
		"retry results consume the budget": {
			body:       func(int) Result { return Retry(errors.New("flaky probe"), "probe failed") },
			attempts:   2,
			wantRuns:   3,
			wantStatus: WorkflowFailed,
		},
		"failures are retried too": {
			body:       func(int) Result { return Failure(errors.New("flaky probe"), "probe failed") },
			attempts:   2,
			wantRuns:   3,
			wantStatus: WorkflowFailed,
		},
		"success within budget stops": {
			body: func(run int) Result {
				if run < 3 {
					return Retry(errors.New("not yet"), "attempt %d", run)
				}
				return Success("took %d attempts", run)
			},
			attempts:   5,
			wantRuns:   3,
			wantStatus: WorkflowSuccess,
		},
		"permanent error stops immediately": {
			body: func(int) Result {
				return Failure(Permanent(errors.New("unsupported platform")), "no tooling")
			},
			attempts:   5,
			wantRuns:   1,
			wantStatus: WorkflowFailed,
		},
		"no budget means one run": {
			body:       func(int) Result { return Retry(errors.New("flaky probe"), "probe failed") },
			attempts:   0,
			wantRuns:   1,
			wantStatus: WorkflowFailed,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var runs atomic.Int32
			st := NewStep("probe", func(context.Context, *Context) Result {
				return tt.body(int(runs.Add(1)))
			}, WithRetryPolicy(RetryPolicy{Attempts: tt.attempts, Delay: time.Millisecond}))

			sum := New([]Step{st}).Execute(context.Background(), NewContext("", "abc12", ""))
			if got := runs.Load(); got != tt.wantRuns {
				t.Errorf("step ran %d times, want %d", got, tt.wantRuns)
			}
			if sum.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", sum.Status, tt.wantStatus)
			}
		})
	}
}

func TestNextStepHints(t *testing.T) {
	tests := map[string]struct {
		hints map[string]string
		want  []string
	}{
		"forward jump skips intermediate steps": {
			hints: map[string]string{"prepare": "finalize"},
			want:  []string{"prepare", "finalize"},
		},
		"backward jump is ignored": {
			hints: map[string]string{"finalize": "prepare"},
			want:  []string{"prepare", "configure", "finalize"},
		},
		"unknown target is ignored": {
			hints: map[string]string{"prepare": "no-such-step"},
			want:  []string{"prepare", "configure", "finalize"},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var ran []string
			mk := func(name string) Step {
				return NewStep(name, func(_ context.Context, _ *Context) Result {
					ran = append(ran, name)
					res := Success("%s done", name)
					res.NextStep = tt.hints[name]
					return res
				})
			}
			steps := []Step{mk("prepare"), mk("configure"), mk("finalize")}

			sum := New(steps).Execute(context.Background(), NewContext("", "abc12", ""))
			if diff := cmp.Diff(tt.want, ran); diff != "" {
				t.Errorf("unexpected steps (-want +got):\n%s", diff)
			}
			if sum.StepsCompleted != len(tt.want) {
				t.Errorf("StepsCompleted = %d, want %d", sum.StepsCompleted, len(tt.want))
			}
		})
	}
}

func TestStepTimeout(t *testing.T) {
	var cleaned bool
	st := NewStep("firmware-update", func(ctx context.Context, _ *Context) Result {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return Success("never seen")
	},
		WithTimeout(50*time.Millisecond),
		WithCleanup(func(context.Context, *Context) error {
			cleaned = true
			return nil
		}),
	)

	start := time.Now()
	sum := New([]Step{st}).Execute(context.Background(), NewContext("", "abc12", ""))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Execute took %s, want a prompt return after the step deadline", elapsed)
	}

	if sum.Status != WorkflowFailed {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowFailed)
	}
	if len(sum.Errors) == 0 || !strings.Contains(sum.Errors[0], "timed out after 50ms") {
		t.Errorf("Errors = %v, want a timeout error", sum.Errors)
	}
	if !cleaned {
		t.Error("cleanup did not run after the timeout")
	}
}

func TestCancelMidStep(t *testing.T) {
	var commissioned, finalized atomic.Bool
	steps := []Step{
		NewStep("commissioning", func(ctx context.Context, _ *Context) Result {
			commissioned.Store(true)
			<-ctx.Done()
			return Failure(ctx.Err(), "interrupted")
		}),
		NewStep("finalization", func(context.Context, *Context) Result {
			finalized.Store(true)
			return Success("done")
		}),
	}
	rec := &fakeRecorder{}
	wc := NewContext("", "abc12", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		wc.Cancel(errors.New("operator stop"))
	}()

	start := time.Now()
	sum := New(steps, WithRecorder(rec)).Execute(context.Background(), wc)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Execute took %s, want prompt cancellation", elapsed)
	}

	if sum.Status != WorkflowCancelled {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowCancelled)
	}
	if !commissioned.Load() {
		t.Error("the in-flight step never started")
	}
	if finalized.Load() {
		t.Error("a later step ran after cancellation")
	}
	end := rec.lastEnd(t)
	if end.status != WorkflowCancelled || end.errMsg != "" {
		t.Errorf("end record = %+v, want cancelled with no error", end)
	}
}

func TestCancelDuringRetryDelay(t *testing.T) {
	var runs atomic.Int32
	st := NewStep("ipmi-configuration", func(context.Context, *Context) Result {
		runs.Add(1)
		return Retry(errors.New("bmc not answering"), "lan probe failed")
	}, WithRetryPolicy(RetryPolicy{Attempts: 5, Delay: time.Minute}))

	wc := NewContext("", "abc12", "")
	go func() {
		time.Sleep(30 * time.Millisecond)
		wc.Cancel(nil)
	}()

	start := time.Now()
	sum := New([]Step{st}).Execute(context.Background(), wc)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Execute took %s, want the retry sleep to end at cancellation", elapsed)
	}
	if sum.Status != WorkflowCancelled {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowCancelled)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("step ran %d times, want 1 before cancellation", got)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	var ran atomic.Bool
	st := NewStep("preflight", func(context.Context, *Context) Result {
		ran.Store(true)
		return Success("done")
	})
	wc := NewContext("", "abc12", "")
	wc.Cancel(errors.New("queue drained"))
	rec := &fakeRecorder{}

	sum := New([]Step{st}, WithRecorder(rec)).Execute(context.Background(), wc)
	if ran.Load() {
		t.Error("step ran on a cancelled workflow")
	}
	if sum.Status != WorkflowCancelled || sum.StepsCompleted != 0 {
		t.Errorf("summary = %q/%d, want cancelled before any step", sum.Status, sum.StepsCompleted)
	}
	if end := rec.lastEnd(t); end.status != WorkflowCancelled {
		t.Errorf("end record = %+v, want cancelled", end)
	}
}

func TestCallerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := NewStep("preflight", func(context.Context, *Context) Result { return Success("done") })
	sum := New([]Step{st}).Execute(ctx, NewContext("", "abc12", ""))
	if sum.Status != WorkflowCancelled {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowCancelled)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	var cleaned, finalized bool
	steps := []Step{
		NewStep("bios-configuration", func(context.Context, *Context) Result {
			panic("nil profile")
		}, WithCleanup(func(context.Context, *Context) error {
			cleaned = true
			return nil
		})),
		NewStep("finalization", func(context.Context, *Context) Result {
			finalized = true
			return Success("done")
		}),
	}
	sum := New(steps).Execute(context.Background(), NewContext("", "abc12", ""))

	if sum.Status != WorkflowFailed {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowFailed)
	}
	if len(sum.Errors) == 0 || !strings.Contains(sum.Errors[0], "panic: nil profile") {
		t.Errorf("Errors = %v, want the recovered panic", sum.Errors)
	}
	if !cleaned {
		t.Error("cleanup did not run after the panic")
	}
	if finalized {
		t.Error("a later step ran after a terminal panic")
	}
}

func TestPrerequisiteGate(t *testing.T) {
	var ran bool
	st := NewStep("bios-configuration", func(context.Context, *Context) Result {
		ran = true
		return Success("done")
	}, WithPrerequisites(func(wc *Context) error {
		if wc.Facts() == nil {
			return errors.New("hardware facts not collected")
		}
		return nil
	}))

	sum := New([]Step{st}).Execute(context.Background(), NewContext("", "abc12", ""))
	if sum.Status != WorkflowFailed {
		t.Errorf("Status = %q, want %q", sum.Status, WorkflowFailed)
	}
	if ran {
		t.Error("step body ran with prerequisites unmet")
	}
	if len(sum.Errors) == 0 || sum.Errors[0] != "hardware facts not collected" {
		t.Errorf("Errors = %v, want the prerequisite error", sum.Errors)
	}
}

func TestConditionSkip(t *testing.T) {
	var ran bool
	rec := &fakeRecorder{}
	steps := []Step{
		NewStep("ipmi-configuration", func(context.Context, *Context) Result {
			ran = true
			return Success("done")
		}, WithCondition(func(*Context) bool { return false })),
		NewStep("finalization", func(context.Context, *Context) Result { return Success("done") }),
	}
	sum := New(steps, WithRecorder(rec)).Execute(context.Background(), NewContext("", "abc12", ""))

	if ran {
		t.Error("step body ran with its condition false")
	}
	if sum.Status != WorkflowSuccess || sum.StepsCompleted != 2 {
		t.Errorf("summary = %q/%d, want success with the skip counted", sum.Status, sum.StepsCompleted)
	}

	var md metadataBlob
	if err := json.Unmarshal([]byte(rec.lastUpdate(t).metadata), &md); err != nil {
		t.Fatalf("metadata does not decode: %v", err)
	}
	if len(md.Steps) != 2 || md.Steps[0].Status != "skipped" {
		t.Errorf("metadata steps = %+v, want the first recorded as skipped", md.Steps)
	}
}

func TestProgressSequence(t *testing.T) {
	var got []Progress
	st := NewStep("hardware-discovery", func(_ context.Context, wc *Context) Result {
		wc.AddSubTask("collected dmi decode")
		return Success("done")
	})
	wc := NewContext("wf-fixed", "abc12", "")
	New([]Step{st}, WithProgress(func(p Progress) { got = append(got, p) })).Execute(context.Background(), wc)

	want := []Progress{
		{WorkflowID: "wf-fixed", Step: 1, TotalSteps: 1, StepName: "hardware-discovery", Status: ProgressRunning},
		{WorkflowID: "wf-fixed", Step: 1, TotalSteps: 1, StepName: "hardware-discovery", Status: ProgressRunning, SubTask: "collected dmi decode"},
		{WorkflowID: "wf-fixed", Step: 1, TotalSteps: 1, StepName: "hardware-discovery", Status: ProgressCompleted},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected progress sequence (-want +got):\n%s", diff)
	}
}

func TestRecorderLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	steps := []Step{
		NewStep("commissioning", func(_ context.Context, wc *Context) Result {
			wc.AddSubTask("machine abc12 reached Ready")
			return Success("commissioned")
		}),
		NewStep("finalization", func(context.Context, *Context) Result { return Success("released") }),
	}
	wc := NewContext("wf-fixed", "abc12", "compute-standard")
	New(steps, WithRecorder(rec)).Execute(context.Background(), wc)

	wantStart := recordedStart{"wf-fixed", "abc12", "compute-standard", 2}
	if len(rec.starts) != 1 || rec.starts[0] != wantStart {
		t.Errorf("start records = %+v, want exactly %+v", rec.starts, wantStart)
	}

	up := rec.lastUpdate(t)
	if up.completed != 2 {
		t.Errorf("last update completed = %d, want 2", up.completed)
	}
	var md metadataBlob
	if err := json.Unmarshal([]byte(up.metadata), &md); err != nil {
		t.Fatalf("metadata does not decode: %v", err)
	}
	if len(md.Steps) != 2 {
		t.Fatalf("metadata has %d steps, want 2", len(md.Steps))
	}
	for _, sr := range md.Steps {
		if sr.Status != "success" {
			t.Errorf("step %s recorded %q, want success", sr.Name, sr.Status)
		}
		if _, err := time.Parse(time.RFC3339, sr.StartedAt); err != nil {
			t.Errorf("step %s started_at %q: %v", sr.Name, sr.StartedAt, err)
		}
	}
	if diff := cmp.Diff([]string{"machine abc12 reached Ready"}, md.SubTasks); diff != "" {
		t.Errorf("unexpected sub-tasks (-want +got):\n%s", diff)
	}

	end := rec.lastEnd(t)
	if end.status != WorkflowSuccess || end.errMsg != "" {
		t.Errorf("end record = %+v, want success with no error", end)
	}
}

func TestRecorderErrorsNotPromoted(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("database is locked")}
	st := NewStep("finalization", func(context.Context, *Context) Result { return Success("done") })

	sum := New([]Step{st}, WithRecorder(rec)).Execute(context.Background(), NewContext("", "abc12", ""))
	if sum.Status != WorkflowSuccess {
		t.Errorf("Status = %q, want success, persistence trouble stays out of band", sum.Status)
	}
	if len(sum.Errors) != 0 {
		t.Errorf("Errors = %v, want none", sum.Errors)
	}
}

func TestSummaryErrorsWorstFirst(t *testing.T) {
	steps := []Step{
		NewStep("hardware-discovery", func(context.Context, *Context) Result {
			return Result{Status: StatusFailure, Message: "probe failed", Continue: true, Err: errors.New("optional sensor missing")}
		}),
		NewStep("bios-configuration", func(context.Context, *Context) Result {
			return Failure(errors.New("bios push rejected"), "push failed")
		}),
	}
	sum := New(steps).Execute(context.Background(), NewContext("", "abc12", ""))

	want := []string{"bios push rejected", "optional sensor missing"}
	if diff := cmp.Diff(want, sum.Errors); diff != "" {
		t.Errorf("unexpected error order (-want +got):\n%s", diff)
	}
}

func TestResultDataMergesIntoContext(t *testing.T) {
	steps := []Step{
		NewStep("hardware-discovery", func(context.Context, *Context) Result {
			res := Success("collected")
			res.Data = map[string]any{"disk_count": 8}
			return res
		}),
		NewStep("finalization", func(_ context.Context, wc *Context) Result {
			n, ok := wc.Value("disk_count")
			if !ok || n != 8 {
				return Failure(errors.New("disk_count not visible"), "missing data")
			}
			return Success("saw %v disks", n)
		}),
	}
	sum := New(steps).Execute(context.Background(), NewContext("", "abc12", ""))
	if sum.Status != WorkflowSuccess {
		t.Errorf("Status = %q, want success, errors %v", sum.Status, sum.Errors)
	}
}
