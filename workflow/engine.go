package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/pkg/journal"
)

// Terminal workflow statuses, matching what the store records.
const (
	WorkflowSuccess   = "success"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// ProgressStatus classifies one progress record.
type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// Progress is delivered to the caller's callback on every step
// transition and on each sub-task append.
type Progress struct {
	WorkflowID string         `json:"workflow_id"`
	Step       int            `json:"step"`
	TotalSteps int            `json:"total_steps"`
	StepName   string         `json:"step_name"`
	Status     ProgressStatus `json:"status"`
	SubTask    string         `json:"sub_task,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ProgressFunc receives progress records. The engine calls it inline,
// so callbacks must not block.
type ProgressFunc func(Progress)

// Recorder persists workflow lifecycle and progress. The engine treats
// it as an observer: recording errors are logged and retried at the
// next boundary, never promoted.
type Recorder interface {
	RecordWorkflowStart(ctx context.Context, workflowID, serverID, deviceType string, totalSteps int) error
	UpdateWorkflowProgress(ctx context.Context, workflowID string, stepsCompleted int, metadata string) error
	RecordWorkflowEnd(ctx context.Context, workflowID, status, errMsg string) error
}

// Summary is what Execute hands back to the caller.
type Summary struct {
	WorkflowID     string
	Status         string
	StepsCompleted int
	TotalSteps     int
	TerminalStep   string
	SubTasks       []string
	Errors         []string
	Elapsed        time.Duration
}

// How long a step cleanup may run after the step itself is done or the
// workflow is cancelled.
const cleanupTimeout = 30 * time.Second

// Engine executes an ordered step list against one context.
type Engine struct {
	steps    []Step
	recorder Recorder
	progress ProgressFunc
	log      logr.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder persists lifecycle and progress through r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithProgress delivers progress records to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithLogger sets the engine logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records step and workflow outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an engine over steps.
func New(steps []Step, opts ...Option) *Engine {
	e := &Engine{steps: steps, log: logr.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stepRecord is one entry of the metadata blob persisted with every
// progress update.
type stepRecord struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Message     string `json:"message,omitempty"`
}

type metadataBlob struct {
	Steps     []stepRecord `json:"steps"`
	SubTasks  []string     `json:"sub_tasks,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Execute runs the steps in order against wc and returns a summary. It
// always returns; step failures, panics, timeouts, and cancellation are
// folded into the terminal status.
func (e *Engine) Execute(ctx context.Context, wc *Context) *Summary {
	start := e.now()
	total := len(e.steps)
	log := e.log.WithValues("workflow", wc.WorkflowID, "server", wc.ServerID)

	wc.attachProgress(e.progress, total)

	// Recording must survive cancellation; a cancelled workflow still
	// gets its terminal row.
	recCtx := context.WithoutCancel(ctx)
	if e.recorder != nil {
		if err := e.recorder.RecordWorkflowStart(recCtx, wc.WorkflowID, wc.ServerID, wc.DeviceType(), total); err != nil {
			log.V(1).Info("failed to record workflow start", "error", err.Error())
		}
	}

	// Cancel requests on the context flow into every step through
	// runCtx.
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go func() {
		select {
		case <-wc.Done():
			stop(wc.Cause())
		case <-runCtx.Done():
		}
	}()

	var (
		completed  int
		lastErr    error
		cleanupErr error
		terminal   string
		status     = WorkflowSuccess
	)
	records := make([]stepRecord, 0, total)

	for i := 0; i < total; {
		if cancelled(runCtx, wc) {
			status = WorkflowCancelled
			break
		}

		st := e.steps[i]
		name := st.Name()
		wc.setCursor(i+1, name)
		e.emit(wc, i+1, name, ProgressRunning, "", nil)
		log.Info("running step", "step", name, "position", i+1, "total", total)

		began := e.now()
		res := e.runStep(runCtx, st, wc)
		e.metrics.observeStep(name, res.Status, e.now().Sub(began))

		wc.MergeData(res.Data)
		terminal = name
		records = append(records, stepRecord{
			Name:        name,
			Status:      recordStatus(res.Status),
			StartedAt:   began.UTC().Format(time.RFC3339),
			CompletedAt: e.now().UTC().Format(time.RFC3339),
			Message:     res.Message,
		})

		if res.Status == StatusFailure {
			lastErr = resultError(res)
			wc.AddError(lastErr)
			e.emit(wc, i+1, name, ProgressFailed, "", lastErr)
			log.Info("step failed", "step", name, "error", lastErr.Error(), "continue", res.Continue)
		} else {
			completed++
			e.emit(wc, i+1, name, ProgressCompleted, "", nil)
		}

		cleanupErr = e.runCleanup(runCtx, st, wc, log)
		e.persist(recCtx, wc, completed, records, lastErr, log)

		if cancelled(runCtx, wc) {
			status = WorkflowCancelled
			break
		}
		if res.Status == StatusFailure && !res.Continue {
			status = WorkflowFailed
			break
		}

		next := i + 1
		if res.NextStep != "" {
			if j := e.stepIndex(res.NextStep); j > i {
				log.V(1).Info("jumping forward", "from", name, "to", res.NextStep)
				next = j
			} else {
				log.V(1).Info("ignoring next-step hint", "from", name, "to", res.NextStep)
			}
		}
		i = next
	}

	var errMsg string
	switch status {
	case WorkflowFailed:
		if lastErr != nil {
			errMsg = lastErr.Error()
		}
	case WorkflowCancelled:
		// Not an error, unless cleanup itself broke on the way out.
		if cleanupErr != nil {
			errMsg = cleanupErr.Error()
		}
	}

	e.persist(recCtx, wc, completed, records, lastErr, log)
	if e.recorder != nil {
		if err := e.recorder.RecordWorkflowEnd(recCtx, wc.WorkflowID, status, errMsg); err != nil {
			log.V(1).Info("failed to record workflow end", "error", err.Error())
		}
	}
	e.metrics.observeWorkflow(status)
	log.Info("workflow finished", "status", status, "completed", completed, "total", total, "elapsed", e.now().Sub(start).String())

	return &Summary{
		WorkflowID:     wc.WorkflowID,
		Status:         status,
		StepsCompleted: completed,
		TotalSteps:     total,
		TerminalStep:   terminal,
		SubTasks:       wc.SubTasks(),
		Errors:         summaryErrors(lastErr, wc),
		Elapsed:        e.now().Sub(start),
	}
}

// runStep applies prerequisite, condition, timeout, and retry handling
// around one step body.
func (e *Engine) runStep(ctx context.Context, st Step, wc *Context) Result {
	if p, ok := st.(PrerequisiteChecker); ok {
		if err := p.CheckPrerequisites(wc); err != nil {
			return Result{Status: StatusFailure, Message: "prerequisites not met", Err: err}
		}
	}
	if c, ok := st.(Conditional); ok && !c.ShouldRun(wc) {
		return Skip("conditions not met")
	}

	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	var timeout time.Duration
	if tl, ok := st.(TimeLimited); ok && tl.Timeout() > 0 {
		timeout = tl.Timeout()
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	stepCtx = journal.New(stepCtx)

	policy := RetryPolicy{}
	if rb, ok := st.(RetryBudgeted); ok {
		policy = rb.RetryPolicy()
	}

	// The body runs on its own goroutine so a step that ignores its
	// context cannot wedge the workflow past its deadline.
	done := make(chan Result, 1)
	go func() {
		done <- e.invoke(stepCtx, policy, st, wc)
	}()

	var res Result
	var finished bool
	select {
	case res = <-done:
		finished = true
	case <-stepCtx.Done():
		cause := context.Cause(stepCtx)
		msg := "step interrupted"
		if timeout > 0 && errors.Is(cause, context.DeadlineExceeded) {
			msg = fmt.Sprintf("step timed out after %s", timeout)
		}
		res = Result{Status: StatusFailure, Message: msg, Err: fmt.Errorf("%s: %w", msg, cause)}
	}

	if finished {
		if entries := journal.Entries(stepCtx); len(entries) > 0 {
			e.log.V(1).Info("step journal", "step", st.Name(), "journal", entries)
		}
	}
	return res
}

// invoke runs the body under the retry budget and converts panics into
// failure results.
func (e *Engine) invoke(ctx context.Context, policy RetryPolicy, st Step, wc *Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Status:  StatusFailure,
				Message: fmt.Sprintf("step %s panicked: %v", st.Name(), r),
				Err:     fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return runWithRetry(ctx, policy, func(ctx context.Context) Result {
		return st.Run(ctx, wc)
	})
}

func (e *Engine) runCleanup(ctx context.Context, st Step, wc *Context, log logr.Logger) error {
	cl, ok := st.(Cleaner)
	if !ok {
		return nil
	}
	// Cleanup still runs after cancellation, on a detached context.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := cl.Cleanup(cctx, wc); err != nil {
		log.V(1).Info("step cleanup failed", "step", st.Name(), "error", err.Error())
		return err
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, wc *Context, completed int, records []stepRecord, lastErr error, log logr.Logger) {
	if e.recorder == nil {
		return
	}
	md := metadataBlob{Steps: records, SubTasks: wc.SubTasks()}
	if lastErr != nil {
		md.LastError = lastErr.Error()
	}
	blob, err := json.Marshal(md)
	if err != nil {
		log.V(1).Info("failed to encode progress metadata", "error", err.Error())
		blob = []byte("{}")
	}
	if err := e.recorder.UpdateWorkflowProgress(ctx, wc.WorkflowID, completed, string(blob)); err != nil {
		log.V(1).Info("failed to persist progress, will retry at next boundary", "error", err.Error())
	}
}

func (e *Engine) emit(wc *Context, step int, name string, status ProgressStatus, subTask string, err error) {
	if e.progress == nil {
		return
	}
	rec := Progress{
		WorkflowID: wc.WorkflowID,
		Step:       step,
		TotalSteps: len(e.steps),
		StepName:   name,
		Status:     status,
		SubTask:    subTask,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.progress(rec)
}

func (e *Engine) stepIndex(name string) int {
	for i, st := range e.steps {
		if st.Name() == name {
			return i
		}
	}
	return -1
}

func cancelled(ctx context.Context, wc *Context) bool {
	return wc.Cancelled() || ctx.Err() != nil
}

func recordStatus(s Status) string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failed"
	case StatusSkip:
		return "skipped"
	default:
		return string(s)
	}
}

func summaryErrors(terminalErr error, wc *Context) []string {
	all := wc.ErrorStrings()
	if terminalErr == nil {
		return all
	}
	worst := terminalErr.Error()
	out := []string{worst}
	for _, s := range all {
		if s != worst {
			out = append(out, s)
		}
	}
	return out
}
