package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// Status is the outcome class of one step run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRetry   Status = "retry"
	StatusSkip    Status = "skip"
)

// Result is what a step hands back to the engine. Data is merged into
// the context; Continue softens a failure into a recorded error;
// NextStep names a later step to jump to.
type Result struct {
	Status   Status
	Message  string
	Data     map[string]any
	Continue bool
	NextStep string
	Err      error
}

// Success builds a passing result.
func Success(format string, args ...any) Result {
	return Result{Status: StatusSuccess, Message: fmt.Sprintf(format, args...), Continue: true}
}

// Failure builds a terminal failing result.
func Failure(err error, format string, args ...any) Result {
	return Result{Status: StatusFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// Skip builds a skipped result.
func Skip(format string, args ...any) Result {
	return Result{Status: StatusSkip, Message: fmt.Sprintf(format, args...), Continue: true}
}

// Retry builds a result asking the enclosing retry budget for another
// attempt.
func Retry(err error, format string, args ...any) Result {
	return Result{Status: StatusRetry, Message: fmt.Sprintf(format, args...), Err: err}
}

// RetryPolicy bounds a retryable step. Attempts counts retries after
// the first run, so the body is invoked at most Attempts+1 times.
// Sleeps between attempts are fixed-length and cancellation-aware.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type permanentError struct{ error }

func (p *permanentError) Unwrap() error { return p.error }

// Permanent marks err as not worth retrying: a retryable step stops
// immediately and fails with it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsPermanent reports whether err carries the Permanent mark.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Step is one unit of a workflow. Optional behavior is discovered
// through the PrerequisiteChecker, Conditional, Cleaner, TimeLimited,
// and RetryBudgeted interfaces.
type Step interface {
	Name() string
	Run(ctx context.Context, wc *Context) Result
}

// PrerequisiteChecker gates a step on earlier results; an error is a
// terminal workflow failure.
type PrerequisiteChecker interface {
	CheckPrerequisites(wc *Context) error
}

// Conditional lets a step bow out with a skip result.
type Conditional interface {
	ShouldRun(wc *Context) bool
}

// Cleaner runs after the step on every exit path, including panic,
// timeout, and cancellation. Errors are logged, never promoted.
type Cleaner interface {
	Cleanup(ctx context.Context, wc *Context) error
}

// TimeLimited caps the step's total run, retries included.
type TimeLimited interface {
	Timeout() time.Duration
}

// RetryBudgeted exposes the step's retry policy.
type RetryBudgeted interface {
	RetryPolicy() RetryPolicy
}

// Describer adds a human line for progress output.
type Describer interface {
	Description() string
}

// StepFunc is the body of a step built with NewStep.
type StepFunc func(ctx context.Context, wc *Context) Result

// StepOption configures a step built with NewStep.
type StepOption func(*step)

// WithDescription sets the human description.
func WithDescription(desc string) StepOption {
	return func(s *step) { s.description = desc }
}

// WithTimeout caps the step's total run time.
func WithTimeout(d time.Duration) StepOption {
	return func(s *step) { s.timeout = d }
}

// WithRetryPolicy makes the step retryable.
func WithRetryPolicy(p RetryPolicy) StepOption {
	return func(s *step) { s.retry = p }
}

// WithPrerequisites gates the step on fn.
func WithPrerequisites(fn func(wc *Context) error) StepOption {
	return func(s *step) { s.prereq = fn }
}

// WithCondition makes the step conditional on fn.
func WithCondition(fn func(wc *Context) bool) StepOption {
	return func(s *step) { s.shouldRun = fn }
}

// WithCleanup registers fn to run after the step on every exit path.
func WithCleanup(fn func(ctx context.Context, wc *Context) error) StepOption {
	return func(s *step) { s.cleanup = fn }
}

// NewStep builds a Step from a body function and options. A retry
// policy turns it into a retryable step: bodies returning a retry
// result, or a failure whose error is not marked Permanent, are run
// again under the budget.
func NewStep(name string, run StepFunc, opts ...StepOption) Step {
	s := &step{name: name, run: run}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type step struct {
	name        string
	description string
	timeout     time.Duration
	retry       RetryPolicy
	run         StepFunc
	prereq      func(*Context) error
	shouldRun   func(*Context) bool
	cleanup     func(context.Context, *Context) error
}

func (s *step) Name() string             { return s.name }
func (s *step) Description() string      { return s.description }
func (s *step) Timeout() time.Duration   { return s.timeout }
func (s *step) RetryPolicy() RetryPolicy { return s.retry }

func (s *step) CheckPrerequisites(wc *Context) error {
	if s.prereq == nil {
		return nil
	}
	return s.prereq(wc)
}

func (s *step) ShouldRun(wc *Context) bool {
	if s.shouldRun == nil {
		return true
	}
	return s.shouldRun(wc)
}

func (s *step) Cleanup(ctx context.Context, wc *Context) error {
	if s.cleanup == nil {
		return nil
	}
	return s.cleanup(ctx, wc)
}

func (s *step) Run(ctx context.Context, wc *Context) Result {
	return s.run(ctx, wc)
}

// runWithRetry drives body under policy. Retry results and failures
// whose error is not marked Permanent are run again after the fixed
// delay; sleeps end early on context cancellation. When the budget runs
// out, an internal retry result surfaces as a failure.
func runWithRetry(ctx context.Context, policy RetryPolicy, body func(context.Context) Result) Result {
	if policy.Attempts <= 0 {
		last := body(ctx)
		// A retry result with no budget to spend is a failure.
		if last.Status == StatusRetry {
			if last.Err == nil {
				last.Err = resultError(last)
			}
			last.Status = StatusFailure
		}
		return last
	}

	var last Result
	err := retry.Do(
		func() error {
			last = body(ctx)
			switch last.Status {
			case StatusSuccess, StatusSkip:
				return nil
			case StatusFailure:
				err := resultError(last)
				if last.Continue || IsPermanent(err) {
					return retry.Unrecoverable(err)
				}
				return err
			default: // StatusRetry
				err := resultError(last)
				if IsPermanent(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
		},
		retry.Attempts(uint(policy.Attempts+1)),
		retry.Delay(policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return last
	}

	if last.Status == StatusRetry || last.Status == "" {
		last.Status = StatusFailure
	}
	if last.Err == nil {
		last.Err = err
	}
	return last
}

func resultError(r Result) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Message != "" {
		return errors.New(r.Message)
	}
	return fmt.Errorf("step returned %s", r.Status)
}
