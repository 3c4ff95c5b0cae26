// Package workflow holds the step framework and the engine that drives
// a provisioning run: an ordered step list executed sequentially against
// a shared mutable context, with progress reporting, persistence, and
// cancellation.
package workflow

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ironhive/ironhive/pkg/data"
)

// NewID mints a workflow identifier.
func NewID() string {
	return "wf-" + ulid.Make().String()
}

// Session is the slice of an open in-band connection that steps share
// through the context.
type Session interface {
	Close() error
}

// Context is the shared mutable envelope passed to every step of one
// workflow. It is owned by exactly one engine for the duration of
// Execute; all mutation is mutex-guarded.
type Context struct {
	WorkflowID string
	ServerID   string

	mu         sync.Mutex
	deviceType string
	values     map[string]any
	subTasks   []string
	errs       []error

	facts   *data.HardwareFacts
	ipmi    *data.IPMISnapshot
	session Session
	bmc     *data.BMCTarget
	gateway netip.Addr

	// Progress plumbing, attached by the engine.
	progress   ProgressFunc
	step       int
	totalSteps int
	stepName   string

	cancelOnce sync.Once
	cancelled  chan struct{}
	cause      error
}

// NewContext builds a context for one workflow run. A fresh workflow id
// is minted when id is empty.
func NewContext(id, serverID, deviceType string) *Context {
	if id == "" {
		id = NewID()
	}
	return &Context{
		WorkflowID: id,
		ServerID:   serverID,
		deviceType: deviceType,
		values:     map[string]any{},
		cancelled:  make(chan struct{}),
	}
}

// DeviceType returns the currently assigned device-type id.
func (c *Context) DeviceType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceType
}

// SetDeviceType reassigns the device-type, typically after hardware
// discovery proposes a better match.
func (c *Context) SetDeviceType(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceType = id
}

// Set stores one key in the generic data map.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Value reads one key from the generic data map.
func (c *Context) Value(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// MergeData copies every entry of m into the data map.
func (c *Context) MergeData(m map[string]any) {
	if len(m) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.values[k] = v
	}
}

// AddSubTask appends a formatted sub-task line and forwards it to the
// progress callback under the step currently running.
func (c *Context) AddSubTask(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.subTasks = append(c.subTasks, msg)
	fn := c.progress
	rec := Progress{
		WorkflowID: c.WorkflowID,
		Step:       c.step,
		TotalSteps: c.totalSteps,
		StepName:   c.stepName,
		Status:     ProgressRunning,
		SubTask:    msg,
	}
	c.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// SubTasks returns a copy of the sub-task lines appended so far.
func (c *Context) SubTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subTasks...)
}

// AddError appends err to the error list. Nil errors are dropped.
func (c *Context) AddError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

// Errors returns a copy of the errors recorded so far.
func (c *Context) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// ErrorStrings renders the recorded errors, deduplicated, in append
// order.
func (c *Context) ErrorStrings() []string {
	errs := c.Errors()
	seen := make(map[string]struct{}, len(errs))
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		s := err.Error()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Cancel requests a stop at the next safe boundary. The first cause
// wins; later calls are no-ops.
func (c *Context) Cancel(cause error) {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.cancelled)
	})
}

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (c *Context) Done() <-chan struct{} { return c.cancelled }

// Cause returns the cancellation cause, if any.
func (c *Context) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// SetFacts stores the discovered hardware snapshot.
func (c *Context) SetFacts(f *data.HardwareFacts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts = f
}

// Facts returns the discovered hardware snapshot, or nil.
func (c *Context) Facts() *data.HardwareFacts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facts
}

// SetIPMI stores the discovered BMC snapshot.
func (c *Context) SetIPMI(s *data.IPMISnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipmi = s
}

// IPMI returns the discovered BMC snapshot, or nil.
func (c *Context) IPMI() *data.IPMISnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipmi
}

// SetSession stores the open in-band session shared between steps.
func (c *Context) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Session returns the open in-band session, or nil.
func (c *Context) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// CloseSession closes and clears the shared session, if any.
func (c *Context) CloseSession() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// SetBMC stores the BMC endpoint steps should talk to.
func (c *Context) SetBMC(t *data.BMCTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bmc = t
}

// BMC returns the BMC endpoint, or nil when none was assigned.
func (c *Context) BMC() *data.BMCTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bmc
}

// SetGateway stores the network gateway used for BMC LAN setup.
func (c *Context) SetGateway(a netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateway = a
}

// Gateway returns the network gateway, zero when unset.
func (c *Context) Gateway() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateway
}

// attachProgress wires the engine's callback and step count in before
// execution starts.
func (c *Context) attachProgress(fn ProgressFunc, totalSteps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = fn
	c.totalSteps = totalSteps
}

// setCursor records which step is running so sub-task forwards carry
// the right position.
func (c *Context) setCursor(step int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
	c.stepName = name
}

// String identifies the context in logs.
func (c *Context) String() string {
	var b strings.Builder
	b.WriteString(c.WorkflowID)
	if c.ServerID != "" {
		b.WriteString("/")
		b.WriteString(c.ServerID)
	}
	return b.String()
}
