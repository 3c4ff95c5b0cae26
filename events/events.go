// Package events publishes workflow progress records to NATS so
// operators can watch provisioning runs without polling the store.
// The workflow engine stays ignorant of it: a Publisher hands out a
// workflow.ProgressFunc and everything else is wiring.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"dario.cat/mergo"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"quamina.net/go/quamina"

	"github.com/ironhive/ironhive/workflow"
)

// Config describes the NATS endpoint and what to publish. Zero fields
// are filled from defaults: subject prefix "ironhive.workflows",
// connection name "ironhive". Patterns are quamina filters applied to
// the JSON form of each progress record; when empty every record is
// published.
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	Patterns      []string
	Log           logr.Logger
}

// NewConfig merges c over the defaults.
func NewConfig(c Config) *Config {
	defaults := Config{
		SubjectPrefix: "ironhive.workflows",
		Name:          "ironhive",
		Log:           logr.Discard(),
	}
	if err := mergo.Merge(&c, defaults); err != nil {
		panic(fmt.Sprintf("failed to merge config: %v", err))
	}
	return &c
}

// Publisher forwards progress records to one NATS connection. Records
// for workflow W go to subject "<prefix>.W".
type Publisher struct {
	conn    *nats.Conn
	publish func(subject string, data []byte) error
	prefix  string
	log     logr.Logger

	mu      sync.Mutex // quamina matchers are not safe for concurrent use
	matcher *quamina.Quamina
}

// Connect dials the NATS server and returns a ready Publisher. The
// connection retries in the background forever, so a server restart
// only costs the records buffered while it was away.
func Connect(c Config) (*Publisher, error) {
	cfg := NewConfig(c)
	p, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect %v: %w", cfg.URL, err)
	}
	p.conn = nc
	p.publish = nc.Publish
	p.log.Info("connected to NATS", "status", nc.Status().String(), "subjectPrefix", p.prefix)

	return p, nil
}

// newPublisher builds everything except the connection, so the filter
// and subject logic is testable without a server.
func newPublisher(cfg *Config) (*Publisher, error) {
	p := &Publisher{
		prefix: cfg.SubjectPrefix,
		log:    cfg.Log,
	}
	if len(cfg.Patterns) > 0 {
		q, _ := quamina.New() // errors are ignored because they can only happen when passing in options.
		for idx, pattern := range cfg.Patterns {
			if err := q.AddPattern(fmt.Sprintf("pattern-%v", idx), pattern); err != nil {
				return nil, fmt.Errorf("events: invalid pattern %q: %w", pattern, err)
			}
		}
		p.matcher = q
	}
	return p, nil
}

// Progress returns the callback to hand to workflow.WithProgress. The
// engine calls it inline, so it never blocks: publishes ride the NATS
// client's buffer and failures are logged and dropped.
func (p *Publisher) Progress() workflow.ProgressFunc {
	return func(rec workflow.Progress) {
		blob, err := json.Marshal(rec)
		if err != nil {
			p.log.V(1).Info("progress record not marshalable", "workflowID", rec.WorkflowID, "error", err.Error())
			return
		}
		if !p.wants(blob) {
			return
		}
		subject := fmt.Sprintf("%v.%v", p.prefix, rec.WorkflowID)
		if err := p.publish(subject, blob); err != nil {
			p.log.V(1).Info("progress publish failed", "subject", subject, "error", err.Error())
		}
	}
}

// wants reports whether the record passes the configured patterns.
// Match errors fail open: a broken filter should not hide a run.
func (p *Publisher) wants(blob []byte) bool {
	if p.matcher == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	matches, err := p.matcher.MatchesForEvent(blob)
	if err != nil {
		p.log.V(1).Info("progress pattern match failed", "error", err.Error())
		return true
	}
	return len(matches) > 0
}

// Close flushes buffered publishes and drops the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Flush()
	p.conn.Close()
}
