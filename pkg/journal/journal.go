// Package journal accumulates breadcrumbs on a context so that a failure
// can be logged with the full code path that led to it.
package journal

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Entry is one recorded breadcrumb.
type Entry struct {
	Msg  string         `json:"msg"`
	Args map[string]any `json:"args,omitempty"`
}

type log struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns a context carrying a fresh journal. Logging to a context
// without one is a no-op.
func New(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &log{})
}

// Log appends msg and key-value pairs to the journal, if present.
// Keys must be strings; a trailing unpaired value is stored under "!BADKEY".
func Log(ctx context.Context, msg string, keysAndValues ...any) {
	l, ok := ctx.Value(ctxKey{}).(*log)
	if !ok {
		return
	}
	e := Entry{Msg: msg}
	if len(keysAndValues) > 0 {
		e.Args = make(map[string]any, len(keysAndValues)/2)
		for i := 0; i < len(keysAndValues); i += 2 {
			k, kok := keysAndValues[i].(string)
			if !kok {
				k = "!BADKEY"
			}
			if i+1 < len(keysAndValues) {
				e.Args[k] = keysAndValues[i+1]
			} else {
				e.Args[k] = "!MISSING"
			}
		}
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of everything logged to ctx so far.
func Entries(ctx context.Context) []Entry {
	l, ok := ctx.Value(ctxKey{}).(*log)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
