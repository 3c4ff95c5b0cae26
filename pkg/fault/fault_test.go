package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassOf(t *testing.T) {
	tests := map[string]struct {
		err  error
		want Class
	}{
		"classified": {
			err:  New(Commissioning, "timeout for %s", "abc15"),
			want: Commissioning,
		},
		"wrapped classified": {
			err:  fmt.Errorf("stage failed: %w", New(BIOSConfiguration, "verify mismatch")),
			want: BIOSConfiguration,
		},
		"unclassified": {
			err:  errors.New("boom"),
			want: Workflow,
		},
		"double wrapped keeps outermost": {
			err:  Wrap(IPMIConfiguration, New(SSHConnection, "dial"), "user setup"),
			want: IPMIConfiguration,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ClassOf(tt.err)); diff != "" {
				t.Errorf("unexpected class (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsClass(t *testing.T) {
	inner := New(SSHConnection, "dial tcp 10.0.0.5:22")
	outer := Wrap(IPMIConfiguration, inner, "configure user slot 2")

	if !IsClass(outer, IPMIConfiguration) {
		t.Error("expected outer class to match")
	}
	if !IsClass(outer, SSHConnection) {
		t.Error("expected inner class to match through the chain")
	}
	if IsClass(outer, Commissioning) {
		t.Error("unexpected class match")
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(Workflow, nil, "ignored"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestErrorsIs(t *testing.T) {
	err := New(Commissioning, "timeout")
	if !errors.Is(fmt.Errorf("outer: %w", err), &Error{Class: Commissioning}) {
		t.Error("class-only sentinel should match")
	}
	if errors.Is(err, &Error{Class: Commissioning, Msg: "other"}) {
		t.Error("message mismatch should not match")
	}
}
