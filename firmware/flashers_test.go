package firmware

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ironhive/ironhive/inband"
)

type fakeRunner struct {
	run      func(cmd string) (inband.Result, error)
	cmds     []string
	uploaded map[string]string
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (inband.Result, error) {
	f.cmds = append(f.cmds, cmd)
	return f.run(cmd)
}

func (f *fakeRunner) Upload(_ context.Context, local, remote string) error {
	raw, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	if f.uploaded == nil {
		f.uploaded = map[string]string{}
	}
	f.uploaded[remote] = string(raw)
	return nil
}

func TestSumFlasherApply(t *testing.T) {
	imageDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(imageDir, "bios-39.bin"), []byte("image-bytes"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	host := &fakeRunner{
		run: func(cmd string) (inband.Result, error) {
			if strings.Contains(cmd, "UpdateBios") {
				return inband.Result{Stdout: "Status: The BIOS image is updated completely."}, nil
			}
			return inband.Result{ExitCode: 1, Stderr: "unexpected command"}, nil
		},
	}
	f := &SumFlasher{ImageDir: imageDir}
	item := ComponentState{
		Type:           ComponentBIOS,
		CurrentVersion: "3.6",
		LatestVersion:  "3.9",
		File:           "bios-39.bin",
		UpdateRequired: true,
		RebootRequired: true,
	}

	res, err := f.Apply(context.Background(), Target{Host: host}, item)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.OldVersion != "3.6" || res.NewVersion != "3.9" || !res.RebootRequired {
		t.Errorf("result = %+v", res)
	}
	if got := host.uploaded["/tmp/bios-39.bin"]; got != "image-bytes" {
		t.Errorf("staged image = %q", got)
	}
	want := "/usr/local/bin/sum -c UpdateBios --file /tmp/bios-39.bin"
	if len(host.cmds) != 1 || host.cmds[0] != want {
		t.Errorf("cmds = %v, want [%s]", host.cmds, want)
	}
}

func TestSumFlasherToolFailure(t *testing.T) {
	imageDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(imageDir, "bmc.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	host := &fakeRunner{
		run: func(string) (inband.Result, error) {
			return inband.Result{ExitCode: 60, Stderr: "ExitCode = 60\nfile check failed"}, nil
		},
	}
	f := &SumFlasher{ImageDir: imageDir}
	item := ComponentState{Type: ComponentBMC, LatestVersion: "1.73.06", File: "bmc.bin", UpdateRequired: true}

	_, err := f.Apply(context.Background(), Target{Host: host}, item)
	if err == nil || !strings.Contains(err.Error(), "exit 60") {
		t.Errorf("got %v, want exit 60 detail", err)
	}
}

func TestSumFlasherRejections(t *testing.T) {
	f := &SumFlasher{ImageDir: t.TempDir()}

	tests := map[string]struct {
		target Target
		item   ComponentState
		want   string
	}{
		"no session": {
			target: Target{},
			item:   ComponentState{Type: ComponentBIOS, File: "a.bin"},
			want:   "in-band session",
		},
		"no image file": {
			target: Target{Host: &fakeRunner{run: func(string) (inband.Result, error) { return inband.Result{}, nil }}},
			item:   ComponentState{Type: ComponentBIOS, LatestVersion: "3.9"},
			want:   "no image file",
		},
		"unsupported component": {
			target: Target{Host: &fakeRunner{run: func(string) (inband.Result, error) { return inband.Result{}, nil }}},
			item:   ComponentState{Type: ComponentCPLD, File: "cpld.bin"},
			want:   "cannot flash",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.Apply(context.Background(), tt.target, tt.item)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want %q", err, tt.want)
			}
		})
	}
}

func TestSumFlasherMissingLocalImage(t *testing.T) {
	host := &fakeRunner{run: func(string) (inband.Result, error) { return inband.Result{}, nil }}
	f := &SumFlasher{ImageDir: t.TempDir()}
	item := ComponentState{Type: ComponentBIOS, File: "absent.bin", LatestVersion: "3.9"}

	_, err := f.Apply(context.Background(), Target{Host: host}, item)
	if err == nil {
		t.Error("expected error when the local image is missing")
	}
	if len(host.cmds) != 0 {
		t.Errorf("flash command %v issued without a staged image", host.cmds)
	}
}
