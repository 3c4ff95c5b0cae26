package inband

import (
	"context"
	"fmt"
	"strings"
)

// InstallPackages installs pkgs with whichever of apt-get or yum the
// target carries.
func InstallPackages(ctx context.Context, r Runner, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	installer, err := detectInstaller(ctx, r)
	if err != nil {
		return err
	}
	res, err := r.Run(ctx, installer+" "+strings.Join(pkgs, " "))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install %s: exit %d: %s", strings.Join(pkgs, " "), res.ExitCode, firstLine(res.Stderr))
	}
	return nil
}

func detectInstaller(ctx context.Context, r Runner) (string, error) {
	res, err := r.Run(ctx, "command -v apt-get")
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return "DEBIAN_FRONTEND=noninteractive apt-get install -y -q", nil
	}
	if res, err = r.Run(ctx, "command -v yum"); err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return "yum install -y -q", nil
	}
	return "", fmt.Errorf("no supported package manager on target")
}

// ServiceStatus returns the systemd activation state of unit, e.g.
// "active", "inactive", "failed". is-active exits non-zero for anything
// but active; the printed state is still authoritative.
func ServiceStatus(ctx context.Context, r Runner, unit string) (string, error) {
	res, err := r.Run(ctx, "systemctl is-active "+unit)
	if err != nil {
		return "", err
	}
	state := strings.TrimSpace(res.Stdout)
	if state == "" {
		return "", fmt.Errorf("service status %s: empty reply (exit %d)", unit, res.ExitCode)
	}
	return state, nil
}
