package bios

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"dario.cat/mergo"
	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/inband"
)

// RemoteHost is the slice of an in-band session the vendor tool path
// needs. *inband.Session implements it.
type RemoteHost interface {
	Run(ctx context.Context, cmd string) (inband.Result, error)
	Upload(ctx context.Context, local, remote string) error
	Download(ctx context.Context, remote, local string) error
}

// HostProvider yields the current session. The adapter asks on every
// call so reboot-aware callers can swap sessions underneath it.
type HostProvider func() RemoteHost

// SumConfig locates the Supermicro settings tool on targets and the
// local archive used to install it when missing.
type SumConfig struct {
	ToolPath   string // default /usr/local/bin/sum
	BundlePath string // local tool archive; empty means never install
	RemoteDir  string // scratch dir on the target, default /tmp
}

func newSumConfig(c SumConfig) SumConfig {
	defaults := SumConfig{ToolPath: "/usr/local/bin/sum", RemoteDir: "/tmp"}
	if err := mergo.Merge(&c, defaults); err != nil {
		panic(fmt.Sprintf("failed to merge sum config: %v", err))
	}
	return c
}

// sumAdapter drives the Supermicro update manager over SSH. Settings
// are dumped to and applied from cfg files in the remote scratch dir.
type sumAdapter struct {
	host HostProvider
	cfg  SumConfig
	log  logr.Logger
}

func newSumAdapter(host HostProvider, cfg SumConfig, log logr.Logger) *sumAdapter {
	return &sumAdapter{host: host, cfg: newSumConfig(cfg), log: log}
}

func (a *sumAdapter) Name() string { return "supermicro-sum" }

// ensureTool probes for the tool and installs it from the bundled
// archive when absent.
func (a *sumAdapter) ensureTool(ctx context.Context) error {
	host := a.host()
	res, err := host.Run(ctx, fmt.Sprintf("test -x %s", a.cfg.ToolPath))
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if a.cfg.BundlePath == "" {
		return fmt.Errorf("%s not present and no tool bundle configured", a.cfg.ToolPath)
	}

	remoteTar := path.Join(a.cfg.RemoteDir, "sum-bundle.tar.gz")
	if err := host.Upload(ctx, a.cfg.BundlePath, remoteTar); err != nil {
		return fmt.Errorf("uploading tool bundle: %w", err)
	}
	install := fmt.Sprintf("tar -xzf %s -C %s && install -m 0755 %s/sum_*/sum %s",
		remoteTar, a.cfg.RemoteDir, a.cfg.RemoteDir, a.cfg.ToolPath)
	res, err = host.Run(ctx, install)
	if err != nil {
		return fmt.Errorf("installing tool: %w", err)
	}
	if res.ExitCode != 0 {
		return sumError("installing tool", res)
	}
	res, err = host.Run(ctx, fmt.Sprintf("%s --version", a.cfg.ToolPath))
	if err != nil {
		return fmt.Errorf("validating tool: %w", err)
	}
	if res.ExitCode != 0 {
		return sumError("validating tool", res)
	}
	a.log.V(1).Info("installed vendor tool", "path", a.cfg.ToolPath)
	return nil
}

func (a *sumAdapter) Pull(ctx context.Context) (Document, error) {
	if err := a.ensureTool(ctx); err != nil {
		return nil, err
	}
	host := a.host()

	remoteCfg := path.Join(a.cfg.RemoteDir, "ironhive-bios-current.cfg")
	res, err := host.Run(ctx, fmt.Sprintf("%s -c GetCurrentBiosCfg --file %s --overwrite", a.cfg.ToolPath, remoteCfg))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, sumError("dumping settings", res)
	}

	local, err := os.CreateTemp("", "ironhive-bios-*.cfg")
	if err != nil {
		return nil, err
	}
	localPath := local.Name()
	local.Close()
	defer os.Remove(localPath)

	if err := host.Download(ctx, remoteCfg, localPath); err != nil {
		return nil, fmt.Errorf("downloading settings dump: %w", err)
	}
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	return ParseDocument(string(raw)), nil
}

func (a *sumAdapter) Push(ctx context.Context, desired Document, _ []Change) (bool, error) {
	if err := a.ensureTool(ctx); err != nil {
		return false, err
	}
	host := a.host()

	local, err := os.CreateTemp("", "ironhive-bios-*.cfg")
	if err != nil {
		return false, err
	}
	localPath := local.Name()
	defer os.Remove(localPath)
	if _, err := local.WriteString(FormatDocument(desired)); err != nil {
		local.Close()
		return false, err
	}
	if err := local.Close(); err != nil {
		return false, err
	}

	remoteCfg := path.Join(a.cfg.RemoteDir, "ironhive-bios-desired.cfg")
	if err := host.Upload(ctx, localPath, remoteCfg); err != nil {
		return false, fmt.Errorf("uploading desired settings: %w", err)
	}
	res, err := host.Run(ctx, fmt.Sprintf("%s -c ChangeBiosCfg --file %s", a.cfg.ToolPath, remoteCfg))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, sumError("applying settings", res)
	}
	// The tool announces when staged changes need a power cycle.
	reboot := strings.Contains(strings.ToLower(res.Stdout), "reboot")
	return reboot, nil
}

func sumError(action string, res inband.Result) error {
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	if i := strings.IndexByte(detail, '\n'); i >= 0 {
		detail = detail[:i]
	}
	if detail == "" {
		return fmt.Errorf("%s: exit %d", action, res.ExitCode)
	}
	return fmt.Errorf("%s: exit %d: %s", action, res.ExitCode, detail)
}
