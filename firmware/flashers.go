package firmware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/bmc"
)

// SumFlasher flashes BIOS images through the Supermicro update manager
// already present on the host. It needs the in-band channel and a local
// image directory holding the files the catalog points at.
type SumFlasher struct {
	ToolPath  string // default /usr/local/bin/sum
	ImageDir  string // local directory holding pointer files
	RemoteDir string // scratch dir on the target, default /tmp
	Log       logr.Logger
}

func (f *SumFlasher) Apply(ctx context.Context, t Target, item ComponentState) (*UpdateResult, error) {
	if t.Host == nil {
		return nil, errors.New("vendor tool flash needs an in-band session")
	}
	if item.File == "" {
		return nil, fmt.Errorf("no image file recorded for %s %s", item.Type, item.LatestVersion)
	}
	tool := f.ToolPath
	if tool == "" {
		tool = "/usr/local/bin/sum"
	}
	remoteDir := f.RemoteDir
	if remoteDir == "" {
		remoteDir = "/tmp"
	}

	var subcommand string
	switch item.Type {
	case ComponentBIOS, ComponentUEFI:
		subcommand = "UpdateBios"
	case ComponentBMC:
		subcommand = "UpdateBmc"
	default:
		return nil, fmt.Errorf("vendor tool cannot flash %s", item.Type)
	}

	started := time.Now()
	local := filepath.Join(f.ImageDir, item.File)
	remote := path.Join(remoteDir, path.Base(item.File))
	if err := t.Host.Upload(ctx, local, remote); err != nil {
		return nil, fmt.Errorf("staging %s image: %w", item.Type, err)
	}

	res, err := t.Host.Run(ctx, fmt.Sprintf("%s -c %s --file %s", tool, subcommand, remote))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		if i := strings.IndexByte(detail, '\n'); i >= 0 {
			detail = detail[:i]
		}
		return nil, fmt.Errorf("flashing %s: exit %d: %s", item.Type, res.ExitCode, detail)
	}

	return &UpdateResult{
		OldVersion:     item.CurrentVersion,
		NewVersion:     item.LatestVersion,
		Elapsed:        time.Since(started),
		RebootRequired: item.RebootRequired,
	}, nil
}

// BmclibFlasher pushes BMC images over the controller's own update
// service. The install is initiated and handed to the BMC; completion
// shows up as the controller going away and coming back, which the
// manager's reboot sequence already waits out.
type BmclibFlasher struct {
	Clients  bmc.ClientFunc
	ImageDir string
	Log      logr.Logger
}

func (f *BmclibFlasher) Apply(ctx context.Context, t Target, item ComponentState) (*UpdateResult, error) {
	if t.BMC == nil {
		return nil, errors.New("controller flash needs a BMC target")
	}
	if item.File == "" {
		return nil, fmt.Errorf("no image file recorded for %s %s", item.Type, item.LatestVersion)
	}
	clients := f.Clients
	if clients == nil {
		clients = bmc.NewClientFunc(2 * time.Minute)
	}

	started := time.Now()
	img, err := os.Open(filepath.Join(f.ImageDir, item.File))
	if err != nil {
		return nil, err
	}
	defer img.Close()

	client, err := clients(ctx, f.Log, t.BMC.Addr.String(), t.BMC.User, t.BMC.Pass)
	if err != nil {
		return nil, err
	}
	defer client.Close(ctx)

	taskID, err := client.FirmwareInstall(ctx, strings.ToLower(string(item.Type)), "Immediate", false, img)
	if err != nil {
		return nil, fmt.Errorf("initiating %s install: %w", item.Type, err)
	}
	f.Log.V(1).Info("firmware install initiated", "component", string(item.Type), "task", taskID)

	return &UpdateResult{
		OldVersion:     item.CurrentVersion,
		NewVersion:     item.LatestVersion,
		Elapsed:        time.Since(started),
		RebootRequired: true,
	}, nil
}
