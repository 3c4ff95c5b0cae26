package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/discover"
	"github.com/ironhive/ironhive/fleet"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

// preflight validates the request, ensures the server row exists, and
// checks the device type against the catalog. Catalog and store
// trouble degrade to warnings; only an invalid request stops the run
// before it touches the machine.
func (p *Provisioner) preflight(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		if err := p.validate.Struct(req); err != nil {
			return workflow.Failure(
				workflow.Permanent(fault.Wrap(fault.ConfigValidation, err, "invalid request")),
				"Request validation failed")
		}
		if req.TargetBMCAddr.IsValid() && !req.Gateway.IsValid() {
			return workflow.Failure(
				workflow.Permanent(fault.New(fault.ConfigValidation,
					"target BMC address %s set without a gateway", req.TargetBMCAddr)),
				"Request validation failed")
		}
		// The in-band fallback quotes the password for the remote shell.
		if strings.ContainsRune(p.bmcPass, '\'') {
			return workflow.Failure(
				workflow.Permanent(fault.New(fault.ConfigValidation,
					"BMC password must not contain single quotes")),
				"Request validation failed")
		}

		if err := p.store.EnsureServer(ctx, wc.ServerID); err != nil {
			wc.AddSubTask("Warning: server record unavailable: %v", err)
		} else {
			p.update(ctx, wc.ServerID, store.FieldStatusName, "Provisioning started")
		}

		if snap, err := p.catalog.Snapshot(); err != nil {
			wc.AddSubTask("Warning: catalog unavailable: %v", err)
		} else if _, err := snap.DeviceType(wc.DeviceType()); err != nil {
			wc.AddSubTask("Warning: device type %q not in catalog; BIOS configuration will be skipped", wc.DeviceType())
		}

		return workflow.Success("Preflight passed for %s (%s)", wc.ServerID, wc.DeviceType())
	}
}

// networkSetup probes the addresses the controller reports, opens the
// shared SSH session on the first one that answers, and records the
// working address. No usable address is retryable: machines keep
// acquiring leases for a while after commissioning finishes.
func (p *Provisioner) networkSetup(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		m, err := p.fleet.Machine(ctx, wc.ServerID)
		if err != nil {
			return workflow.Retry(err, "Fleet controller lookup failed")
		}
		ips := fleet.ExtractIPs(m)
		if len(ips) == 0 {
			return workflow.Retry(
				fault.New(fault.SSHConnection, "controller reports no addresses for %s", wc.ServerID),
				"No addresses to probe")
		}

		for _, ip := range ips {
			cfg := p.ssh
			cfg.Host = ip
			res := p.probe(ctx, cfg)
			if !res.SSHUsable {
				p.log.V(1).Info("address probe failed",
					"server", wc.ServerID, "addr", ip, "tcp", res.TCPReachable)
				continue
			}
			sess, err := p.dial(ctx, cfg)
			if err != nil {
				wc.AddSubTask("SSH dial to %s failed: %v", ip, err)
				continue
			}
			wc.SetSession(sess)
			wc.AddSubTask("SSH session established to %s", ip)
			p.update(ctx, wc.ServerID, store.FieldIPAddress, ip)
			p.update(ctx, wc.ServerID, store.FieldIPAddressWorks, true)
			p.update(ctx, wc.ServerID, store.FieldSSHAccessible, true)
			return workflow.Result{
				Status:   workflow.StatusSuccess,
				Message:  fmt.Sprintf("Connected to %s", ip),
				Data:     map[string]any{keyIP: ip},
				Continue: true,
			}
		}
		return workflow.Retry(
			fault.New(fault.SSHConnection, "none of %d addresses accept SSH", len(ips)),
			"No SSH-reachable address")
	}
}

// discoverHardware gathers facts over the session, detects the vendor,
// and scores the machine against the catalog. An unknown requested
// device type is reassigned when classification is confident; a known
// one is never overridden, the operator picked it.
func (p *Provisioner) discoverHardware(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		sess := sessionOf(wc)
		if sess == nil {
			return workflow.Failure(
				fault.New(fault.SSHConnection, "no in-band session"),
				"Hardware discovery needs SSH")
		}

		facts, err := inband.GatherFacts(ctx, sess)
		if err != nil {
			return workflow.Retry(err, "Fact gathering failed")
		}
		if tools, err := inband.DetectTools(ctx, sess); err == nil {
			facts.Tools = tools
		}
		wc.SetFacts(facts)

		det, err := discover.DetectVendor(ctx, facts)
		if err != nil {
			return workflow.Retry(err, "Vendor detection failed")
		}
		wc.AddSubTask("Detected vendor %s (confidence %.2f, methods %s)",
			det.Vendor, det.Confidence, strings.Join(det.Methods, "+"))

		if snap, err := p.catalog.Snapshot(); err == nil {
			p.reconcileDeviceType(ctx, wc, snap, facts)
		}

		p.update(ctx, wc.ServerID, store.FieldCPUModel, facts.CPUModel)
		p.update(ctx, wc.ServerID, store.FieldMemoryGB, facts.MemoryGB)
		if model := strings.TrimSpace(facts.System.Manufacturer + " " + facts.System.ProductName); model != "" {
			p.update(ctx, wc.ServerID, store.FieldServerModel, model)
		}
		if blob, err := json.Marshal(facts.Disks); err == nil {
			p.update(ctx, wc.ServerID, store.FieldStorageInfo, string(blob))
		}
		if blob, err := json.Marshal(facts.NICs); err == nil {
			p.update(ctx, wc.ServerID, store.FieldNetworkInterfaces, string(blob))
		}

		return workflow.Result{
			Status: workflow.StatusSuccess,
			Message: fmt.Sprintf("Discovered %s %s (%d cores, %d GB)",
				det.Vendor, facts.System.ProductName, facts.CPUCores, facts.MemoryGB),
			Data:     map[string]any{keyVendor: det.Vendor, keyVendorScore: det.Confidence},
			Continue: true,
		}
	}
}

// reassignThreshold is the classification confidence needed before an
// unknown device type is swapped for the classifier's proposal.
const reassignThreshold = 0.5

func (p *Provisioner) reconcileDeviceType(ctx context.Context, wc *workflow.Context, snap *catalog.Snapshot, facts *data.HardwareFacts) {
	cls := discover.Classify(facts, snap)
	if cls.Proposed == nil {
		return
	}
	proposed := cls.Proposed.DeviceType.ID
	if proposed == wc.DeviceType() {
		return
	}

	_, err := snap.DeviceType(wc.DeviceType())
	if err == nil {
		// Operator's choice is known to the catalog, leave it alone.
		wc.AddSubTask("Classifier would prefer device type %q (confidence %.2f)",
			proposed, cls.Proposed.Confidence)
		return
	}
	if cls.Proposed.Confidence < reassignThreshold {
		wc.AddSubTask("Device type %q unknown; best classifier match %q below threshold (%.2f)",
			wc.DeviceType(), proposed, cls.Proposed.Confidence)
		return
	}
	wc.AddSubTask("Device type %q unknown; reassigned to %q (confidence %.2f)",
		wc.DeviceType(), proposed, cls.Proposed.Confidence)
	wc.SetDeviceType(proposed)
	p.update(ctx, wc.ServerID, store.FieldDeviceType, proposed)
}

// finalize tags the machine complete in the controller, optionally
// starts a deployment, and stamps the terminal record. Store failures
// cannot fail this stage; by now the hardware work is done.
func (p *Provisioner) finalize(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		if err := p.fleet.MarkReady(ctx, wc.ServerID); err != nil {
			return workflow.Retry(err, "Fleet controller rejected completion")
		}
		wc.AddSubTask("Machine tagged complete in fleet controller")

		if req.DistroSeries != "" {
			if _, err := p.fleet.Deploy(ctx, wc.ServerID, req.DistroSeries); err != nil {
				wc.AddSubTask("Warning: deployment of %s not started: %v", req.DistroSeries, err)
			} else {
				wc.AddSubTask("Deployment started (%s)", req.DistroSeries)
				p.update(ctx, wc.ServerID, store.FieldDeploymentStatus, "Deploying")
				p.update(ctx, wc.ServerID, store.FieldProvisioningTarget, req.DistroSeries)
			}
		}

		p.update(ctx, wc.ServerID, store.FieldStatusName, "Provisioning Complete")
		p.update(ctx, wc.ServerID, store.FieldIsReady, true)
		p.update(ctx, wc.ServerID, store.FieldLastSeen, time.Now().UTC())
		return workflow.Success("Provisioning complete for %s", wc.ServerID)
	}
}
