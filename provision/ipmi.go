package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/discover"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

// configureIPMI brings the BMC onto the requested address with the
// operator account and vendor hardening applied. Reaching the BMC has
// two routes: straight over the network when the address answers, or
// through the host's own ipmitool over the open SSH session when it
// does not. A readable power state and a LAN read-back showing the
// requested address are the stage's required post-conditions.
func (p *Provisioner) configureIPMI(req Request) workflow.StepFunc {
	return func(ctx context.Context, wc *workflow.Context) workflow.Result {
		if !req.TargetBMCAddr.IsValid() {
			return workflow.Skip("No target BMC address provided; skipping IPMI configuration")
		}

		client, cred, err := p.reachBMC(ctx, wc, req)
		if err != nil {
			if errors.Is(err, bmc.ErrAuth) {
				return workflow.Failure(
					workflow.Permanent(err),
					"No credentials accepted by BMC at %s", req.TargetBMCAddr)
			}
			return workflow.Retry(err, "BMC unreachable at %s", req.TargetBMCAddr)
		}

		vendor, info, err := client.DetectVendor(ctx)
		if err != nil {
			return workflow.Retry(err, "BMC identification failed")
		}
		wc.AddSubTask("BMC vendor: %s (firmware %s)", vendor, info.FirmwareRevision)

		userSlot := 0
		if p.bmcUser != "" && p.bmcPass != "" && (cred.User != p.bmcUser || cred.Pass != p.bmcPass) {
			if err := client.EnsureUser(ctx, bmcUserSlot, p.bmcUser, p.bmcPass); err != nil {
				return workflow.Retry(err, "BMC operator account provisioning failed")
			}
			wc.AddSubTask("Operator account written to slot %d", bmcUserSlot)
			userSlot = bmcUserSlot

			client = p.bmcNew(data.BMCTarget{Addr: req.TargetBMCAddr, User: p.bmcUser, Pass: p.bmcPass})
			if _, err := client.Info(ctx); err != nil {
				return workflow.Retry(
					fault.Wrap(fault.IPMIConfiguration, err, "verifying operator account on %s", req.TargetBMCAddr),
					"BMC rejected the freshly written operator account")
			}
			cred = discover.Credential{User: p.bmcUser, Pass: p.bmcPass}
		}

		kcs, hostIface := "Unknown", "Unknown"
		hardening, err := client.ApplyVendorHardening(ctx, vendor)
		switch {
		case errors.Is(err, bmc.ErrManualConfig):
			wc.AddSubTask("Warning: %s BMC has no scripted hardening; manual configuration required", vendor)
			kcs, hostIface = "Manual configuration required", "Manual configuration required"
		case err != nil:
			return workflow.Retry(err, "Vendor hardening failed")
		default:
			for _, a := range hardening.Applied {
				wc.AddSubTask("Hardening applied: %s", a)
			}
			for _, m := range hardening.Manual {
				wc.AddSubTask("Manual follow-up: %s", m)
			}
			kcs = kcsStatus(hardening)
			hostIface = hostInterfaceStatus(hardening)
		}

		// A configured BMC that cannot answer a power query is not
		// configured; this read is the stage's post-condition.
		state, err := client.PowerState(ctx)
		if err != nil {
			return workflow.Retry(err, "BMC power state unreadable")
		}
		wc.AddSubTask("Chassis power is %s", state)

		lan, err := client.LANConfig(ctx)
		if err != nil {
			return workflow.Retry(err, "BMC LAN read-back failed")
		}
		if lan.Addr != req.TargetBMCAddr.String() {
			return workflow.Retry(
				fault.New(fault.IPMIConfiguration, "BMC reports address %s, want %s", lan.Addr, req.TargetBMCAddr),
				"BMC LAN verification failed")
		}

		target := data.BMCTarget{Addr: req.TargetBMCAddr, User: cred.User, Pass: cred.Pass}
		wc.SetBMC(&target)

		redfish := p.redfishLikely(wc)
		wc.SetIPMI(&data.IPMISnapshot{
			Addr:                req.TargetBMCAddr,
			Address:             req.TargetBMCAddr.String(),
			Netmask:             req.Netmask.String(),
			Gateway:             req.Gateway.String(),
			Vendor:              string(vendor),
			FirmwareRevision:    info.FirmwareRevision,
			UserSlot:            userSlot,
			Username:            cred.User,
			PowerState:          state,
			KCSStatus:           kcs,
			HostInterfaceStatus: hostIface,
			RedfishAvailable:    redfish,
		})

		p.update(ctx, wc.ServerID, store.FieldIPMIAddress, req.TargetBMCAddr.String())
		p.update(ctx, wc.ServerID, store.FieldIPMIAddressWorks, true)
		p.update(ctx, wc.ServerID, store.FieldKCSStatus, kcs)
		p.update(ctx, wc.ServerID, store.FieldHostInterfaceStatus, hostIface)
		p.update(ctx, wc.ServerID, store.FieldIPMIUsername, cred.User)
		p.update(ctx, wc.ServerID, store.FieldIPMIPasswordSet, cred.Pass != "")
		p.update(ctx, wc.ServerID, store.FieldIPMIConfigured, true)
		p.update(ctx, wc.ServerID, store.FieldRedfishAvailable, redfish)
		p.update(ctx, wc.ServerID, store.FieldPowerState, state)

		return workflow.Result{
			Status:   workflow.StatusSuccess,
			Message:  fmt.Sprintf("BMC configured at %s (%s)", req.TargetBMCAddr, vendor),
			Data:     map[string]any{keyBMCAddress: req.TargetBMCAddr.String()},
			Continue: true,
		}
	}
}

// reachBMC returns an authenticated client for the target address and
// the credential that got in. When the address does not answer at all
// the LAN channel is configured in-band first. An all-credentials-
// rejected outcome wraps bmc.ErrAuth so the caller can stop retrying.
func (p *Provisioner) reachBMC(ctx context.Context, wc *workflow.Context, req Request) (bmcClient, discover.Credential, error) {
	var none discover.Credential

	creds := p.credentialCandidates(wc)
	if len(creds) == 0 {
		return nil, none, fault.New(fault.IPMIConfiguration,
			"no BMC credentials configured and none known for vendor %q", vendorOf(wc))
	}

	probe := p.bmcNew(data.BMCTarget{Addr: req.TargetBMCAddr, User: creds[0].User, Pass: creds[0].Pass})
	if err := probe.Ping(ctx); err != nil {
		wc.AddSubTask("BMC %s not answering, configuring over host interface", req.TargetBMCAddr)
		if err := p.configureInband(ctx, wc, req); err != nil {
			return nil, none, err
		}
	}

	for _, cred := range creds {
		c := p.bmcNew(data.BMCTarget{Addr: req.TargetBMCAddr, User: cred.User, Pass: cred.Pass})
		if _, err := c.Info(ctx); err != nil {
			if errors.Is(err, bmc.ErrAuth) {
				p.log.V(1).Info("bmc credentials rejected",
					"addr", req.TargetBMCAddr.String(), "user", cred.User)
				continue
			}
			return nil, none, err
		}
		wc.AddSubTask("BMC session established as %q", cred.User)
		return c, cred, nil
	}
	return nil, none, fault.Wrap(fault.IPMIConfiguration, bmc.ErrAuth,
		"all %d credential sets rejected by %s", len(creds), req.TargetBMCAddr)
}

// credentialCandidates orders the credentials to try: the operator
// account first, then the factory defaults for the detected vendor,
// then every other factory default this code knows.
func (p *Provisioner) credentialCandidates(wc *workflow.Context) []discover.Credential {
	var out []discover.Credential
	seen := map[string]bool{}
	add := func(c discover.Credential) {
		key := c.User + "\x00" + c.Pass
		if c.User == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	if p.bmcUser != "" && p.bmcPass != "" {
		add(discover.Credential{User: p.bmcUser, Pass: p.bmcPass})
	}
	if chars, ok := discover.Lookup(vendorOf(wc)); ok {
		for _, c := range chars.DefaultBMCCredentials {
			add(c)
		}
	}
	for _, vendor := range discover.Vendors() {
		if chars, ok := discover.Lookup(vendor); ok {
			for _, c := range chars.DefaultBMCCredentials {
				add(c)
			}
		}
	}
	return out
}

// configureInband drives the host's own ipmitool over the open SSH
// session: static LAN on channel 1 and, when operator credentials are
// configured, the user slot. This is the route for factory-fresh BMCs
// that only answer on the system interface, and it ends by polling the
// new address until it answers.
func (p *Provisioner) configureInband(ctx context.Context, wc *workflow.Context, req Request) error {
	sess := sessionOf(wc)
	if sess == nil {
		return fault.New(fault.IPMIConfiguration,
			"BMC %s unreachable and no in-band session for fallback", req.TargetBMCAddr)
	}

	cmds := []string{
		"ipmitool lan set 1 ipsrc static",
		fmt.Sprintf("ipmitool lan set 1 ipaddr %s", req.TargetBMCAddr),
		fmt.Sprintf("ipmitool lan set 1 netmask %s", req.Netmask),
		fmt.Sprintf("ipmitool lan set 1 defgw ipaddr %s", req.Gateway),
		"ipmitool lan set 1 access on",
	}
	if p.bmcUser != "" && p.bmcPass != "" {
		cmds = append(cmds,
			fmt.Sprintf("ipmitool user set name %d %s", bmcUserSlot, p.bmcUser),
			fmt.Sprintf("ipmitool user set password %d '%s'", bmcUserSlot, p.bmcPass),
			fmt.Sprintf("ipmitool user enable %d", bmcUserSlot),
			fmt.Sprintf("ipmitool channel setaccess 1 %d privilege=4", bmcUserSlot),
		)
	}
	for _, cmd := range cmds {
		res, err := sess.Run(ctx, cmd)
		if err != nil {
			return fault.Wrap(fault.IPMIConfiguration, err, "in-band %q", cmd)
		}
		if res.ExitCode != 0 {
			return fault.New(fault.IPMIConfiguration, "in-band %q exited %d: %s",
				cmd, res.ExitCode, firstLine(res.Stderr+res.Stdout))
		}
	}
	wc.AddSubTask("BMC LAN configured over host interface")

	// The controller takes a while to bring the new address up.
	probe := p.bmcNew(data.BMCTarget{Addr: req.TargetBMCAddr})
	op := func() (struct{}, error) {
		return struct{}{}, probe.Ping(ctx)
	}
	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.bmcPoll)),
		backoff.WithMaxElapsedTime(p.bmcWait),
	); err != nil {
		return fault.Wrap(fault.IPMIConfiguration, err,
			"BMC %s not answering after in-band configuration", req.TargetBMCAddr)
	}
	wc.AddSubTask("BMC answering at %s", req.TargetBMCAddr)
	return nil
}

// kcsStatus reads the hardening outcome for the KCS policy entry.
func kcsStatus(h *bmc.Hardening) string {
	for _, a := range h.Applied {
		if strings.Contains(a, "KCS") {
			return "Configured"
		}
	}
	for _, m := range h.Manual {
		if strings.Contains(m, "KCS") {
			return "Manual configuration required"
		}
	}
	return "Not applicable"
}

// hostInterfaceStatus reads the hardening outcome for the host
// interface entry.
func hostInterfaceStatus(h *bmc.Hardening) string {
	for _, a := range h.Applied {
		if strings.Contains(strings.ToLower(a), "host interface") {
			return "Disabled"
		}
	}
	for _, m := range h.Manual {
		if strings.Contains(strings.ToLower(m), "host interface") {
			return "Manual configuration required"
		}
	}
	return "Not applicable"
}

// redfishLikely reports whether later tooling should try Redfish: the
// catalog marks the device type capable, or the platform vendor ships
// full support.
func (p *Provisioner) redfishLikely(wc *workflow.Context) bool {
	if snap, err := p.catalog.Snapshot(); err == nil {
		if dt, err := snap.DeviceType(wc.DeviceType()); err == nil && dt.RedfishCapable {
			return true
		}
	}
	if chars, ok := discover.Lookup(vendorOf(wc)); ok {
		return chars.RedfishSupport == discover.RedfishFull
	}
	return false
}
