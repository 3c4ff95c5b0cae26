package boarding

import (
	"context"
	"fmt"
	"strings"

	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/discover"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/workflow"
)

// connectivityHandler proves the host answers on SSH and executes
// commands. It opens the shared session when the context has none,
// dialing whatever address network-setup recorded.
type connectivityHandler struct{ v *Validator }

func (h *connectivityHandler) Category() Category        { return CategoryConnectivity }
func (h *connectivityHandler) Prerequisites() []Category { return nil }

func (h *connectivityHandler) Run(ctx context.Context, wc *workflow.Context) []Result {
	var out []Result

	session := sessionOf(wc)
	switch {
	case session != nil:
		out = append(out, pass("ssh_session", "Reusing open session to %s", session.Host()))
	default:
		host, _ := wc.Value(AddressKey)
		addr, _ := host.(string)
		if addr == "" {
			out = append(out, fail("ssh_session",
				"Record the host address before boarding or run network-setup first",
				"No open session and no recorded host address"))
			break
		}
		cfg := h.v.ssh
		cfg.Host = addr
		s, err := h.v.dial(ctx, cfg)
		if err != nil {
			out = append(out, fail("ssh_session",
				"Verify the host is up and SSH credentials are current",
				"SSH to %s failed: %v", addr, err))
			break
		}
		wc.SetSession(s)
		session = s
		out = append(out, pass("ssh_session", "SSH session established to %s", addr))
	}

	if session == nil {
		out = append(out, skip("ssh_command", "No session available"))
		return out
	}
	res, err := session.Run(ctx, "echo boarding-probe")
	switch {
	case err != nil:
		out = append(out, fail("ssh_command", "Check sshd and the login shell on the host",
			"Remote command failed: %v", err))
	case res.ExitCode != 0:
		out = append(out, fail("ssh_command", "Check sshd and the login shell on the host",
			"Remote command exited %d", res.ExitCode))
	case !strings.Contains(res.Stdout, "boarding-probe"):
		out = append(out, fail("ssh_command", "Check for shell profiles mangling command output",
			"Remote command produced unexpected output"))
	default:
		out = append(out, pass("ssh_command", "Remote command execution verified"))
	}
	return out
}

// hardwareHandler checks the inventory is present and plausible,
// collecting it over the shared session when discovery has not run.
type hardwareHandler struct{ v *Validator }

func (h *hardwareHandler) Category() Category        { return CategoryHardware }
func (h *hardwareHandler) Prerequisites() []Category { return []Category{CategoryConnectivity} }

func (h *hardwareHandler) Run(ctx context.Context, wc *workflow.Context) []Result {
	facts := wc.Facts()
	if facts == nil {
		session := sessionOf(wc)
		if session == nil {
			return []Result{fail("hardware_facts", "Establish an SSH session first",
				"No inventory and no session to collect it over")}
		}
		gathered, err := inband.GatherFacts(ctx, session)
		if err != nil {
			return []Result{fail("hardware_facts", "Check dmidecode and lscpu on the host",
				"Inventory collection failed: %v", err)}
		}
		wc.SetFacts(gathered)
		facts = gathered
	}

	out := []Result{pass("hardware_facts", "Inventory collected from %s %s",
		facts.Manufacturer(), facts.System.ProductName)}

	if facts.CPUCores > 0 {
		out = append(out, pass("cpu_inventory", "%d cores (%s)", facts.CPUCores, facts.CPUModel))
	} else {
		out = append(out, fail("cpu_inventory", "Check lscpu availability on the host",
			"No CPU cores reported"))
	}
	if facts.MemoryGB > 0 {
		out = append(out, pass("memory_inventory", "%d GB memory", facts.MemoryGB))
	} else {
		out = append(out, fail("memory_inventory", "Check /proc/meminfo on the host",
			"No memory reported"))
	}
	if n := len(facts.Disks); n > 0 {
		out = append(out, pass("disk_inventory", "%d block devices", n))
	} else {
		out = append(out, warn("disk_inventory", "Check lsblk output on the host",
			"No block devices reported"))
	}
	if m := facts.Manufacturer(); m != "" {
		out = append(out, pass("dmi_identity", "DMI identity: %s", m))
	} else {
		out = append(out, warn("dmi_identity", "Repair the DMI/FRU data",
			"DMI reports no system manufacturer"))
	}
	return out
}

// extendedIPMIChecks are the sub-checks gated behind a successful BMC
// login, in report order.
var extendedIPMIChecks = []string{"ipmi_firmware_info", "ipmi_power_state", "ipmi_lan_configuration"}

// ipmiHandler authenticates to the BMC and, once in, inspects firmware
// identity, chassis power, and the LAN channel.
type ipmiHandler struct{ v *Validator }

func (h *ipmiHandler) Category() Category        { return CategoryIPMI }
func (h *ipmiHandler) Prerequisites() []Category { return []Category{CategoryConnectivity} }

func (h *ipmiHandler) Run(ctx context.Context, wc *workflow.Context) []Result {
	target := wc.BMC()
	if target == nil {
		return []Result{skip("ipmi_target", "No BMC target recorded; skipping IPMI checks")}
	}
	client := h.v.bmcNew(*target)

	info, err := client.Info(ctx)
	if err != nil {
		out := []Result{fail("ipmi_authentication",
			"Verify BMC credentials or rerun IPMI configuration",
			"BMC authentication failed: %v", err)}
		for _, name := range extendedIPMIChecks {
			out = append(out, skip(name, "Skipping extended IPMI tests due to authentication failure"))
		}
		return out
	}
	out := []Result{pass("ipmi_authentication", "Authenticated to BMC at %s as %s",
		target.Addr, target.User)}

	if info.FirmwareRevision != "" {
		out = append(out, pass("ipmi_firmware_info", "BMC firmware %s", info.FirmwareRevision))
	} else {
		out = append(out, warn("ipmi_firmware_info", "",
			"BMC did not report a firmware revision"))
	}

	state, err := client.PowerState(ctx)
	switch {
	case err != nil:
		out = append(out, fail("ipmi_power_state", "Check chassis power wiring and BMC health",
			"Power state query failed: %v", err))
	case state == "on":
		out = append(out, pass("ipmi_power_state", "Chassis power is on"))
	default:
		out = append(out, warn("ipmi_power_state", "Power the chassis on before deployment",
			"Chassis power is %s", state))
	}

	lan, err := client.LANConfig(ctx)
	switch {
	case err != nil:
		out = append(out, fail("ipmi_lan_configuration", "Check the BMC LAN channel",
			"LAN configuration query failed: %v", err))
	case strings.Contains(lan.Source, "Static"):
		out = append(out, pass("ipmi_lan_configuration", "BMC LAN static at %s", lan.Addr))
	default:
		out = append(out, warn("ipmi_lan_configuration",
			"Assign a static BMC address via IPMI configuration",
			"BMC LAN source is %q", lan.Source))
	}
	return out
}

// biosHandler checks the firmware identity is readable and that the
// catalog knows what this device type's BIOS should look like.
type biosHandler struct{ v *Validator }

func (h *biosHandler) Category() Category        { return CategoryBIOS }
func (h *biosHandler) Prerequisites() []Category { return []Category{CategoryHardware} }

func (h *biosHandler) Run(ctx context.Context, wc *workflow.Context) []Result {
	facts := wc.Facts()
	if facts == nil {
		return []Result{skip("bios_version", "No hardware inventory available")}
	}
	var out []Result

	if v := facts.BIOS.Version; v != "" {
		out = append(out, pass("bios_version", "BIOS %s (%s)", v, facts.BIOS.Vendor))
	} else {
		out = append(out, warn("bios_version", "Repair the DMI/FRU data",
			"DMI reports no BIOS version"))
	}

	vendor := facts.Manufacturer()
	if chars, ok := discover.Lookup(vendor); ok {
		out = append(out, pass("bios_vendor_profile", "Vendor profile for %s (preferred method %s)",
			vendor, chars.PreferredBIOSMethod))
	} else {
		out = append(out, warn("bios_vendor_profile", "BIOS configuration will be unavailable",
			"No vendor profile for %q", vendor))
	}

	snap, err := h.v.catalog.Snapshot()
	if err != nil {
		out = append(out, fail("bios_settings_defined", "", "Catalog unavailable: %v", err))
		return out
	}
	id := wc.DeviceType()
	dt, err := snap.DeviceType(id)
	switch {
	case err != nil:
		out = append(out, warn("bios_settings_defined", "Add the device type to the catalog",
			"Device type %q not in catalog", id))
	case len(dt.SettingsBundle()) == 0:
		out = append(out, warn("bios_settings_defined", "Define settings bundles in the catalog",
			"No desired BIOS settings for %s", id))
	default:
		out = append(out, pass("bios_settings_defined", "%d desired settings for %s",
			len(dt.SettingsBundle()), id))
	}
	return out
}

// networkHandler checks the NIC inventory and host routing.
type networkHandler struct{ v *Validator }

func (h *networkHandler) Category() Category { return CategoryNetwork }
func (h *networkHandler) Prerequisites() []Category {
	return []Category{CategoryConnectivity, CategoryHardware}
}

func (h *networkHandler) Run(ctx context.Context, wc *workflow.Context) []Result {
	facts := wc.Facts()
	if facts == nil {
		return []Result{skip("nic_inventory", "No hardware inventory available")}
	}
	var out []Result

	if n := len(facts.NICs); n > 0 {
		out = append(out, pass("nic_inventory", "%d interfaces discovered", n))
	} else {
		out = append(out, fail("nic_inventory", "Check ip link output on the host",
			"No network interfaces discovered"))
	}

	linked := ""
	for _, nic := range facts.NICs {
		if nic.Up {
			linked = nic.Name
			break
		}
	}
	if linked != "" {
		out = append(out, pass("nic_link", "%s reports link", linked))
	} else {
		out = append(out, warn("nic_link", "Check cabling and switch configuration",
			"No interface reports link"))
	}

	session := sessionOf(wc)
	if session == nil {
		out = append(out, skip("default_route", "No session available"))
		return out
	}
	res, err := session.Run(ctx, "ip route show default")
	switch {
	case err != nil:
		out = append(out, warn("default_route", "", "Default route query failed: %v", err))
	case res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "":
		out = append(out, pass("default_route", "Default route present"))
	default:
		out = append(out, warn("default_route",
			"Configure a default route on the provisioning interface",
			"No default route configured"))
	}
	return out
}

// configurationHandler checks the assignment paperwork: the device type
// exists, the hardware actually matches it, and firmware artifacts are
// on file for the board.
type configurationHandler struct{ v *Validator }

func (h *configurationHandler) Category() Category        { return CategoryConfiguration }
func (h *configurationHandler) Prerequisites() []Category { return []Category{CategoryHardware} }

func (h *configurationHandler) Run(ctx context.Context, wc *workflow.Context) []Result {
	var out []Result
	id := wc.DeviceType()

	snap, err := h.v.catalog.Snapshot()
	switch {
	case err != nil:
		out = append(out, fail("device_type_known", "", "Catalog unavailable: %v", err))
	default:
		if _, derr := snap.DeviceType(id); derr != nil {
			out = append(out, fail("device_type_known", "Add the device type to the catalog",
				"Device type %q not in catalog", id))
		} else {
			out = append(out, pass("device_type_known", "Device type %s is in the catalog", id))
		}
	}

	facts := wc.Facts()
	switch {
	case facts == nil || snap == nil:
		out = append(out, skip("hardware_profile_match", "Catalog or inventory unavailable"))
	default:
		cls := discover.Classify(facts, snap)
		switch {
		case cls.Proposed == nil:
			out = append(out, warn("hardware_profile_match", "",
				"No catalog profile matches the observed hardware"))
		case cls.Proposed.DeviceType.ID == id:
			out = append(out, pass("hardware_profile_match", "Hardware matches %s (confidence %.2f)",
				id, cls.Proposed.Confidence))
		default:
			res := warn("hardware_profile_match", "Verify the assigned device type",
				"Hardware resembles %s (confidence %.2f), not %s",
				cls.Proposed.DeviceType.ID, cls.Proposed.Confidence, id)
			res.Details = map[string]string{
				"proposed":   cls.Proposed.DeviceType.ID,
				"confidence": fmt.Sprintf("%.2f", cls.Proposed.Confidence),
			}
			out = append(out, res)
		}
	}

	if facts == nil {
		out = append(out, skip("firmware_catalog", "No hardware inventory available"))
		return out
	}
	vendor := facts.Manufacturer()
	board := facts.Baseboard.ProductName
	if n := len(boardFirmware(h.v.catalog.FirmwareRepository(), vendor, board)); n > 0 {
		out = append(out, pass("firmware_catalog", "%d firmware entries for %s", n, board))
	} else {
		out = append(out, warn("firmware_catalog", "",
			"No firmware entries for %s %s", vendor, board))
	}
	return out
}

// boardFirmware fold-matches the repository's vendor and board keys,
// absorbing case differences between DMI strings and catalog keys.
func boardFirmware(repo catalog.FirmwareRepository, vendor, board string) map[string]catalog.FirmwarePointer {
	for vendorKey, boards := range repo {
		if !strings.EqualFold(vendorKey, vendor) {
			continue
		}
		for boardKey, pointers := range boards {
			if strings.EqualFold(boardKey, board) {
				return pointers
			}
		}
	}
	return nil
}
