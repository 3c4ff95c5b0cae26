package inband

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ironhive/ironhive/pkg/data"
)

// dmiKeywords is the dmidecode -s keyword set gathered in one round trip.
var dmiKeywords = []string{
	"system-manufacturer", "system-product-name", "system-serial-number", "system-uuid",
	"baseboard-manufacturer", "baseboard-product-name", "baseboard-version", "baseboard-serial-number",
	"bios-vendor", "bios-version", "bios-release-date",
	"chassis-manufacturer", "chassis-serial-number",
}

func dmiCommand() string {
	var b strings.Builder
	b.WriteString("for k in ")
	b.WriteString(strings.Join(dmiKeywords, " "))
	b.WriteString(`; do printf '%s: ' "$k"; dmidecode -s "$k" 2>/dev/null | head -n1; echo; done`)
	return b.String()
}

// GatherFacts collects the standard hardware fact set from a booted
// target. Individual sections degrade to empty on tool absence; only
// transport failures or a fully empty result error.
func GatherFacts(ctx context.Context, r Runner) (*data.HardwareFacts, error) {
	facts := &data.HardwareFacts{}

	res, err := r.Run(ctx, dmiCommand())
	if err != nil {
		return nil, err
	}
	parseDMI(res.Stdout, facts)

	if res, err = r.Run(ctx, "uname -rm"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		if f := strings.Fields(res.Stdout); len(f) >= 2 {
			facts.Kernel, facts.Architecture = f[0], f[1]
		}
	}

	if res, err = r.Run(ctx, "lscpu"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		facts.CPUModel, facts.CPUCores, facts.CPUThreads = parseLSCPU(res.Stdout)
	}

	if res, err = r.Run(ctx, "cat /proc/meminfo"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		facts.MemoryGB = parseMemTotalGB(res.Stdout)
	}

	if res, err = r.Run(ctx, "lsblk -b -d -n -P -o NAME,SIZE,TYPE,ROTA,MODEL,SERIAL"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		facts.Disks = parseLSBLK(res.Stdout)
	}

	if res, err = r.Run(ctx, "ip -o link show"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		facts.NICs = parseIPLink(res.Stdout)
	}

	// /dev/null forces grep to prefix filenames even on a single match.
	if res, err = r.Run(ctx, "grep -s DRIVER= /sys/class/net/*/device/uevent /dev/null"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		drivers := parseNICDrivers(res.Stdout)
		for i := range facts.NICs {
			facts.NICs[i].Driver = drivers[facts.NICs[i].Name]
		}
	}

	if res, err = r.Run(ctx, "lspci -mm"); err != nil {
		return nil, err
	} else if res.ExitCode == 0 {
		facts.PCIDevices = parseLSPCI(res.Stdout)
	}

	if facts.System.Manufacturer == "" && facts.Kernel == "" && facts.CPUModel == "" {
		return nil, fmt.Errorf("gather facts: no usable output from target")
	}
	return facts, nil
}

func parseDMI(out string, facts *data.HardwareFacts) {
	targets := map[string]*string{
		"system-manufacturer":     &facts.System.Manufacturer,
		"system-product-name":     &facts.System.ProductName,
		"system-serial-number":    &facts.System.SerialNumber,
		"system-uuid":             &facts.System.UUID,
		"baseboard-manufacturer":  &facts.Baseboard.Manufacturer,
		"baseboard-product-name":  &facts.Baseboard.ProductName,
		"baseboard-version":       &facts.Baseboard.Version,
		"baseboard-serial-number": &facts.Baseboard.SerialNumber,
		"bios-vendor":             &facts.BIOS.Vendor,
		"bios-version":            &facts.BIOS.Version,
		"bios-release-date":       &facts.BIOS.ReleaseDate,
		"chassis-manufacturer":    &facts.Chassis.Manufacturer,
		"chassis-serial-number":   &facts.Chassis.SerialNumber,
	}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if dst, known := targets[strings.TrimSpace(key)]; known {
			*dst = strings.TrimSpace(value)
		}
	}
}

func parseLSCPU(out string) (model string, cores, threads int) {
	var perSocket, sockets int
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Model name":
			model = value
		case "CPU(s)":
			threads, _ = strconv.Atoi(value)
		case "Core(s) per socket":
			perSocket, _ = strconv.Atoi(value)
		case "Socket(s)":
			sockets, _ = strconv.Atoi(value)
		}
	}
	cores = perSocket * sockets
	if cores == 0 {
		cores = threads
	}
	return model, cores, threads
}

func parseMemTotalGB(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return 0
		}
		// Round to the nearest GiB.
		return int((kb + 512*1024) / (1024 * 1024))
	}
	return 0
}

func parseLSBLK(out string) []data.Disk {
	var disks []data.Disk
	for _, line := range strings.Split(out, "\n") {
		pairs := parsePairs(line)
		if pairs["TYPE"] != "disk" {
			continue
		}
		bytes, _ := strconv.ParseInt(pairs["SIZE"], 10, 64)
		disks = append(disks, data.Disk{
			Name:       pairs["NAME"],
			SizeGB:     int((bytes + 500_000_000) / 1_000_000_000),
			Model:      strings.TrimSpace(pairs["MODEL"]),
			Serial:     strings.TrimSpace(pairs["SERIAL"]),
			Rotational: pairs["ROTA"] == "1",
		})
	}
	return disks
}

// parsePairs splits one KEY="VALUE" KEY="VALUE" line, the lsblk -P shape.
func parsePairs(line string) map[string]string {
	out := map[string]string{}
	for len(line) > 0 {
		line = strings.TrimLeft(line, " ")
		eq := strings.IndexByte(line, '=')
		if eq < 0 || eq+1 >= len(line) || line[eq+1] != '"' {
			break
		}
		key := line[:eq]
		rest := line[eq+2:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			break
		}
		out[key] = rest[:end]
		line = rest[end+1:]
	}
	return out
}

func parseIPLink(out string) []data.NIC {
	var nics []data.NIC
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 || !strings.HasSuffix(f[1], ":") {
			continue
		}
		name := strings.TrimSuffix(f[1], ":")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		if name == "lo" {
			continue
		}
		nic := data.NIC{Name: name}
		for i := 2; i < len(f); i++ {
			switch f[i] {
			case "state":
				if i+1 < len(f) {
					nic.Up = f[i+1] == "UP"
				}
			case "link/ether":
				if i+1 < len(f) {
					nic.MAC = f[i+1]
				}
			}
		}
		nics = append(nics, nic)
	}
	return nics
}

func parseNICDrivers(out string) map[string]string {
	drivers := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		path, driver, ok := strings.Cut(line, ":DRIVER=")
		if !ok {
			continue
		}
		// /sys/class/net/<name>/device/uevent
		parts := strings.Split(path, "/")
		if len(parts) < 5 {
			continue
		}
		drivers[parts[4]] = strings.TrimSpace(driver)
	}
	return drivers
}

func parseLSPCI(out string) []data.PCIDevice {
	var devs []data.PCIDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		slot, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		quoted := quotedFields(rest)
		if len(quoted) < 3 {
			continue
		}
		devs = append(devs, data.PCIDevice{
			Slot:    slot,
			Class:   quoted[0],
			Vendor:  quoted[1],
			Product: quoted[2],
		})
	}
	return devs
}

func quotedFields(s string) []string {
	var out []string
	for {
		start := strings.IndexByte(s, '"')
		if start < 0 {
			return out
		}
		s = s[start+1:]
		end := strings.IndexByte(s, '"')
		if end < 0 {
			return out
		}
		out = append(out, s[:end])
		s = s[end+1:]
	}
}

// knownTools maps each tool the stages rely on to the command that
// prints its version.
var knownTools = []struct {
	Name       string
	VersionCmd string
}{
	{"ipmitool", "ipmitool -V"},
	{"dmidecode", "dmidecode --version"},
	{"lshw", "lshw -version"},
	{"lspci", "lspci --version"},
	{"smartctl", "smartctl --version"},
	{"ethtool", "ethtool --version"},
}

// DetectTools reports which of the known tools exist on the target and
// their versions. Absent tools are omitted from the map.
func DetectTools(ctx context.Context, r Runner) (map[string]string, error) {
	found := map[string]string{}
	for _, tool := range knownTools {
		res, err := r.Run(ctx, "command -v "+tool.Name)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			continue
		}
		version := "unknown"
		if vres, err := r.Run(ctx, tool.VersionCmd); err == nil {
			if line := firstLine(vres.Stdout); line != "" {
				version = line
			} else if line := firstLine(vres.Stderr); line != "" {
				version = line
			}
		}
		found[tool.Name] = version
	}
	return found, nil
}
