package fleet

import "net/netip"

// Status is a fleet-controller machine status name, verbatim from the
// API (including the space in "Failed commissioning").
type Status string

const (
	StatusNew                 Status = "New"
	StatusReady               Status = "Ready"
	StatusCommissioning       Status = "Commissioning"
	StatusCommissioned        Status = "Commissioned"
	StatusTesting             Status = "Testing"
	StatusDeploying           Status = "Deploying"
	StatusDeployed            Status = "Deployed"
	StatusAllocated           Status = "Allocated"
	StatusBroken              Status = "Broken"
	StatusFailedCommissioning Status = "Failed commissioning"
	StatusFailedTesting       Status = "Failed testing"
	StatusFailedDeployment    Status = "Failed deployment"
)

// IsFailed reports whether the status is a failure state that will not
// progress without intervention.
func (s Status) IsFailed() bool {
	switch s {
	case StatusBroken, StatusFailedCommissioning, StatusFailedTesting, StatusFailedDeployment:
		return true
	}
	return false
}

// IsTerminal reports whether the controller is done transitioning: the
// machine is resting in this state until someone acts on it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCommissioning, StatusTesting, StatusDeploying:
		return false
	}
	return true
}

// Machine is the subset of the fleet controller's machine record the
// provisioner consumes.
type Machine struct {
	SystemID     string      `json:"system_id"`
	Hostname     string      `json:"hostname"`
	FQDN         string      `json:"fqdn"`
	Architecture string      `json:"architecture"`
	StatusName   Status      `json:"status_name"`
	PowerState   string      `json:"power_state"`
	CPUCount     int         `json:"cpu_count"`
	MemoryMB     int64       `json:"memory"`
	IPAddresses  []string    `json:"ip_addresses"`
	InterfaceSet []Interface `json:"interface_set"`
	TagNames     []string    `json:"tag_names"`
}

// Interface is one NIC in a machine record.
type Interface struct {
	Name       string `json:"name"`
	MACAddress string `json:"mac_address"`
	Links      []Link `json:"links"`
}

// Link is one address binding on an interface.
type Link struct {
	Mode      string `json:"mode"`
	IPAddress string `json:"ip_address"`
}

// ExtractIPs collects usable addresses from both the machine's
// ip_addresses array and its interface links, deduped in encounter
// order. Loopback, link-local, and unparseable entries are skipped:
// the controller reports them but they are useless for reaching the
// host.
func ExtractIPs(m *Machine) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return
		}
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
			return
		}
		key := addr.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	for _, ip := range m.IPAddresses {
		add(ip)
	}
	for _, iface := range m.InterfaceSet {
		for _, link := range iface.Links {
			add(link.IPAddress)
		}
	}
	return out
}
