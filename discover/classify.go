package discover

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/pkg/data"
)

const (
	cpuWeight    = 0.3
	coresWeight  = 0.2
	ramWeight    = 0.2
	vendorWeight = 0.2
	archWeight   = 0.1

	// Candidates scoring below this are noise, not proposals.
	confidenceFloor = 0.3
)

// Candidate is one device-type the facts could belong to.
type Candidate struct {
	DeviceType *catalog.DeviceType
	Confidence float64
}

// Classification holds the proposed device-type and the alternates that
// also cleared the floor, best first.
type Classification struct {
	Proposed   *Candidate
	Alternates []Candidate
}

// Classify scores the facts against every device-type in the snapshot:
// CPU-model pattern 0.3, core-count range 0.2, RAM range 0.2, vendor
// 0.2, architecture 0.1.
func Classify(facts *data.HardwareFacts, snap *catalog.Snapshot) Classification {
	var cands []Candidate
	for _, dt := range snap.DeviceTypes() {
		if score := scoreDeviceType(facts, dt); score >= confidenceFloor {
			cands = append(cands, Candidate{DeviceType: dt, Confidence: score})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		return cands[i].DeviceType.ID < cands[j].DeviceType.ID
	})

	if len(cands) == 0 {
		return Classification{}
	}
	return Classification{Proposed: &cands[0], Alternates: cands[1:]}
}

func scoreDeviceType(f *data.HardwareFacts, dt *catalog.DeviceType) float64 {
	specs := dt.HardwareSpecs
	var score float64
	if specs.CPUName != "" && matchCPU(specs.CPUName, f.CPUModel) {
		score += cpuWeight
	}
	if specs.CPUCores.Contains(f.CPUCores) {
		score += coresWeight
	}
	if specs.RAMGB.Contains(f.MemoryGB) {
		score += ramWeight
	}
	want := specs.Vendor
	if want == "" {
		want = dt.Vendor
	}
	if vendorMatch(want, f.Manufacturer()) {
		score += vendorWeight
	}
	if archMatch(specs.Architecture, f.Architecture) {
		score += archWeight
	}
	return score
}

// matchCPU treats the catalog's cpu_name as a case-insensitive regular
// expression, degrading to a substring check when it does not compile.
func matchCPU(pattern, model string) bool {
	if model == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return strings.Contains(strings.ToLower(model), strings.ToLower(pattern))
	}
	return re.MatchString(model)
}

// vendorMatch compares names with case and punctuation squashed out, so
// "Super Micro Computer, Inc." still matches "Supermicro".
func vendorMatch(want, got string) bool {
	w, g := squash(want), squash(got)
	if w == "" || g == "" {
		return false
	}
	if len(w) < 3 || len(g) < 3 {
		return w == g
	}
	return strings.Contains(g, w) || strings.Contains(w, g)
}

func archMatch(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return normalizeArch(want) == normalizeArch(got)
}

func normalizeArch(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return s
	}
}

func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
