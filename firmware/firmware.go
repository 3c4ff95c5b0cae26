// Package firmware plans and applies component firmware updates. Plans
// compare the versions a server reports against the catalog's firmware
// pointers; execution walks the plan in a fixed component order, power
// cycling and re-polling the BMC after reboot-required items. The
// default mode is dry-run: every pending item is simulated and nothing
// is flashed until live handlers are wired in explicitly.
package firmware

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/pkg/data"
)

// ComponentType names one updatable component.
type ComponentType string

const (
	ComponentBMC     ComponentType = "BMC"
	ComponentBIOS    ComponentType = "BIOS"
	ComponentUEFI    ComponentType = "UEFI"
	ComponentNIC     ComponentType = "NIC"
	ComponentStorage ComponentType = "STORAGE"
	ComponentCPLD    ComponentType = "CPLD"
)

// applyOrder is the batch walk order. The BMC goes first so every later
// flash happens under a current controller.
var applyOrder = map[ComponentType]int{
	ComponentBMC:     0,
	ComponentBIOS:    1,
	ComponentUEFI:    2,
	ComponentNIC:     3,
	ComponentStorage: 4,
	ComponentCPLD:    5,
}

// ParseComponent maps a catalog component key to its type.
func ParseComponent(key string) (ComponentType, bool) {
	ct := ComponentType(strings.ToUpper(strings.TrimSpace(key)))
	_, ok := applyOrder[ct]
	return ct, ok
}

// Priority grades how urgent an update is. Failures at critical or high
// abort the rest of the batch.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Aborts reports whether a failure at this priority stops the batch.
func (p Priority) Aborts() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// ComponentState is one component measured against the catalog.
type ComponentState struct {
	Type           ComponentType `json:"type"`
	CurrentVersion string        `json:"current_version,omitempty"`
	LatestVersion  string        `json:"latest_version"`
	File           string        `json:"file,omitempty"`
	UpdateRequired bool          `json:"update_required"`
	Priority       Priority      `json:"priority"`
	EstimatedTime  time.Duration `json:"estimated_time,omitempty"`
	RebootRequired bool          `json:"reboot_required,omitempty"`
}

// Plan is the ordered update list for one server.
type Plan struct {
	ServerID    string           `json:"server_id"`
	Vendor      string           `json:"vendor"`
	Motherboard string           `json:"motherboard"`
	Items       []ComponentState `json:"items"`
}

// Pending returns the items that actually need an update.
func (p *Plan) Pending() []ComponentState {
	var out []ComponentState
	for _, item := range p.Items {
		if item.UpdateRequired {
			out = append(out, item)
		}
	}
	return out
}

func sortItems(items []ComponentState) {
	sort.SliceStable(items, func(i, j int) bool {
		if a, b := applyOrder[items[i].Type], applyOrder[items[j].Type]; a != b {
			return a < b
		}
		return priorityRank[items[i].Priority] < priorityRank[items[j].Priority]
	})
}

// UpdateResult is what a handler reports for one applied item.
type UpdateResult struct {
	OldVersion     string        `json:"old_version,omitempty"`
	NewVersion     string        `json:"new_version"`
	Elapsed        time.Duration `json:"elapsed"`
	RebootRequired bool          `json:"reboot_required,omitempty"`
	Simulated      bool          `json:"simulated,omitempty"`
}

// Controller is the out-of-band slice the manager needs: current BMC
// version, power control, readiness polling. *bmc.Client implements it.
type Controller interface {
	Info(ctx context.Context) (*data.BMCInfo, error)
	Power(ctx context.Context, action bmc.PowerAction) error
	PowerState(ctx context.Context) (string, error)
}

// HostRunner is the in-band slice live handlers use to stage and flash
// images. *inband.Session implements it.
type HostRunner interface {
	Run(ctx context.Context, cmd string) (inband.Result, error)
	Upload(ctx context.Context, local, remote string) error
}

// RepositorySource yields the firmware view of the catalog.
// *catalog.Catalog implements it.
type RepositorySource interface {
	FirmwareRepository() catalog.FirmwareRepository
}

// Target is one server the manager plans for. Nil channels degrade
// gracefully: versions come up unknown and reboot-required live items
// fail rather than flash blind.
type Target struct {
	ServerID    string
	Vendor      string
	Motherboard string
	Facts       *data.HardwareFacts
	BMC         *data.BMCTarget
	Controller  Controller
	Host        HostRunner
}

// Handler applies one item live.
type Handler interface {
	Apply(ctx context.Context, t Target, item ComponentState) (*UpdateResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Target, item ComponentState) (*UpdateResult, error)

func (f HandlerFunc) Apply(ctx context.Context, t Target, item ComponentState) (*UpdateResult, error) {
	return f(ctx, t, item)
}
