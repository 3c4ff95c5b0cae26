// Package catalog loads the unified device catalog: a versioned YAML
// document mapping vendor, motherboard, and device-type to hardware
// profiles, BIOS settings bundles, and firmware pointers. The catalog is
// the single source of truth consumed by discovery, BIOS, and firmware
// steps; it hot-reloads when the file's mtime advances.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ironhive/ironhive/pkg/fault"
)

// ErrDeviceTypeNotFound is returned for lookups of unknown device-type ids.
var ErrDeviceTypeNotFound = errors.New("device type not found")

// ErrMotherboardNotFound is returned for lookups of unknown motherboards.
var ErrMotherboardNotFound = errors.New("motherboard not found")

// BIOS configuration methods a device type may prefer.
const (
	MethodRedfish    = "redfish"
	MethodVendorTool = "vendor_tool"
	MethodHybrid     = "hybrid"
)

// Settings is a flat key/value settings group. Scalar YAML values are
// coerced to their string form so bundles merge and diff uniformly.
type Settings map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("settings group at line %d: expected a mapping", value.Line)
	}
	out := make(Settings, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k := value.Content[i]
		v := value.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("setting %q at line %d: expected a scalar value", k.Value, v.Line)
		}
		out[k.Value] = v.Value
	}
	*s = out
	return nil
}

// Clone returns a copy safe for the caller to mutate.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Range is an inclusive integer bound, written in YAML as either a single
// value ("64") or a span ("32-64").
type Range struct {
	Min int
	Max int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Range) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*r = Range{}
		return nil
	}
	if lo, hi, ok := strings.Cut(raw, "-"); ok {
		minV, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return fmt.Errorf("range %q at line %d: %w", raw, value.Line, err)
		}
		maxV, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return fmt.Errorf("range %q at line %d: %w", raw, value.Line, err)
		}
		if maxV < minV {
			return fmt.Errorf("range %q at line %d: max below min", raw, value.Line)
		}
		*r = Range{Min: minV, Max: maxV}
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("range %q at line %d: %w", raw, value.Line, err)
	}
	*r = Range{Min: n, Max: n}
	return nil
}

// IsZero reports an unspecified range.
func (r Range) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// Contains reports whether n falls inside the range.
func (r Range) Contains(n int) bool { return !r.IsZero() && n >= r.Min && n <= r.Max }

// HardwareSpecs is the hardware profile the classifier scores against.
type HardwareSpecs struct {
	CPUName      string `yaml:"cpu_name"`
	CPUCores     Range  `yaml:"cpu_cores"`
	RAMGB        Range  `yaml:"ram_gb"`
	Vendor       string `yaml:"vendor"`
	Architecture string `yaml:"architecture"`
}

// FirmwarePointer names one firmware artifact for a motherboard component.
type FirmwarePointer struct {
	Version        string `yaml:"version" validate:"required"`
	File           string `yaml:"file"`
	Priority       string `yaml:"priority" validate:"omitempty,oneof=critical high normal low"`
	RebootRequired bool   `yaml:"reboot_required"`
	EstimatedSecs  int    `yaml:"estimated_seconds"`
}

// DeviceType is one SKU entry. ID, Vendor and Motherboard are filled from
// the tree position at load time.
type DeviceType struct {
	ID          string `yaml:"-"`
	Vendor      string `yaml:"-"`
	Motherboard string `yaml:"-"`

	Description         string        `yaml:"description"`
	HardwareSpecs       HardwareSpecs `yaml:"hardware_specs"`
	BootConfigs         Settings      `yaml:"boot_configs"`
	CPUConfigs          Settings      `yaml:"cpu_configs"`
	MemoryConfigs       Settings      `yaml:"memory_configs"`
	SecurityConfigs     Settings      `yaml:"security_configs"`
	BIOSSettings        Settings      `yaml:"bios_settings"`
	BIOSSettingMethods  []string      `yaml:"bios_setting_methods"`
	RedfishCapable      bool          `yaml:"redfish_capable"`
	PreferredBIOSMethod string        `yaml:"preferred_bios_method" validate:"omitempty,oneof=redfish vendor_tool hybrid"`
	FallbackBIOSMethod  string        `yaml:"fallback_bios_method" validate:"omitempty,oneof=redfish vendor_tool hybrid"`
}

// SettingsBundle flattens the device type's settings groups into one map.
// Later groups win on key collisions; bios_settings has the last word.
func (d *DeviceType) SettingsBundle() Settings {
	out := Settings{}
	for _, group := range []Settings{d.BootConfigs, d.CPUConfigs, d.MemoryConfigs, d.SecurityConfigs, d.BIOSSettings} {
		for k, v := range group {
			out[k] = v
		}
	}
	return out
}

// Motherboard groups device types and firmware pointers under one board.
type Motherboard struct {
	DeviceTypes map[string]*DeviceType     `yaml:"device_types" validate:"dive"`
	Firmware    map[string]FirmwarePointer `yaml:"firmware" validate:"dive"`
}

// Vendor groups motherboards.
type Vendor struct {
	Motherboards map[string]*Motherboard `yaml:"motherboards" validate:"dive"`
}

type document struct {
	DeviceConfiguration struct {
		Version        string             `yaml:"version" validate:"required"`
		LastUpdated    string             `yaml:"last_updated"`
		GlobalSettings Settings           `yaml:"global_settings"`
		Vendors        map[string]*Vendor `yaml:"vendors" validate:"required,dive"`
	} `yaml:"device_configuration" validate:"required"`
}

// Stats are derived counts cached with each snapshot.
type Stats struct {
	Vendors       int
	Motherboards  int
	DeviceTypes   int
	FirmwareFiles int
}

// MotherboardInfo is the result of a motherboard lookup: the enclosing
// vendor plus the board's device types and firmware pointers.
type MotherboardInfo struct {
	Vendor      string
	Name        string
	DeviceTypes []string
	Firmware    map[string]FirmwarePointer
}

// Snapshot is one immutable parse of the catalog file. All lookup methods
// are safe for concurrent use; the tree must not be mutated.
type Snapshot struct {
	Version        string
	LastUpdated    string
	GlobalSettings Settings

	vendors map[string]*Vendor
	index   map[string]*DeviceType
	stats   Stats
	mtime   time.Time
}

// DeviceType looks up a device type by id. Unknown ids return
// ErrDeviceTypeNotFound, never a panic.
func (s *Snapshot) DeviceType(id string) (*DeviceType, error) {
	dt, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrDeviceTypeNotFound)
	}
	return dt, nil
}

// Motherboard looks up a board by name across all vendors.
func (s *Snapshot) Motherboard(name string) (*MotherboardInfo, error) {
	for vendorName, v := range s.vendors {
		mb, ok := v.Motherboards[name]
		if !ok {
			continue
		}
		info := &MotherboardInfo{Vendor: vendorName, Name: name, Firmware: mb.Firmware}
		for id := range mb.DeviceTypes {
			info.DeviceTypes = append(info.DeviceTypes, id)
		}
		sort.Strings(info.DeviceTypes)
		return info, nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrMotherboardNotFound)
}

// VendorNames returns the vendors in sorted order.
func (s *Snapshot) VendorNames() []string {
	out := make([]string, 0, len(s.vendors))
	for name := range s.vendors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Vendor returns one vendor subtree, or nil.
func (s *Snapshot) Vendor(name string) *Vendor {
	return s.vendors[name]
}

// DeviceTypes returns every device type, sorted by id.
func (s *Snapshot) DeviceTypes() []*DeviceType {
	out := make([]*DeviceType, 0, len(s.index))
	for _, dt := range s.index {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the counts derived at load time.
func (s *Snapshot) Stats() Stats { return s.stats }

// Catalog serves immutable snapshots of the catalog file, reloading when
// the file's mtime advances. Reload is load-and-swap: readers see either
// the old snapshot or the new one, never a mix.
type Catalog struct {
	path     string
	log      logr.Logger
	validate *validator.Validate

	reload sync.Mutex
	snap   atomic.Pointer[Snapshot]
}

// Option mutates a Catalog during New.
type Option func(*Catalog)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(c *Catalog) { c.log = log }
}

// New builds a catalog over the file at path. The file is not read until
// the first Snapshot call.
func New(path string, opts ...Option) *Catalog {
	c := &Catalog{
		path:     path,
		log:      logr.Discard(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the configured catalog file path.
func (c *Catalog) Path() string { return c.path }

// Snapshot returns the current catalog snapshot, reloading the file first
// if its mtime has advanced past the memoized parse.
func (c *Catalog) Snapshot() (*Snapshot, error) {
	cur := c.snap.Load()

	st, err := os.Stat(c.path)
	if err != nil {
		if cur != nil {
			// Keep serving the last good snapshot; the file may be
			// mid-replace.
			c.log.V(1).Info("catalog stat failed, serving cached snapshot", "path", c.path, "error", err.Error())
			return cur, nil
		}
		return nil, fmt.Errorf("catalog %s: %w", c.path, err)
	}
	if cur != nil && !st.ModTime().After(cur.mtime) {
		return cur, nil
	}

	c.reload.Lock()
	defer c.reload.Unlock()
	// Another reader may have completed the reload while we waited.
	if cur = c.snap.Load(); cur != nil && !st.ModTime().After(cur.mtime) {
		return cur, nil
	}

	snap, err := c.load(st.ModTime())
	if err != nil {
		return nil, err
	}
	c.snap.Store(snap)
	c.log.V(1).Info("catalog loaded", "path", c.path, "version", snap.Version,
		"vendors", snap.stats.Vendors, "deviceTypes", snap.stats.DeviceTypes)
	return snap, nil
}

// Reload parses the file unconditionally and swaps the snapshot. The
// watcher calls this on file events.
func (c *Catalog) Reload() error {
	st, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}
	c.reload.Lock()
	defer c.reload.Unlock()
	snap, err := c.load(st.ModTime())
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	return nil
}

func (c *Catalog) load(mtime time.Time) (*Snapshot, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", c.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.ConfigValidation, err, "catalog %s: malformed document", c.path)
	}
	if err := c.validate.Struct(&doc); err != nil {
		return nil, fault.Wrap(fault.ConfigValidation, err, "catalog %s: invalid document", c.path)
	}

	dc := doc.DeviceConfiguration
	snap := &Snapshot{
		Version:        dc.Version,
		LastUpdated:    dc.LastUpdated,
		GlobalSettings: dc.GlobalSettings,
		vendors:        dc.Vendors,
		index:          map[string]*DeviceType{},
		mtime:          mtime,
	}

	for vendorName, v := range dc.Vendors {
		if v == nil {
			continue
		}
		snap.stats.Vendors++
		for mbName, mb := range v.Motherboards {
			if mb == nil {
				continue
			}
			snap.stats.Motherboards++
			snap.stats.FirmwareFiles += len(mb.Firmware)
			for id, dt := range mb.DeviceTypes {
				if dt == nil {
					dt = &DeviceType{}
					mb.DeviceTypes[id] = dt
				}
				if prev, dup := snap.index[id]; dup {
					return nil, fault.New(fault.ConfigValidation,
						"catalog %s: device type %q defined under both %s/%s and %s/%s",
						c.path, id, prev.Vendor, prev.Motherboard, vendorName, mbName)
				}
				dt.ID = id
				dt.Vendor = vendorName
				dt.Motherboard = mbName
				snap.index[id] = dt
				snap.stats.DeviceTypes++
			}
		}
	}

	return snap, nil
}
