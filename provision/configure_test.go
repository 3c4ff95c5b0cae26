package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ironhive/ironhive/bios"
	"github.com/ironhive/ironhive/firmware"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/pkg/fault"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

func supermicroFacts() *data.HardwareFacts {
	return &data.HardwareFacts{
		System:    data.DMISystem{Manufacturer: "Supermicro", ProductName: "SYS-2029P-C1R"},
		Baseboard: data.DMIBaseboard{Manufacturer: "Supermicro", ProductName: "X11DPH-T"},
	}
}

func TestBIOSSkipsUnknownDeviceType(t *testing.T) {
	env := newTestEnv(t)
	wc := workflow.NewContext("wf-test", "abc12", "z9.mystery")

	res := env.p.configureBIOS(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSkip {
		t.Fatalf("status = %q (%s), want skip", res.Status, res.Message)
	}
	if len(env.bios.targets) != 0 {
		t.Errorf("engine called %d times for an unknown device type", len(env.bios.targets))
	}
	if !hasSubTask(wc, "not in catalog") {
		t.Errorf("sub-tasks %v missing catalog warning", wc.SubTasks())
	}
}

func TestBIOSAppliesChanges(t *testing.T) {
	env := newTestEnv(t)
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")
	wc.SetSession(env.session)
	wc.Set(keyVendor, "Supermicro")

	res := env.p.configureBIOS(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if want := "Applied 1 BIOS changes via vendor_tool"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if got := env.store.field(store.FieldBIOSConfigApplied); got != true {
		t.Errorf("bios_config_applied = %v, want true", got)
	}
	if got := env.store.field(store.FieldBIOSConfigVersion); got != "c0ffee42" {
		t.Errorf("bios_config_version = %v, want c0ffee42", got)
	}

	if len(env.bios.targets) != 1 {
		t.Fatalf("engine called %d times, want 1", len(env.bios.targets))
	}
	target := env.bios.targets[0]
	if target.DeviceType != "s2.c2.large" || target.Vendor != "Supermicro" {
		t.Errorf("target = %+v, want device type and vendor carried over", target)
	}
	if target.Host == nil || target.Host() == nil {
		t.Error("target host provider missing despite an open session")
	}
}

func TestBIOSPlaceholderOutcome(t *testing.T) {
	const note = "No changes applied - Lenovo BIOS configuration not yet supported"
	env := newTestEnv(t)
	env.bios.outcome = &bios.Outcome{
		Vendor:         "Lenovo",
		Placeholder:    true,
		ChangesApplied: []string{note},
		Warnings:       []string{note},
	}
	wc := workflow.NewContext("wf-test", "abc13", "s2.c2.large")
	wc.Set(keyVendor, "Lenovo")

	res := env.p.configureBIOS(Request{ServerID: "abc13"})(context.Background(), wc)

	if res.Status != workflow.StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if want := "BIOS configuration not supported for Lenovo"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if got := env.store.field(store.FieldBIOSConfigApplied); got != false {
		t.Errorf("bios_config_applied = %v, want false for a placeholder", got)
	}
	if got := env.store.field(store.FieldBIOSConfigVersion); got != nil {
		t.Errorf("bios_config_version = %v, want unset without a fingerprint", got)
	}
	applied, _ := res.Data[keyBIOSChanges].([]string)
	if diff := cmp.Diff([]string{note}, applied); diff != "" {
		t.Errorf("changes payload mismatch (-want +got):\n%s", diff)
	}
	if !hasSubTask(wc, "Warning: "+note) {
		t.Errorf("sub-tasks %v missing placeholder warning", wc.SubTasks())
	}
	if target := env.bios.targets[0]; target.Host != nil {
		t.Error("target host provider set without a session")
	}
}

func TestBIOSEngineErrorRetries(t *testing.T) {
	env := newTestEnv(t)
	env.bios.outcome = nil
	env.bios.err = fault.New(fault.BIOSConfiguration, "sum exited 60")
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")

	res := env.p.configureBIOS(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusRetry {
		t.Fatalf("status = %q (%s), want retry", res.Status, res.Message)
	}
	if got := env.store.field(store.FieldBIOSConfigApplied); got != nil {
		t.Errorf("bios_config_applied = %v, want unset after engine error", got)
	}
}

func TestFirmwareEmptyPlanSkips(t *testing.T) {
	env := newTestEnv(t)
	env.firmware.plan = &firmware.Plan{ServerID: "abc12", Vendor: "Supermicro", Motherboard: "B0ARD-X"}
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")
	wc.SetFacts(supermicroFacts())

	res := env.p.updateFirmware(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSkip {
		t.Fatalf("status = %q (%s), want skip", res.Status, res.Message)
	}
	if !hasSubTask(wc, "No firmware catalog entries") {
		t.Errorf("sub-tasks %v missing empty-plan note", wc.SubTasks())
	}
	if got := env.store.field(store.FieldFirmwareVersion); got != nil {
		t.Errorf("firmware_version = %v, want unset without a batch", got)
	}
}

func TestFirmwareDryRunReportsPending(t *testing.T) {
	env := newTestEnv(t)
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")
	wc.SetFacts(supermicroFacts())

	res := env.p.updateFirmware(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if want := "Firmware update simulated (1 pending)"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if got := res.Data[keyFirmwareMode]; got != true {
		t.Errorf("dry-run payload = %v, want true", got)
	}
	// Simulated items keep the running version in the summary.
	if got := env.store.field(store.FieldFirmwareVersion); got != "bmc=1.70" {
		t.Errorf("firmware_version = %v, want bmc=1.70", got)
	}
}

func TestFirmwareAbortedBatchFails(t *testing.T) {
	env := newTestEnv(t)
	item := env.firmware.plan.Items[0]
	env.firmware.report = &firmware.Report{
		ServerID: "abc12",
		Aborted:  true,
		Items: []firmware.ItemResult{{
			Item:    item,
			Status:  firmware.ItemFailed,
			Message: "bmc flash: chassis never came back",
		}},
	}
	env.firmware.execErr = errors.New("bmc flash: chassis never came back")
	wc := workflow.NewContext("wf-test", "abc12", "s2.c2.large")
	wc.SetFacts(supermicroFacts())

	res := env.p.updateFirmware(Request{ServerID: "abc12"})(context.Background(), wc)

	if res.Status != workflow.StatusFailure {
		t.Fatalf("status = %q (%s), want failure", res.Status, res.Message)
	}
	// The partial report still lands in the store for the operator.
	if got := env.store.field(store.FieldFirmwareVersion); got != "bmc=1.70" {
		t.Errorf("firmware_version = %v, want bmc=1.70", got)
	}
	if !hasSubTask(wc, "Firmware BMC: failed") {
		t.Errorf("sub-tasks %v missing item failure", wc.SubTasks())
	}
}

func TestFirmwareSummary(t *testing.T) {
	bmcItem := firmware.ComponentState{Type: firmware.ComponentBMC, CurrentVersion: "1.70", LatestVersion: "1.73.06"}
	biosItem := firmware.ComponentState{Type: firmware.ComponentBIOS, LatestVersion: "3.9"}

	tests := map[string]struct {
		plan   firmware.Plan
		report firmware.Report
		want   string
	}{
		"updated item shows new version": {
			plan: firmware.Plan{Items: []firmware.ComponentState{bmcItem}},
			report: firmware.Report{Items: []firmware.ItemResult{{
				Item:   bmcItem,
				Status: firmware.ItemUpdated,
				Result: &firmware.UpdateResult{OldVersion: "1.70", NewVersion: "1.73.06"},
			}}},
			want: "bmc=1.73.06",
		},
		"simulated item keeps current version": {
			plan: firmware.Plan{Items: []firmware.ComponentState{bmcItem}},
			report: firmware.Report{DryRun: true, Items: []firmware.ItemResult{{
				Item:   bmcItem,
				Status: firmware.ItemSimulated,
				Result: &firmware.UpdateResult{OldVersion: "1.70", NewVersion: "1.73.06", Simulated: true},
			}}},
			want: "bmc=1.70",
		},
		"unknown current version": {
			plan:   firmware.Plan{Items: []firmware.ComponentState{biosItem}},
			report: firmware.Report{},
			want:   "bios=unknown",
		},
		"plan order preserved": {
			plan: firmware.Plan{Items: []firmware.ComponentState{bmcItem, biosItem}},
			report: firmware.Report{Items: []firmware.ItemResult{{
				Item:   biosItem,
				Status: firmware.ItemUpdated,
				Result: &firmware.UpdateResult{NewVersion: "3.9"},
			}}},
			want: "bmc=1.70 bios=3.9",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := firmwareSummary(&tt.plan, &tt.report); got != tt.want {
				t.Errorf("firmwareSummary = %q, want %q", got, tt.want)
			}
		})
	}
}
