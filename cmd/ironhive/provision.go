package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ironhive/ironhive/bios"
	"github.com/ironhive/ironhive/cmd/ironhive/flag"
	"github.com/ironhive/ironhive/events"
	"github.com/ironhive/ironhive/provision"
	"github.com/ironhive/ironhive/workflow"
)

func runProvision(ctx context.Context, gc *flag.GlobalConfig, pc *flag.ProvisionConfig) error {
	return withServices(ctx, gc, func(ctx context.Context, svc *services) error {
		flt, err := newFleetClient(gc, svc.log)
		if err != nil {
			return err
		}

		deps := provision.Deps{
			Store:       svc.store,
			Catalog:     svc.catalog,
			Fleet:       flt,
			SSH:         sshConfig(gc),
			BMCUsername: gc.BMC.Username,
			BMCPassword: gc.BMC.Password,
			SumTool: bios.SumConfig{
				ToolPath:   gc.SumTool.ToolPath,
				BundlePath: gc.SumTool.BundlePath,
			},
			Log:     svc.log,
			Metrics: svc.metrics,
		}
		if gc.Events.URL != "" {
			pub, err := events.Connect(events.Config{
				URL:           gc.Events.URL,
				SubjectPrefix: gc.Events.SubjectPrefix,
				Patterns:      gc.Events.Patterns,
				Log:           svc.log,
			})
			if err != nil {
				return err
			}
			defer pub.Close()
			deps.Progress = pub.Progress()
		}

		p, err := provision.New(deps)
		if err != nil {
			return err
		}

		sum, err := p.Run(ctx, provision.Request{
			ServerID:      pc.ServerID,
			DeviceType:    pc.DeviceType,
			Strategy:      provision.Strategy(pc.Strategy),
			TargetBMCAddr: pc.TargetBMCAddr,
			Netmask:       pc.Netmask,
			Gateway:       pc.Gateway,
			DistroSeries:  pc.DistroSeries,
			LiveFirmware:  pc.LiveFirmware,
		})
		if err != nil {
			return err
		}

		printSummary(os.Stdout, sum)
		if sum.Status != workflow.WorkflowSuccess {
			return fmt.Errorf("workflow %s finished %s", sum.WorkflowID, sum.Status)
		}
		return nil
	})
}

// printSummary renders one workflow summary for operators.
func printSummary(w io.Writer, sum *workflow.Summary) {
	fmt.Fprintf(w, "workflow %s: %s (%d/%d steps, %s)\n",
		sum.WorkflowID, sum.Status, sum.StepsCompleted, sum.TotalSteps, sum.Elapsed.Round(time.Millisecond))
	if sum.TerminalStep != "" && sum.Status != workflow.WorkflowSuccess {
		fmt.Fprintf(w, "stopped at: %s\n", sum.TerminalStep)
	}
	for _, e := range sum.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}
