package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ironhive/ironhive/boarding"
	"github.com/ironhive/ironhive/cmd/ironhive/flag"
	"github.com/ironhive/ironhive/pkg/data"
	"github.com/ironhive/ironhive/workflow"
)

func runBoard(ctx context.Context, gc *flag.GlobalConfig, bc *flag.BoardConfig) error {
	return withServices(ctx, gc, func(ctx context.Context, svc *services) error {
		v, err := boarding.New(boarding.Deps{
			Catalog: svc.catalog,
			SSH:     sshConfig(gc),
		}, boarding.WithLogger(svc.log))
		if err != nil {
			return err
		}

		wc := workflow.NewContext("", bc.ServerID, bc.DeviceType)
		if bc.Host != "" {
			wc.Set(boarding.AddressKey, bc.Host)
		}
		if bc.BMCAddr.IsValid() {
			wc.SetBMC(&data.BMCTarget{
				Addr: bc.BMCAddr,
				User: gc.BMC.Username,
				Pass: gc.BMC.Password,
				Port: gc.BMC.Port,
			})
		}

		report := v.Validate(ctx, wc)
		if s := wc.Session(); s != nil {
			if cerr := s.Close(); cerr != nil {
				svc.log.V(1).Info("closing boarding session", "error", cerr.Error())
			}
		}

		if bc.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(os.Stdout, report)
		}

		if report.Overall() == boarding.StatusFail {
			return fmt.Errorf("boarding failed for %s", bc.ServerID)
		}
		return nil
	})
}

// printReport renders the boarding report, one line per check.
func printReport(w io.Writer, report *boarding.Report) {
	for _, res := range report.Results {
		fmt.Fprintf(w, "%-7s  %-26s  %s\n", res.Status, res.Check, res.Message)
		if res.Remediation != "" {
			fmt.Fprintf(w, "%-7s  %-26s  remediation: %s\n", "", "", res.Remediation)
		}
	}
	sum := report.Summary()
	fmt.Fprintf(w, "\n%s: %d passed, %d failed, %d warnings, %d skipped (%s)\n",
		report.Overall(), sum.Passed, sum.Failed, sum.Warnings, sum.Skipped,
		report.Elapsed.Round(time.Millisecond))
}
