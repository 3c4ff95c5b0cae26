package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ironhive/ironhive/cmd/ironhive/flag"
	"github.com/ironhive/ironhive/store"
)

// defaultColumns is what the listing shows when --columns is not passed.
var defaultColumns = []string{"server_id", "ip_address", "device_type", "status_name", "is_ready"}

// columnValues maps column names to row accessors.
var columnValues = map[string]func(*store.ServerRecord) string{
	"server_id":       func(r *store.ServerRecord) string { return r.ServerID },
	"status_name":     func(r *store.ServerRecord) string { return r.StatusName },
	"is_ready":        func(r *store.ServerRecord) string { return strconv.FormatBool(r.IsReady) },
	"server_model":    func(r *store.ServerRecord) string { return r.ServerModel },
	"ip_address":      func(r *store.ServerRecord) string { return r.IPAddress },
	"ipmi_address":    func(r *store.ServerRecord) string { return r.IPMIAddress },
	"kcs_status":      func(r *store.ServerRecord) string { return r.KCSStatus },
	"cpu_model":       func(r *store.ServerRecord) string { return r.CPUModel },
	"memory_gb":       func(r *store.ServerRecord) string { return strconv.FormatInt(r.MemoryGB, 10) },
	"device_type":     func(r *store.ServerRecord) string { return r.DeviceType },
	"power_state":     func(r *store.ServerRecord) string { return r.PowerState },
	"rack_location":   func(r *store.ServerRecord) string { return r.RackLocation },
	"workflow_id":     func(r *store.ServerRecord) string { return r.WorkflowID },
	"workflow_status": func(r *store.ServerRecord) string { return r.WorkflowStatus },
}

func runServers(ctx context.Context, gc *flag.GlobalConfig, sc *flag.ServersConfig) error {
	return withServices(ctx, gc, func(ctx context.Context, svc *services) error {
		cols := sc.Columns
		if len(cols) == 0 {
			cols = defaultColumns
		}
		for _, c := range cols {
			if _, ok := columnValues[c]; !ok {
				return fmt.Errorf("unknown column %q, valid columns: %s", c, strings.Join(columnNames(), ", "))
			}
		}

		rows, err := svc.store.ServersWithWorkingIP(ctx)
		if err != nil {
			return err
		}
		printServers(os.Stdout, cols, rows)
		return nil
	})
}

func columnNames() []string {
	names := make([]string, 0, len(columnValues))
	for name := range columnValues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func printServers(w io.Writer, cols []string, rows []store.ServerRecord) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for i := range rows {
		vals := make([]string, len(cols))
		for j, c := range cols {
			vals[j] = columnValues[c](&rows[i])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	tw.Flush()
}
