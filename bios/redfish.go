package bios

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/ironhive/ironhive/bmc"
	"github.com/ironhive/ironhive/pkg/data"
)

// redfishAdapter moves settings through the BMC's Redfish service.
// Attribute writes stage until the next host reset, so Push always
// reports a required reboot.
type redfishAdapter struct {
	clients bmc.ClientFunc
	target  data.BMCTarget
	log     logr.Logger
}

func (a *redfishAdapter) Name() string { return "redfish" }

func (a *redfishAdapter) Pull(ctx context.Context) (Document, error) {
	client, err := a.clients(ctx, a.log, a.target.Addr.String(), a.target.User, a.target.Pass)
	if err != nil {
		return nil, err
	}
	defer client.Close(ctx)

	attrs, err := client.GetBiosConfiguration(ctx)
	if err != nil {
		return nil, err
	}
	return Document(attrs), nil
}

func (a *redfishAdapter) Push(ctx context.Context, _ Document, changes []Change) (bool, error) {
	client, err := a.clients(ctx, a.log, a.target.Addr.String(), a.target.User, a.target.Pass)
	if err != nil {
		return false, err
	}
	defer client.Close(ctx)

	attrs := make(map[string]string, len(changes))
	for _, c := range changes {
		attrs[c.Key] = c.New
	}
	if err := client.SetBiosConfiguration(ctx, attrs); err != nil {
		return false, err
	}
	return true, nil
}
