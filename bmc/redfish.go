package bmc

import (
	"context"
	"fmt"
	"time"

	bmclib "github.com/bmc-toolbox/bmclib/v2"
	"github.com/go-logr/logr"
)

// ClientFunc builds an opened bmclib client for one BMC. The caller owns
// the connection and must Close it.
type ClientFunc func(ctx context.Context, log logr.Logger, host, username, password string) (*bmclib.Client, error)

// NewClientFunc returns a ClientFunc whose Open probes providers for at
// most timeout.
func NewClientFunc(timeout time.Duration) ClientFunc {
	return func(ctx context.Context, log logr.Logger, host, username, password string) (*bmclib.Client, error) {
		log = log.WithValues("host", host, "username", username)
		client := bmclib.NewClient(host, username, password, bmclib.WithLogger(log))

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := client.Open(ctx); err != nil {
			md := client.GetMetadata()
			log.Info("failed to open connection to BMC", "error", err, "providersAttempted", md.ProvidersAttempted)
			return nil, fmt.Errorf("failed to open connection to BMC: %w", err)
		}
		md := client.GetMetadata()
		log.V(1).Info("connected to BMC", "providersAttempted", md.ProvidersAttempted, "successfulProvider", md.SuccessfulOpenConns)
		return client, nil
	}
}
