package inband

import (
	"context"
	"net"
)

// ProbeResult distinguishes a dead host from one that answers TCP but
// refuses SSH. The latter drives force-recommission decisions.
type ProbeResult struct {
	TCPReachable bool
	SSHUsable    bool
	Err          error
}

// Probe checks whether cfg.Host answers on its SSH port and, if so,
// whether a throwaway session can run a command.
func Probe(ctx context.Context, cfg Config) ProbeResult {
	cfg = *NewConfig(cfg)

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return ProbeResult{Err: err}
	}
	conn.Close()

	s, err := Dial(ctx, cfg)
	if err != nil {
		return ProbeResult{TCPReachable: true, Err: err}
	}
	defer s.Close()

	res, err := s.Run(ctx, "echo ok")
	if err != nil || res.ExitCode != 0 {
		return ProbeResult{TCPReachable: true, Err: err}
	}
	return ProbeResult{TCPReachable: true, SSHUsable: true}
}
