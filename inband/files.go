package inband

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/ironhive/ironhive/pkg/fault"
)

// Upload copies a local file to remote, creating missing remote
// directories. The remote file inherits the local mode bits.
func (s *Session) Upload(ctx context.Context, local, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(local)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "upload %s", local)
	}
	src, err := os.Open(local)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "upload %s", local)
	}
	defer src.Close()

	c, err := sftp.NewClient(s.client)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "sftp to %s", s.cfg.Host)
	}
	defer c.Close()

	if dir := path.Dir(remote); dir != "." && dir != "/" {
		if err := c.MkdirAll(dir); err != nil {
			return fault.Wrap(fault.SSHConnection, err, "mkdir %s on %s", dir, s.cfg.Host)
		}
	}
	dst, err := c.Create(remote)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "create %s on %s", remote, s.cfg.Host)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "copy %s to %s", local, remote)
	}
	if err := c.Chmod(remote, st.Mode().Perm()); err != nil {
		return fault.Wrap(fault.SSHConnection, err, "chmod %s on %s", remote, s.cfg.Host)
	}
	s.log.V(1).Info("uploaded", "local", local, "remote", remote, "bytes", n)
	return nil
}

// Download copies a remote file to local, creating missing local
// directories.
func (s *Session) Download(ctx context.Context, remote, local string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "sftp to %s", s.cfg.Host)
	}
	defer c.Close()

	src, err := c.Open(remote)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "open %s on %s", remote, s.cfg.Host)
	}
	defer src.Close()

	if dir := filepath.Dir(local); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.Wrap(fault.SSHConnection, err, "mkdir %s", dir)
		}
	}
	dst, err := os.Create(local)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "create %s", local)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fault.Wrap(fault.SSHConnection, err, "copy %s to %s", remote, local)
	}
	s.log.V(1).Info("downloaded", "remote", remote, "local", local, "bytes", n)
	return nil
}
