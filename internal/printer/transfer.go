package printer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/config"
	"github.com/orrn/dispatch/internal/db"
)

// Transfer sends a decompressed document to a destination. A debug send, or
// a destination without a transfer path, must succeed without touching a
// real printer.
type Transfer interface {
	Send(ctx context.Context, dest *db.Destination, file string, debug bool) error
}

// SmbTransfer ships files over the network print protocol by shelling out
// to smbclient with the destination's stored credentials.
type SmbTransfer struct {
	cfg config.TransferConfig
}

func NewSmbTransfer(cfg config.TransferConfig) *SmbTransfer {
	if cfg.SmbclientPath == "" {
		cfg.SmbclientPath = "smbclient"
	}
	if cfg.DummyDelay == 0 {
		cfg.DummyDelay = 2 * time.Second
	}
	return &SmbTransfer{cfg: cfg}
}

func (t *SmbTransfer) Send(ctx context.Context, dest *db.Destination, file string, debug bool) error {
	if debug || dest.TransferPath == "" {
		// Staging destination: simulate a send with a fixed delay.
		log.WithFields(log.Fields{"destination": dest.Name, "file": file}).
			Debug("dummy transfer")
		select {
		case <-time.After(t.cfg.DummyDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	args := []string{
		dest.TransferPath,
		"-W", dest.TransferDomain,
		"-U", dest.TransferUser + "%" + dest.TransferPassword,
		"-c", "print " + file,
	}

	cmd := exec.CommandContext(ctx, t.cfg.SmbclientPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("smbclient failed: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
