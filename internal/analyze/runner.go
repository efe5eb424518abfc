package analyze

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// GhostscriptRunner invokes ghostscript with the inkcov device, which prints
// one coverage record per page to stdout.
type GhostscriptRunner struct {
	Path    string
	Timeout time.Duration
}

func (g *GhostscriptRunner) Run(ctx context.Context, file string) ([]string, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.Path,
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=inkcov", "-o", "-",
		file,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ghostscript failed: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ghostscript output: %w", err)
	}
	return lines, nil
}
