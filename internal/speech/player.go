package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// CommandPlayer plays files with an external command, by default
// `paplay <file> --device=<sink>`.
type CommandPlayer struct {
	Command string
	Device  string
	Logger  *slog.Logger
}

func NewCommandPlayer(command, device string, logger *slog.Logger) *CommandPlayer {
	if command == "" {
		command = "paplay"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPlayer{Command: command, Device: device, Logger: logger}
}

// Play runs the player and waits for it. A cancelled ctx kills the player
// process; Play still returns only after it has been reaped.
func (p *CommandPlayer) Play(ctx context.Context, path string) error {
	args := []string{path}
	if p.Device != "" {
		args = append(args, "--device="+p.Device)
	}
	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.Logger.Info("starting playback", "command", p.Command, "path", path, "device", p.Device)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.Command, err)
	}
	err := cmd.Wait()
	if ctx.Err() != nil {
		p.Logger.Info("playback stopped", "path", path, "pid", cmd.Process.Pid)
		return ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", p.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", p.Command, err)
	}
	return nil
}
