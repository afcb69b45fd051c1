//go:build !windows

package action

import (
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
)

// ExecSpawner runs commands with Shell -c (default /bin/sh) in a new session. It does not
// wait for completion; a background goroutine reaps the child.
type ExecSpawner struct {
	Shell  string
	Logger *slog.Logger
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(cmd string) error {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	c := exec.Command(shell, "-c", cmd)
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := c.Start(); err != nil {
		return fmt.Errorf("fork %s: %w", shell, err)
	}
	if s.Logger != nil {
		s.Logger.Debug("spawned command", "cmd", cmd, "pid", c.Process.Pid)
	}
	go func() {
		_ = c.Wait()
	}()
	return nil
}
