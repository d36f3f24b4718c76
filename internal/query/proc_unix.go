//go:build !windows

package query

import (
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group so everything it spawns
// can be killed together.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// procGroup is the child's process group, led by the child itself.
type procGroup struct {
	cmd  *exec.Cmd
	once sync.Once
}

func attach(cmd *exec.Cmd, _ *zap.Logger) *procGroup {
	return &procGroup{cmd: cmd}
}

// kill sends SIGKILL to the whole group. The group outlives its leader, so
// this also reaches descendants after the child itself has exited.
func (g *procGroup) kill() {
	g.once.Do(func() {
		if err := unix.Kill(-g.cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			_ = g.cmd.Process.Kill()
		}
	})
}
