//go:build !windows

package query

import (
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// assertExited waits briefly for pid to be gone. A killed orphan can linger as
// a zombie until init reaps it, which counts as exited.
func assertExited(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			return
		}
		status, err := p.Status()
		if err != nil || (len(status) > 0 && status[0] == process.Zombie) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("process %d still running after Run returned", pid)
}
