//go:build windows

package query

import (
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// isolate starts the child in a new process group without a console window.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_NO_WINDOW,
		HideWindow:    true,
	}
}

// procGroup is a job object holding the child and everything it spawns.
// Without a job (assignment failed), kill walks the live process tree.
type procGroup struct {
	cmd  *exec.Cmd
	job  windows.Handle
	once sync.Once
}

func attach(cmd *exec.Cmd, logger *zap.Logger) *procGroup {
	g := &procGroup{cmd: cmd}
	job, err := newKillOnCloseJob()
	if err != nil {
		logger.Debug("Job object unavailable, falling back to tree kill", zap.Error(err))
		return g
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
	if err == nil {
		err = windows.AssignProcessToJobObject(job, h)
		windows.CloseHandle(h)
	}
	if err != nil {
		logger.Debug("Could not assign query process to job", zap.Error(err))
		windows.CloseHandle(job)
		return g
	}
	g.job = job
	return g
}

func newKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info))); err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

func (g *procGroup) kill() {
	g.once.Do(func() {
		if g.job != 0 {
			_ = windows.TerminateJobObject(g.job, 1)
			windows.CloseHandle(g.job)
		} else if root, err := process.NewProcess(int32(g.cmd.Process.Pid)); err == nil {
			killTree(root)
		}
		_ = g.cmd.Process.Kill()
	})
}

func killTree(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killTree(child)
		_ = child.Kill()
	}
}
