//go:build windows

// Package service runs the agent either under the Windows Service Control
// Manager or, from a terminal, as a foreground process stopped by Ctrl+C.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

// Name is the SCM service name.
const Name = "A1Agent"

// AgentService implements svc.Handler around a blocking run function.
type AgentService struct {
	logger *zap.Logger
	run    func(ctx context.Context)
}

// New wraps run, which must return soon after its context is cancelled.
func New(logger *zap.Logger, run func(ctx context.Context)) *AgentService {
	return &AgentService{logger: logger.Named("service"), run: run}
}

// IsWindowsService checks if the process is running as a Windows service.
func IsWindowsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Run enters the SCM control loop when started by the SCM, otherwise runs in
// the foreground until interrupted.
func (s *AgentService) Run() error {
	if !IsWindowsService() {
		return runForeground(s.logger, s.run)
	}
	s.logger.Info("Running as Windows service")
	return svc.Run(Name, s)
}

// Execute implements svc.Handler.
func (s *AgentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx)
	}()

	changes <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}
	s.logger.Info("Windows service started")

	for {
		select {
		case <-done:
			s.logger.Warn("Agent exited while the service was running")
			return false, 1
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Windows service stopping")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(stopTimeout):
					s.logger.Warn("Agent did not stop in time", zap.Duration("timeout", stopTimeout))
				}
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request",
					zap.Uint32("cmd", uint32(c.Cmd)))
			}
		}
	}
}
