//go:build !windows

// Package service runs the agent as a foreground process. On macOS and Linux
// supervision is left to launchd or systemd.
package service

import (
	"context"

	"go.uber.org/zap"
)

// AgentService runs the agent in the foreground.
type AgentService struct {
	logger *zap.Logger
	run    func(ctx context.Context)
}

// New wraps run, which must return soon after its context is cancelled.
func New(logger *zap.Logger, run func(ctx context.Context)) *AgentService {
	return &AgentService{logger: logger.Named("service"), run: run}
}

// IsWindowsService always returns false on non-Windows platforms.
func IsWindowsService() bool {
	return false
}

// Run blocks until SIGINT/SIGTERM and the agent has stopped.
func (s *AgentService) Run() error {
	return runForeground(s.logger, s.run)
}
