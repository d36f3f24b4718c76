package service

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestRunForeground_ReturnsWhenAgentExits(t *testing.T) {
	var ran bool
	err := runForeground(zap.NewNop(), func(ctx context.Context) {
		ran = true
	})
	if err != nil || !ran {
		t.Errorf("err = %v, ran = %v", err, ran)
	}
}
