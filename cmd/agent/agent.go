package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/buffer"
	"github.com/a1tools/agent/internal/collector"
	"github.com/a1tools/agent/internal/config"
	"github.com/a1tools/agent/internal/control"
	"github.com/a1tools/agent/internal/elastic"
	"github.com/a1tools/agent/internal/heartbeat"
	"github.com/a1tools/agent/internal/metrics"
	"github.com/a1tools/agent/internal/models"
	"github.com/a1tools/agent/internal/presence"
	"github.com/a1tools/agent/internal/query"
	"github.com/a1tools/agent/internal/scheduler"
	"github.com/a1tools/agent/internal/sender"
	"github.com/a1tools/agent/internal/session"
)

// agent owns every component of one running agent instance.
type agent struct {
	cfg        *config.Config
	logger     *zap.Logger
	instanceID string

	metrics   *metrics.Metrics
	machine   *presence.Machine
	session   *session.Session
	reporter  *heartbeat.Reporter
	collector *collector.Collector
	scheduler *scheduler.Scheduler
	control   *control.Server
	indexer   *elastic.Indexer
}

func newAgent(cfg *config.Config, logger *zap.Logger) (*agent, error) {
	script, err := queryScript(cfg)
	if err != nil {
		return nil, err
	}

	a := &agent{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		metrics:    metrics.New(),
		machine:    presence.NewMachine(),
		session:    session.New(cfg.Identity.Username),
	}

	a.reporter = heartbeat.New(a.machine, heartbeat.Options{
		URL:              cfg.Server.HeartbeatURL(),
		Token:            cfg.Server.Token,
		Interval:         cfg.Heartbeat.Interval.Duration,
		Timeout:          cfg.Heartbeat.Timeout.Duration,
		FailureThreshold: cfg.Heartbeat.FailureThreshold,
		AppVersion:       cfg.Identity.AppVersion,
		InstanceID:       a.instanceID,
		OnAuthError:      a.onAuthError,
	}, a.metrics, logger)

	a.collector = collector.New(query.NewExecutor(logger), a.machine, collector.Options{
		Script:          script,
		QueryTimeout:    cfg.Collection.QueryTimeout.Duration,
		PublicIPURL:     cfg.Collection.PublicIPURL,
		PublicIPTimeout: cfg.Collection.PublicIPTimeout.Duration,
		ActiveTimeCap:   cfg.Collection.ActiveTimeCap.Duration,
		AppVersion:      cfg.Identity.AppVersion,
	}, a.metrics, logger)

	a.scheduler = scheduler.New(a.collector, a.session.Username, scheduler.Options{
		Interval:      cfg.Collection.Interval.Duration,
		BatchInterval: cfg.Collection.BatchInterval.Duration,
	}, logger)

	if cfg.Control.Enabled {
		a.control = control.New(control.Deps{
			Machine:  a.machine,
			Reporter: a.reporter,
			Session:  a.session,
			Metrics:  a.metrics,
		}, logger)
	}

	if cfg.Elasticsearch.Enabled {
		a.indexer, err = elastic.New(elastic.Options{
			Addresses: cfg.Elasticsearch.Addresses,
			Index:     cfg.Elasticsearch.Index,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			APIKey:    cfg.Elasticsearch.APIKey,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// queryScript returns the configured query command, or this binary's own
// probe subcommand.
func queryScript(cfg *config.Config) (query.Script, error) {
	if q := cfg.Collection.Query; q.Command != "" {
		return query.Script{Name: "custom", Version: query.SchemaVersion, Path: q.Command, Args: q.Args}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return query.Script{}, fmt.Errorf("locate agent binary: %w", err)
	}
	deadline := cfg.Collection.QueryTimeout.Duration * 2 / 3
	return query.Script{
		Name:    "self-probe",
		Version: query.SchemaVersion,
		Path:    exe,
		Args: []string{
			"probe",
			"--top", strconv.Itoa(cfg.Collection.TopProcesses),
			"--target", cfg.LatencyTarget(),
			"--deadline", deadline.String(),
		},
	}, nil
}

// run blocks until ctx is cancelled.
func (a *agent) run(ctx context.Context) error {
	buf, err := buffer.New(a.cfg.Buffer.Dir, a.cfg.Buffer.MaxSizeMB, a.logger)
	if err != nil {
		a.logger.Warn("Local buffer unavailable, undeliverable batches will be dropped", zap.Error(err))
		buf = nil
	}
	snd := sender.New(sender.Options{
		URL:        a.cfg.Server.MetricsURL(),
		Token:      a.cfg.Server.Token,
		InstanceID: a.instanceID,
		MaxRetries: sender.DefaultMaxRetries,
	}, buf, a.metrics, a.logger)
	go snd.FlushBuffer(ctx)

	a.scheduler.OnBatchReady(func(ctx context.Context, batch []models.MetricsSnapshot) {
		snd.Send(ctx, batch)
	})
	if a.indexer != nil {
		a.scheduler.OnSnapshot(a.indexer.IndexAsync)
	}

	a.metrics.SetPresence(string(a.machine.Current()))
	var wg sync.WaitGroup
	if a.control != nil {
		a.scheduler.OnSnapshot(a.control.PublishSnapshot)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.control.ListenAndServe(ctx, a.cfg.Control.Listen); err != nil {
				a.logger.Error("Control API stopped", zap.Error(err))
			}
		}()
	} else {
		cancel := a.machine.Subscribe(func(s presence.Status) {
			a.metrics.SetPresence(string(s))
		})
		defer cancel()
	}

	if username := a.session.Username(); username != "" {
		a.reporter.Start(username)
	}

	a.logger.Info("Agent running",
		zap.String("instance_id", a.instanceID),
		zap.Duration("collect_interval", a.cfg.Collection.Interval.Duration),
		zap.Duration("batch_interval", a.cfg.Collection.BatchInterval.Duration))
	a.scheduler.Start(ctx)

	a.reporter.Stop()
	if a.indexer != nil {
		a.indexer.Wait()
	}
	wg.Wait()
	return nil
}

// onAuthError runs when the heartbeat endpoint rejects the agent's
// credentials: the identity is cleared and the host is told to log in again.
func (a *agent) onAuthError() {
	prev := a.session.Logout()
	a.logger.Warn("Server rejected credentials, session cleared", zap.String("username", prev))
	if a.control != nil {
		a.control.PublishAuthError()
	}
}
