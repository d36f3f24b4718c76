// Package elastic indexes snapshots into Elasticsearch, one document each.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/models"
)

const indexTimeout = 5 * time.Second

// Options configure the Elasticsearch connection.
type Options struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
	APIKey    string
}

// Indexer writes snapshots to one index.
type Indexer struct {
	client *elasticsearch.Client
	index  string
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates an Indexer. No request is made until the first Index call.
func New(opts Options, logger *zap.Logger) (*Indexer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Indexer{client: es, index: opts.Index, logger: logger.Named("elastic")}, nil
}

// Index stores one snapshot.
func (i *Indexer) Index(ctx context.Context, snap models.MetricsSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	res, err := i.client.Index(
		i.index,
		bytes.NewReader(data),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index snapshot: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.IsError() {
		return fmt.Errorf("index snapshot: %s", res.Status())
	}
	return nil
}

// IndexAsync indexes snap in the background and logs failures. It is the
// scheduler callback and returns without waiting for Elasticsearch.
func (i *Indexer) IndexAsync(snap models.MetricsSnapshot) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := i.Index(context.Background(), snap); err != nil {
			i.logger.Warn("Failed to index snapshot", zap.Error(err))
		}
	}()
}

// Wait blocks until every IndexAsync call has finished.
func (i *Indexer) Wait() {
	i.wg.Wait()
}
