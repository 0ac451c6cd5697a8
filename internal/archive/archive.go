// Package archive mirrors ingested samples into Elasticsearch for ad hoc
// search. Entirely optional and best-effort: the ingest path enqueues and
// moves on, and a full buffer drops the document rather than blocking.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ankercloud/internal/config"
	"ankercloud/internal/logger"
	"ankercloud/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// Document is one archived sample.
type Document struct {
	ResourceID string                `json:"resource_id"`
	Kind       models.ResourceKind   `json:"resource_kind"`
	Status     models.ResourceStatus `json:"status"`
	Metrics    map[string]float64    `json:"metrics"`
	SampledAt  time.Time             `json:"sampled_at"`
	Timestamp  time.Time             `json:"@timestamp"`
}

type Writer struct {
	es          *elasticsearch.Client
	indexPrefix string
	queue       chan Document
	done        chan struct{}
}

// NewWriter connects to Elasticsearch and starts the background indexer.
// Returns (nil, nil) when archiving is disabled.
func NewWriter(cfg config.ElasticsearchConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	w := &Writer{
		es:          es,
		indexPrefix: cfg.IndexPrefix,
		queue:       make(chan Document, 500),
		done:        make(chan struct{}),
	}
	go w.run()

	logger.Info("sample archive enabled", zap.Strings("addresses", cfg.Addresses))
	return w, nil
}

// Enqueue queues a sample for archiving. Non-blocking; drops when the
// indexer cannot keep up.
func (w *Writer) Enqueue(doc Document) {
	if w == nil {
		return
	}
	select {
	case w.queue <- doc:
	default:
		logger.Debug("archive buffer full, dropping sample",
			zap.String("resource_id", doc.ResourceID))
	}
}

// Close drains the queue and stops the indexer.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	close(w.queue)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for doc := range w.queue {
		if err := w.index(doc); err != nil {
			logger.Warn("failed to archive sample",
				zap.String("resource_id", doc.ResourceID),
				zap.Error(err))
		}
	}
}

func (w *Writer) index(doc Document) error {
	doc.Timestamp = time.Now().UTC()

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal sample document: %w", err)
	}

	// Daily rolling index.
	index := fmt.Sprintf("%s-%s", w.indexPrefix, time.Now().Format("2006.01.02"))
	req := esapi.IndexRequest{
		Index: index,
		Body:  bytes.NewReader(body),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := req.Do(ctx, w.es)
	if err != nil {
		return fmt.Errorf("failed to index sample: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch indexing error: %s", res.String())
	}
	return nil
}
