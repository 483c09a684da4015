// Package processor consumes record batches, upserts them into the product
// store and keeps per-file progress counters consistent under concurrent
// workers.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/recordpipe/internal/model"
)

// AppID identifies the processor service.
const AppID = "data_processor"

// FileCounters is the slice of the uploaded-file repository the processor
// mutates. AddRecordCounts must be an atomic increment at the storage layer;
// Finalize must only fire once the file is fully accounted for.
type FileCounters interface {
	AddRecordCounts(ctx context.Context, id string, processed, failed int64) error
	Finalize(ctx context.Context, id string) (model.FileStatus, bool, error)
}

// ProductStore persists validated products, replacing rows by business code.
type ProductStore interface {
	BulkUpsert(ctx context.Context, products []model.Product) error
}

// Processor is the data_processing consumer client.
type Processor struct {
	files    FileCounters
	products ProductStore
	now      func() time.Time
	log      *logrus.Entry
}

// New constructs a Processor.
func New(files FileCounters, products ProductStore, log *logrus.Entry) *Processor {
	return &Processor{
		files:    files,
		products: products,
		now:      time.Now,
		log:      log,
	}
}

// Handle is the consumer entry point for one data_processing message.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) error {
	var batch model.RecordBatchMessage
	if err := json.Unmarshal(d.Body, &batch); err != nil {
		return fmt.Errorf("decode record batch message: %w", err)
	}
	return p.Process(ctx, batch)
}

// Process validates every record in the batch, upserts the valid ones in a
// single bulk operation and bumps the originating file's counters. A record
// that fails validation is counted and skipped, never aborting the batch.
// Batches of the same file may be processed concurrently and in any order;
// the counter increments and the guarded finalization keep the file's state
// consistent regardless of interleaving.
func (p *Processor) Process(ctx context.Context, batch model.RecordBatchMessage) error {
	log := p.log.WithField("file_id", batch.FileID)
	now := p.now().UTC()

	var processed, failed int64
	toUpsert := make([]model.Product, 0, len(batch.Records))
	for _, rec := range batch.Records {
		product, err := buildProduct(rec, batch.FileID, now)
		if err != nil {
			log.WithField("code", recordCode(rec)).WithError(err).Warn("could not process record")
			failed++
			continue
		}
		toUpsert = append(toUpsert, product)
		processed++
	}

	if len(toUpsert) > 0 {
		if err := p.products.BulkUpsert(ctx, toUpsert); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
	}

	if err := p.files.AddRecordCounts(ctx, batch.FileID, processed, failed); err != nil {
		return fmt.Errorf("update file counters: %w", err)
	}

	// Every batch triggers the finalization check; whichever batch completes
	// the accounting flips the file into its terminal status. When
	// total_records is not yet known this is a no-op and a later batch will
	// re-check.
	status, done, err := p.files.Finalize(ctx, batch.FileID)
	if err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}
	if done {
		log.WithField("status", status).Info("file fully processed")
	}
	return nil
}
