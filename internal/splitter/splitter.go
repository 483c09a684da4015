// Package splitter turns one uploaded file into many record batches. It
// consumes file_uploaded messages, streams the file out of storage, and
// publishes batches of records for the processors.
package splitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/recordpipe/internal/model"
	"github.com/dharsanguruparan/recordpipe/internal/mq"
	"github.com/dharsanguruparan/recordpipe/internal/storage"
)

// AppID identifies the splitter on the messages it publishes.
const AppID = "file_splitter"

// FileRegistry is the slice of the uploaded-file repository the splitter
// mutates.
type FileRegistry interface {
	UpdateStatus(ctx context.Context, id string, status model.FileStatus) error
	SetTotalRecords(ctx context.Context, id string, total int64) error
}

// BatchPublisher publishes a message body to an exchange/routing key pair.
type BatchPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Splitter is the file_uploaded consumer client.
type Splitter struct {
	files     FileRegistry
	store     storage.Store
	pub       BatchPublisher
	batchSize int
	log       *logrus.Entry
}

// New constructs a Splitter that publishes batches of batchSize records.
func New(files FileRegistry, store storage.Store, pub BatchPublisher, batchSize int, log *logrus.Entry) *Splitter {
	return &Splitter{
		files:     files,
		store:     store,
		pub:       pub,
		batchSize: batchSize,
		log:       log,
	}
}

// Handle is the consumer entry point for one file_uploaded message.
func (s *Splitter) Handle(ctx context.Context, d amqp.Delivery) error {
	var msg model.FileUploadedMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decode file uploaded message: %w", err)
	}
	return s.Split(ctx, msg)
}

// Split streams the file behind msg, publishes its records in batches and
// updates the file's metadata. Malformed content marks the file failed but
// returns nil, so the message is acknowledged and never retried; the source
// file is kept for diagnosis. Any other failure marks the file failed and is
// returned so the message goes back to the broker.
func (s *Splitter) Split(ctx context.Context, msg model.FileUploadedMessage) error {
	log := s.log.WithField("file_id", msg.ID)

	if err := s.files.UpdateStatus(ctx, msg.ID, model.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	total, err := s.splitAndPublish(ctx, msg)
	if err != nil {
		if markErr := s.files.UpdateStatus(ctx, msg.ID, model.StatusFailed); markErr != nil {
			log.WithError(markErr).Error("mark file failed")
		}
		if errors.Is(err, ErrMalformed) {
			log.WithError(err).Warn("uploaded file did not contain a valid record array")
			return nil
		}
		log.WithError(err).Error("error while processing file")
		return err
	}

	if err := s.files.SetTotalRecords(ctx, msg.ID, total); err != nil {
		log.WithError(err).Error("record total count")
	}
	log.WithField("total_records", total).Info("file split")

	s.deleteSource(ctx, msg.Location, log)
	return nil
}

func (s *Splitter) splitAndPublish(ctx context.Context, msg model.FileUploadedMessage) (int64, error) {
	f, err := s.store.Open(ctx, msg.Location)
	if err != nil {
		return 0, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	batch := make([]map[string]any, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		body, err := json.Marshal(model.RecordBatchMessage{FileID: msg.ID, Records: batch})
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}
		if err := s.pub.Publish(ctx, mq.Exchange, mq.QueueDataProcessing, body); err != nil {
			return fmt.Errorf("publish batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	total, err := readRecords(f, func(rec map[string]any) error {
		batch = append(batch, rec)
		if len(batch) == s.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	// Leftover records below the batch threshold still have to go out.
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

// deleteSource is best-effort cleanup after a successful split.
func (s *Splitter) deleteSource(ctx context.Context, location string, log *logrus.Entry) {
	if err := s.store.Delete(ctx, location); err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			log.WithField("location", location).Warn("source file already deleted")
			return
		}
		log.WithError(err).WithField("location", location).Warn("delete source file")
	}
}
