package processor

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/recordpipe/internal/model"
)

// fakeFileCounters mirrors the repository's increment-then-guarded-finalize
// behavior so interleaving tests exercise the same state machine.
type fakeFileCounters struct {
	total     int64
	processed int64
	failed    int64
	status    model.FileStatus
	addErr    error
}

func (f *fakeFileCounters) AddRecordCounts(ctx context.Context, id string, processed, failed int64) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.processed += processed
	f.failed += failed
	return nil
}

func (f *fakeFileCounters) Finalize(ctx context.Context, id string) (model.FileStatus, bool, error) {
	if f.status != model.StatusProcessing {
		return "", false, nil
	}
	if f.total <= 0 || f.processed+f.failed < f.total {
		return "", false, nil
	}
	if f.failed > 0 {
		f.status = model.StatusProcessedWithErrors
	} else {
		f.status = model.StatusProcessed
	}
	return f.status, true, nil
}

type fakeProductStore struct {
	upserts [][]model.Product
	err     error
}

func (f *fakeProductStore) BulkUpsert(ctx context.Context, products []model.Product) error {
	if f.err != nil {
		return f.err
	}
	cp := make([]model.Product, len(products))
	copy(cp, products)
	f.upserts = append(f.upserts, cp)
	return nil
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func newTestProcessor(files FileCounters, products ProductStore, now time.Time) *Processor {
	p := New(files, products, testLogger())
	p.now = func() time.Time { return now }
	return p
}

func TestProcessValidatesStampsAndUpserts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	files := &fakeFileCounters{total: 4, status: model.StatusProcessing}
	products := &fakeProductStore{}
	p := newTestProcessor(files, products, now)

	err := p.Process(context.Background(), model.RecordBatchMessage{
		FileID: "file-1",
		Records: []map[string]any{
			{"code": "A", "product_name": "apple", "id": "ext-1", "_id": "mongo-1", "color": "red"},
			{"product_name": "no code"},
			{"code": "B", "product_name": 42.0},
			{"code": "C", "product_name": nil, "qty": 7.0},
		},
	})
	require.NoError(t, err)

	require.EqualValues(t, 2, files.processed)
	require.EqualValues(t, 2, files.failed)

	require.Len(t, products.upserts, 1)
	batch := products.upserts[0]
	require.Len(t, batch, 2)

	a := batch[0]
	require.Equal(t, "A", a.Code)
	require.Equal(t, "apple", a.ProductName)
	require.Equal(t, "file-1", a.FileID)
	require.Equal(t, now, a.LastModified)
	require.Equal(t, map[string]any{"color": "red"}, a.Extra)
	require.NotContains(t, a.Extra, "id")
	require.NotContains(t, a.Extra, "_id")

	c := batch[1]
	require.Equal(t, "C", c.Code)
	require.Empty(t, c.ProductName)
	require.Equal(t, map[string]any{"qty": 7.0}, c.Extra)
}

func TestProcessAllInvalidSkipsUpsert(t *testing.T) {
	files := &fakeFileCounters{total: 2, status: model.StatusProcessing}
	products := &fakeProductStore{}
	p := newTestProcessor(files, products, time.Now())

	err := p.Process(context.Background(), model.RecordBatchMessage{
		FileID:  "file-1",
		Records: []map[string]any{{"name": "x"}, {"code": ""}},
	})
	require.NoError(t, err)
	require.Empty(t, products.upserts)
	require.EqualValues(t, 0, files.processed)
	require.EqualValues(t, 2, files.failed)
	require.Equal(t, model.StatusProcessedWithErrors, files.status)
}

func TestProcessFinalizesOnlyWhenFullyAccounted(t *testing.T) {
	files := &fakeFileCounters{total: 4, status: model.StatusProcessing}
	products := &fakeProductStore{}
	p := newTestProcessor(files, products, time.Now())

	first := model.RecordBatchMessage{
		FileID:  "file-1",
		Records: []map[string]any{{"code": "A"}, {"code": "B"}},
	}
	second := model.RecordBatchMessage{
		FileID:  "file-1",
		Records: []map[string]any{{"code": "C"}, {"code": "D"}},
	}

	require.NoError(t, p.Process(context.Background(), first))
	require.Equal(t, model.StatusProcessing, files.status)

	require.NoError(t, p.Process(context.Background(), second))
	require.Equal(t, model.StatusProcessed, files.status)
	require.EqualValues(t, 4, files.processed)
}

func TestProcessFinalizeWaitsForUnknownTotal(t *testing.T) {
	// total_records not yet set by the splitter: the check cannot fire, and
	// a later batch picks it up once the total is known.
	files := &fakeFileCounters{total: 0, status: model.StatusProcessing}
	p := newTestProcessor(files, &fakeProductStore{}, time.Now())

	batch := model.RecordBatchMessage{FileID: "file-1", Records: []map[string]any{{"code": "A"}}}
	require.NoError(t, p.Process(context.Background(), batch))
	require.Equal(t, model.StatusProcessing, files.status)

	files.total = 2
	require.NoError(t, p.Process(context.Background(), model.RecordBatchMessage{
		FileID:  "file-1",
		Records: []map[string]any{{"code": "B"}},
	}))
	require.Equal(t, model.StatusProcessed, files.status)
}

func TestProcessCounterConservationUnderAnyInterleaving(t *testing.T) {
	// 10 batches of mixed validity processed in random order must always
	// account for every record exactly once and finalize with errors.
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		var batches []model.RecordBatchMessage
		var total int64
		for b := 0; b < 10; b++ {
			records := []map[string]any{{"code": "A"}, {"bad": true}, {"code": "B"}}
			total += int64(len(records))
			batches = append(batches, model.RecordBatchMessage{FileID: "file-1", Records: records})
		}
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })

		files := &fakeFileCounters{total: total, status: model.StatusProcessing}
		p := newTestProcessor(files, &fakeProductStore{}, time.Now())
		for _, batch := range batches {
			require.NoError(t, p.Process(context.Background(), batch))
		}

		require.Equal(t, total, files.processed+files.failed)
		require.EqualValues(t, 10, files.failed)
		require.Equal(t, model.StatusProcessedWithErrors, files.status)
	}
}

func TestProcessUpsertFailureRequeues(t *testing.T) {
	files := &fakeFileCounters{total: 1, status: model.StatusProcessing}
	products := &fakeProductStore{err: errors.New("store down")}
	p := newTestProcessor(files, products, time.Now())

	err := p.Process(context.Background(), model.RecordBatchMessage{
		FileID:  "file-1",
		Records: []map[string]any{{"code": "A"}},
	})
	require.Error(t, err)
	// Counters untouched so the redelivered batch is not double counted.
	require.EqualValues(t, 0, files.processed)
	require.EqualValues(t, 0, files.failed)
}

func TestHandleRejectsBadMessage(t *testing.T) {
	p := newTestProcessor(&fakeFileCounters{}, &fakeProductStore{}, time.Now())
	err := p.Handle(context.Background(), amqp.Delivery{Body: []byte(`{`)})
	require.Error(t, err)
}
