package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/logger"
)

const defaultBatchSize = 500

// ArchiveConfig configures the S3 archive.
type ArchiveConfig struct {
	Bucket    string
	Prefix    string
	BatchSize int
}

// S3Archive implements engine.Archiver. Sessions are written as one JSON
// object each; buy-box events are queued per UTC day and flushed as JSONL
// objects when a batch fills or Flush runs.
type S3Archive struct {
	client    ObjectStore
	bucket    string
	prefix    string
	batchSize int
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string][]domain.BuyBoxEvent
	seq     int
}

// NewS3Archive creates an archive over client.
func NewS3Archive(client ObjectStore, cfg ArchiveConfig) *S3Archive {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &S3Archive{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		batchSize: cfg.BatchSize,
		log:       logger.With("component", "archive"),
		now:       time.Now,
		pending:   make(map[string][]domain.BuyBoxEvent),
	}
}

// SessionKey is the object key of an archived session.
func (a *S3Archive) SessionKey(s *domain.RepricingSession) string {
	return fmt.Sprintf("%ssessions/%s/%s.json", a.prefix, s.StartedAt.UTC().Format("2006/01/02"), s.ID)
}

// ArchiveSession writes the finished session, results included.
func (a *S3Archive) ArchiveSession(ctx context.Context, s *domain.RepricingSession) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	key := a.SessionKey(s)
	if err := a.put(ctx, key, data, "application/json"); err != nil {
		return err
	}
	a.log.Debug("session archived", "session_id", s.ID, "key", key)
	return nil
}

// LoadSession reads an archived session back.
func (a *S3Archive) LoadSession(ctx context.Context, key string) (*domain.RepricingSession, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	var s domain.RepricingSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &s, nil
}

// ArchiveBuyBoxEvent queues ev. A full batch for the event's day is
// flushed synchronously.
func (a *S3Archive) ArchiveBuyBoxEvent(ctx context.Context, ev domain.BuyBoxEvent) error {
	day := ev.Timestamp.UTC().Format("2006-01-02")

	a.mu.Lock()
	a.pending[day] = append(a.pending[day], ev)
	var batch []domain.BuyBoxEvent
	if len(a.pending[day]) >= a.batchSize {
		batch = a.pending[day]
		delete(a.pending, day)
	}
	a.mu.Unlock()

	if batch == nil {
		return nil
	}
	return a.flushDay(ctx, day, batch)
}

// Pending is the number of queued buy-box events.
func (a *S3Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, evs := range a.pending {
		n += len(evs)
	}
	return n
}

// Flush writes every queued event. Days that fail to upload are requeued.
func (a *S3Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	queued := a.pending
	a.pending = make(map[string][]domain.BuyBoxEvent)
	a.mu.Unlock()

	days := make([]string, 0, len(queued))
	for day := range queued {
		days = append(days, day)
	}
	sort.Strings(days)

	var firstErr error
	for _, day := range days {
		if err := a.flushDay(ctx, day, queued[day]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is done, then flushes once more.
func (a *S3Archive) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.Flush(final); err != nil {
				a.log.Error("final buy-box flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.log.Warn("buy-box flush failed", "error", err)
			}
		}
	}
}

func (a *S3Archive) flushDay(ctx context.Context, day string, events []domain.BuyBoxEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("marshaling buy-box event %s: %w", ev.ID, err)
		}
	}

	a.mu.Lock()
	a.seq++
	key := fmt.Sprintf("%sbuybox/%s/%d-%04d.jsonl", a.prefix, day, a.now().UTC().UnixNano(), a.seq)
	a.mu.Unlock()

	if err := a.put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		a.requeue(day, events)
		return err
	}
	a.log.Debug("buy-box events archived", "day", day, "count", len(events), "key", key)
	return nil
}

func (a *S3Archive) requeue(day string, events []domain.BuyBoxEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[day] = append(events, a.pending[day]...)
}

func (a *S3Archive) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}
