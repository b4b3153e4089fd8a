package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/genassista/edu-pipeline/internal/models"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// How many entries to claim per batch.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed entries.
	MaxConcurrency int
}

// Streamer publishes transition log rows to Kafka (keyed by submission id)
// and archives them to S3, marking each row's stream result back in Postgres
// so the DB drives retries after a crash or broker outage.
type Streamer struct {
	store    *PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

func NewStreamer(store *PGStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run starts the streamer loop and blocks until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.store.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, entry := range entries {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(entry models.TransitionLogEntry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, entry); err != nil {
					// processEntry already marked the DB result; just log.
					log.Printf("[audit.streamer] process entry %s: %v", entry.ID, err)
				}
			}(entry)
		}

		// Drain the batch before claiming more.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEntry performs produce -> archive for one claimed entry and records
// the result, re-queueing the row on failure.
func (s *Streamer) processEntry(parentCtx context.Context, entry models.TransitionLogEntry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	value, err := json.Marshal(entry)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("marshal entry: %v", err), Valid: true}
		_ = s.store.MarkStreamResult(parentCtx, entry.ID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("marshal entry: %w", err)
	}

	if _, err := s.producer.Produce(ctx, []byte(entry.SubmissionID), value); err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("kafka produce: %v", err), Valid: true}
		_ = s.store.MarkStreamResult(parentCtx, entry.ID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey sql.NullString
	if s.archiver != nil {
		key, err := s.archiver.ArchiveEntry(ctx, entry)
		if err != nil {
			errMsg := sql.NullString{String: fmt.Sprintf("archive: %v", err), Valid: true}
			_ = s.store.MarkStreamResult(parentCtx, entry.ID, sql.NullString{}, false, errMsg)
			return fmt.Errorf("archive: %w", err)
		}
		archivedKey = sql.NullString{String: key, Valid: true}
	}

	if err := s.store.MarkStreamResult(parentCtx, entry.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	return nil
}
