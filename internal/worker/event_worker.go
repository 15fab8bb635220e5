package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

var eventColumns = []string{
	"attempt_id", "test_id", "candidate_id", "kind", "cause",
	"section_id", "question_id", "time_increment", "recorded_at",
}

// EventWorker drains the attempt event queue into attempt_events.
type EventWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewEventWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *EventWorker {
	return &EventWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "event_worker").Logger(),
	}
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *EventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("EventWorker started")

	buffer := make([]*model.AttemptEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0] // Clear buffer, keep capacity
			lastFlushTime = time.Now()
		}

		// 2. Graceful shutdown
		if ctx.Err() != nil {
			w.shutdown(buffer)
			return
		}

		// 3. BLPop blocks for PollTimeout and returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAttemptEventsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty, loop back to check the flush timer
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		event, err := decodeEvent([]byte(result[1]))
		if err != nil {
			// Malformed payloads can never succeed. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed attempt event")
			continue
		}
		buffer = append(buffer, event)
	}
}

func decodeEvent(data []byte) (*model.AttemptEvent, error) {
	var e model.AttemptEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// eventRow lays an event out in eventColumns order.
func eventRow(e *model.AttemptEvent) []interface{} {
	var cause *string
	if e.Cause != nil {
		c := string(*e.Cause)
		cause = &c
	}
	return []interface{}{
		e.AttemptID, e.TestID, e.CandidateID, string(e.Kind), cause,
		e.SectionID, e.QuestionID, e.TimeIncrement, time.Unix(e.RecordedAt, 0).UTC(),
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *EventWorker) flushSafe(ctx context.Context, batch []*model.AttemptEvent) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *EventWorker) bulkInsert(ctx context.Context, batch []*model.AttemptEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, eventRow(e))
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_events"},
		eventColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *EventWorker) fallbackInsert(ctx context.Context, batch []*model.AttemptEvent) {
	requeueList := make([]*model.AttemptEvent, 0)

	for _, e := range batch {
		_, err := w.pool.Exec(ctx,
			`INSERT INTO attempt_events (attempt_id, test_id, candidate_id, kind, cause,
			                             section_id, question_id, time_increment, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			eventRow(e)...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", e.AttemptID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *EventWorker) requeue(ctx context.Context, items []*model.AttemptEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, config.WorkerKey.PersistAttemptEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue attempt events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed attempt events")
	// Back off so a database outage does not spin the loop.
	time.Sleep(2 * time.Second)
}

func (w *EventWorker) shutdown(buffer []*model.AttemptEvent) {
	w.log.Info().Int("buffered", len(buffer)).Msg("EventWorker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
