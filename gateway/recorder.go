// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one finalized request's accounting entry. Records are
// written asynchronously; losing one under crash is acceptable, the
// budget tables remain the source of billing truth.
type UsageRecord struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"request_id"`
	Timestamp      time.Time       `json:"timestamp"`
	UserID         int64           `json:"user_id"`
	APIKeyID       *int64          `json:"api_key_id,omitempty"`
	Endpoint       string          `json:"endpoint"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider"`
	PromptTokens   int             `json:"prompt_tokens"`
	ResponseTokens int             `json:"response_tokens"`
	CostCents      int64           `json:"cost_cents"`
	DurationMS     int64           `json:"duration_ms"`
	Status         string          `json:"status"`
	ErrorCode      string          `json:"error_code,omitempty"`
	RiskScore      float64         `json:"risk_score,omitempty"`
	Detections     json.RawMessage `json:"detections,omitempty"`
}

// UsageRecorder buffers usage records on a channel and writes them to
// PostgreSQL in batches. It also emits the per-request Prometheus
// counters so metrics and the usage table stay in lockstep.
type UsageRecorder struct {
	db       *sql.DB
	queue    chan *UsageRecord
	wg       sync.WaitGroup
	shutdown chan struct{}

	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
}

// NewUsageRecorder creates a recorder and starts its worker. db may be
// nil, which makes persistence a no-op (metrics still fire).
func NewUsageRecorder(db *sql.DB, logger *log.Logger) *UsageRecorder {
	if logger == nil {
		logger = log.Default()
	}
	r := &UsageRecorder{
		db:            db,
		queue:         make(chan *UsageRecord, 10000),
		shutdown:      make(chan struct{}),
		batchSize:     100,
		flushInterval: 5 * time.Second,
		logger:        logger,
	}

	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues a usage record and bumps the metrics. Never blocks
// the request path: if the queue is full the record is dropped with a
// log line.
func (r *UsageRecorder) Record(rec *UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	promRequestsTotal.WithLabelValues(rec.Endpoint, rec.Model, rec.Status).Inc()
	promRequestDuration.WithLabelValues(rec.Endpoint, rec.Model).Observe(float64(rec.DurationMS))
	if rec.PromptTokens > 0 {
		promTokensTotal.WithLabelValues(rec.Model, "prompt").Add(float64(rec.PromptTokens))
	}
	if rec.ResponseTokens > 0 {
		promTokensTotal.WithLabelValues(rec.Model, "response").Add(float64(rec.ResponseTokens))
	}
	if rec.CostCents > 0 {
		promCostCentsTotal.WithLabelValues(rec.Model).Add(float64(rec.CostCents))
	}

	select {
	case r.queue <- rec:
	default:
		r.logger.Printf("[USAGE] queue full, dropping record %s", rec.ID)
	}
}

// Close flushes pending records and stops the worker.
func (r *UsageRecorder) Close() {
	close(r.shutdown)
	r.wg.Wait()
}

func (r *UsageRecorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*UsageRecord, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(batch); err != nil {
			r.logger.Printf("[USAGE] batch write failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.shutdown:
			// Drain whatever is already queued, then flush.
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *UsageRecorder) write(batch []*UsageRecord) error {
	if r.db == nil {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO usage_records (
			id, request_id, timestamp, user_id, api_key_id, endpoint,
			model, provider, prompt_tokens, response_tokens, cost_cents,
			duration_ms, status, error_code, risk_score, detections
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range batch {
		detections := rec.Detections
		if detections == nil {
			detections = json.RawMessage("[]")
		}
		if _, err := stmt.Exec(
			rec.ID, rec.RequestID, rec.Timestamp, rec.UserID, rec.APIKeyID,
			rec.Endpoint, rec.Model, rec.Provider, rec.PromptTokens,
			rec.ResponseTokens, rec.CostCents, rec.DurationMS, rec.Status,
			rec.ErrorCode, rec.RiskScore, []byte(detections),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}
