// Package retention keeps failed-batch reports and sync history in
// bounded Redis lists so failures survive a restart and stay
// available for retry tooling.
package retention

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// FailureReport is the durable record of one rolled-back batch: the
// identifier of every record that was in the batch, verbatim, plus
// the triggering error.
type FailureReport struct {
	Resource   string    `json:"resource"`
	JobID      string    `json:"job_id"`
	BatchIndex int       `json:"batch"`
	RecordIDs  []string  `json:"record_ids"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryRecord summarizes one finished sync job.
type HistoryRecord struct {
	Resource  string    `json:"resource"`
	JobID     string    `json:"job_id"`
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`
	Status    string    `json:"status"`
	Processed int       `json:"records_processed"`
	Failed    int       `json:"records_failed"`
	Skipped   int       `json:"records_skipped"`
}

// Store retains and serves failure reports and job history.
type Store interface {
	RetainFailure(ctx context.Context, fr FailureReport) error
	RecordHistory(ctx context.Context, hr HistoryRecord) error
	Failures(ctx context.Context, resource string, limit int64) ([]FailureReport, error)
	History(ctx context.Context, limit int64) ([]HistoryRecord, error)
}

const (
	maxFailures = 200
	maxHistory  = 100
)

type RedisStore struct{ rdb *r.Client }

func NewRedis(rdb *r.Client) *RedisStore { return &RedisStore{rdb} }

func failKey(resource string) string { return "failures:" + resource }

const historyKey = "history"

func (s *RedisStore) RetainFailure(ctx context.Context, fr FailureReport) error {
	raw, err := json.Marshal(fr)
	if err != nil {
		return errors.Wrap(err, "marshal failure report")
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, failKey(fr.Resource), raw)
	pipe.LTrim(ctx, failKey(fr.Resource), 0, maxFailures-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "retain failure report")
}

func (s *RedisStore) RecordHistory(ctx context.Context, hr HistoryRecord) error {
	raw, err := json.Marshal(hr)
	if err != nil {
		return errors.Wrap(err, "marshal history record")
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey, raw)
	pipe.LTrim(ctx, historyKey, 0, maxHistory-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "record history")
}

func (s *RedisStore) Failures(ctx context.Context, resource string, limit int64) ([]FailureReport, error) {
	if limit <= 0 {
		limit = maxFailures
	}
	raws, err := s.rdb.LRange(ctx, failKey(resource), 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read failure reports")
	}
	out := make([]FailureReport, 0, len(raws))
	for _, raw := range raws {
		var fr FailureReport
		if err := json.Unmarshal([]byte(raw), &fr); err != nil {
			continue
		}
		out = append(out, fr)
	}
	return out, nil
}

func (s *RedisStore) History(ctx context.Context, limit int64) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = maxHistory
	}
	raws, err := s.rdb.LRange(ctx, historyKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	out := make([]HistoryRecord, 0, len(raws))
	for _, raw := range raws {
		var hr HistoryRecord
		if err := json.Unmarshal([]byte(raw), &hr); err != nil {
			continue
		}
		out = append(out, hr)
	}
	return out, nil
}

// Noop is used when Redis is not configured; writes vanish and reads
// come back empty.
type Noop struct{}

func (Noop) RetainFailure(context.Context, FailureReport) error { return nil }
func (Noop) RecordHistory(context.Context, HistoryRecord) error { return nil }
func (Noop) Failures(context.Context, string, int64) ([]FailureReport, error) {
	return nil, nil
}
func (Noop) History(context.Context, int64) ([]HistoryRecord, error) { return nil, nil }
