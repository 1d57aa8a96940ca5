package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"consultport.org/internal/ids"
	"consultport.org/internal/obs"
)

// Log is an in-memory Recorder. Appended records are never mutated or
// removed; each append also emits a JSON audit line through the shared
// logger so the trail is visible in log aggregation.
type Log struct {
	mu   sync.RWMutex
	seq  uint64
	recs []Record
	now  func() time.Time
}

var _ Recorder = (*Log)(nil)

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{now: func() time.Time { return time.Now().UTC() }}
}

// NewLogWithClock creates an audit log with an injected clock.
func NewLogWithClock(now func() time.Time) *Log {
	if now == nil {
		return NewLog()
	}
	return &Log{now: now}
}

func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec.ID = ids.New()
	rec.Sequence = l.seq
	rec.OccurredAt = l.now()
	l.recs = append(l.recs, rec)

	emitLine(rec)
	return rec, nil
}

// AppendAll validates every record before touching the trail, then appends
// the batch under one lock. A refused record leaves the trail untouched.
func (l *Log) AppendAll(ctx context.Context, recs []Record) ([]Record, error) {
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		l.seq++
		rec.ID = ids.New()
		rec.Sequence = l.seq
		rec.OccurredAt = l.now()
		l.recs = append(l.recs, rec)
		emitLine(rec)
		out = append(out, rec)
	}
	return out, nil
}

func (l *Log) Query(ctx context.Context, f Filter) ([]Record, uint64, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var res []Record
	var last uint64
	for _, rec := range l.recs {
		if rec.Sequence <= f.AfterSeq {
			continue
		}
		if f.EntityType != "" && rec.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && rec.EntityID != f.EntityID {
			continue
		}
		res = append(res, rec)
		last = rec.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// emitLine writes the record as a structured audit log line.
func emitLine(rec Record) {
	entry := map[string]any{
		"ts":     rec.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"action": rec.Action,
		"entity": rec.EntityType,
		"id":     rec.EntityID,
		"actor":  rec.ActorID,
		"seq":    rec.Sequence,
	}
	if rec.PriorState != "" {
		entry["prior"] = rec.PriorState
	}
	if rec.NewState != "" {
		entry["new"] = rec.NewState
	}
	if len(rec.Fields) > 0 {
		entry["fields"] = rec.Fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
