package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"consultport.org/internal/obs"
)

func TestAppendAssignsSequenceAndEmitsLine(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	l := NewLog()
	ctx := context.Background()

	rec, err := l.Append(ctx, Record{
		EntityType: "sow",
		EntityID:   "sow-1",
		Action:     "approve",
		PriorState: "pending",
		NewState:   "approved",
		ActorID:    "admin-1",
		Fields:     map[string]string{"note": "ok"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.ID == "" || rec.Sequence != 1 || rec.OccurredAt.IsZero() {
		t.Fatalf("record not assigned: %+v", rec)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected audit log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("audit line not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["entity"] != "sow" || entry["action"] != "approve" {
		t.Fatalf("unexpected line: %v", entry)
	}
	if entry["prior"] != "pending" || entry["new"] != "approved" {
		t.Fatalf("states missing from line: %v", entry)
	}
}

func TestAppendRejectsIncompleteRecords(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	cases := []Record{
		{EntityID: "x", Action: "a", ActorID: "u"},
		{EntityType: "sow", Action: "a", ActorID: "u"},
		{EntityType: "sow", EntityID: "x", ActorID: "u"},
		{EntityType: "sow", EntityID: "x", Action: "a"},
	}
	for i, rec := range cases {
		if _, err := l.Append(ctx, rec); err == nil {
			t.Fatalf("case %d: incomplete record accepted", i)
		}
	}
}

func TestAppendAllIsAtomic(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	// A batch with one incomplete record must leave the trail untouched.
	_, err := l.AppendAll(ctx, []Record{
		{EntityType: "timesheet_entry", EntityID: "e-1", Action: "invoice", ActorID: "u"},
		{EntityType: "invoice", Action: "generate", ActorID: "u"},
	})
	if err == nil {
		t.Fatal("incomplete batch accepted")
	}
	if recs, _, _ := l.Query(ctx, Filter{}); len(recs) != 0 {
		t.Fatalf("refused batch left %d records in the trail", len(recs))
	}

	out, err := l.AppendAll(ctx, []Record{
		{EntityType: "timesheet_entry", EntityID: "e-1", Action: "invoice", ActorID: "u"},
		{EntityType: "invoice", EntityID: "inv-1", Action: "generate", ActorID: "u"},
	})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if len(out) != 2 || out[0].Sequence != 1 || out[1].Sequence != 2 {
		t.Fatalf("batch sequences: %+v", out)
	}
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLogWithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entity := "sow"
		if i%2 == 1 {
			entity = "invoice"
		}
		if _, err := l.Append(ctx, Record{
			EntityType: entity, EntityID: "e", Action: "create", ActorID: "u",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, last, err := l.Query(ctx, Filter{EntityType: "sow"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 sow records, got %d", len(recs))
	}
	if last != recs[len(recs)-1].Sequence {
		t.Fatalf("last sequence mismatch: %d", last)
	}

	// Page past the first two records.
	recs, _, err = l.Query(ctx, Filter{AfterSeq: 2, Limit: 2})
	if err != nil {
		t.Fatalf("query page: %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != 3 || recs[1].Sequence != 4 {
		t.Fatalf("unexpected page: %+v", recs)
	}
	if !recs[0].OccurredAt.Equal(now) {
		t.Fatalf("clock not used: %s", recs[0].OccurredAt)
	}
}
