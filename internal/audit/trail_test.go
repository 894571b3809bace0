package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aaps-coordinator/internal/domain"
)

type failingStorage struct{ err error }

func (f *failingStorage) Append(ctx context.Context, entry Entry) error  { return f.err }
func (f *failingStorage) Query(ctx context.Context, q Filter) ([]Entry, error) {
	return nil, f.err
}

func TestLogFailClosedWrapsStorageError(t *testing.T) {
	boom := errors.New("disk gone")
	trail := NewTrail(&failingStorage{err: boom}, nil, zap.NewNop())

	_, err := trail.Log(context.Background(), LogParams{
		Action:  ActionIncidentMoved,
		Actor:   "tester",
		TraceID: "tr-1",
		Success: true,
	})
	var aErr *domain.AuditWriteError
	if !errors.As(err, &aErr) {
		t.Fatalf("want AuditWriteError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("cause must be wrapped")
	}
}

func TestLogComputesVerifiableChecksum(t *testing.T) {
	storage := NewMemoryStorage()
	trail := NewTrail(storage, nil, zap.NewNop())

	entry, err := trail.Log(context.Background(), LogParams{
		Action:       ActionConsensusDecided,
		Actor:        "consensus-manager",
		TraceID:      "tr-1",
		ResourceType: "consensus",
		ResourceID:   "c-1",
		Success:      true,
		Details:      map[string]string{"state": "approved"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Checksum == "" {
		t.Fatal("checksum must be set")
	}
	if entry.Checksum != entry.ComputeChecksum() {
		t.Fatal("checksum must be reproducible")
	}

	report, err := trail.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 1 || report.Valid != 1 || report.Invalid != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	storage := NewMemoryStorage()
	trail := NewTrail(storage, nil, zap.NewNop())

	if _, err := trail.Log(context.Background(), LogParams{Action: ActionMessageReceived, Actor: "a"}); err != nil {
		t.Fatal(err)
	}
	// Подмена поля после записи
	storage.mu.Lock()
	storage.entries[0].Actor = "attacker"
	storage.mu.Unlock()

	report, err := trail.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Invalid != 1 {
		t.Fatalf("tampered entry not detected: %+v", report)
	}
}

func TestQueryFilters(t *testing.T) {
	storage := NewMemoryStorage()
	trail := NewTrail(storage, nil, zap.NewNop())
	ctx := context.Background()

	seed := []LogParams{
		{Action: ActionMessageReceived, Actor: "agent-a", TraceID: "tr-1", ResourceType: "message", Success: true},
		{Action: ActionIncidentMoved, Actor: "agent-a", TraceID: "tr-1", ResourceType: "incident", ResourceID: "inc-1", Success: true},
		{Action: ActionIncidentMoved, Actor: "agent-b", TraceID: "tr-2", ResourceType: "incident", ResourceID: "inc-2", Success: true},
	}
	for _, p := range seed {
		if _, err := trail.Log(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by trace", Filter{TraceID: "tr-1"}, 2},
		{"by action", Filter{Action: ActionIncidentMoved}, 2},
		{"by actor and action", Filter{Actor: "agent-b", Action: ActionIncidentMoved}, 1},
		{"by resource", Filter{ResourceType: "incident", ResourceID: "inc-1"}, 1},
		{"limit", Filter{Limit: 2}, 2},
		{"offset past end", Filter{Offset: 10}, 0},
		{"future window", Filter{From: time.Now().Add(time.Hour)}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := trail.Query(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tc.want {
				t.Fatalf("got %d entries, want %d", len(got), tc.want)
			}
		})
	}
}

type recordingMirror struct{ offered []Entry }

func (m *recordingMirror) Offer(entry Entry) { m.offered = append(m.offered, entry) }

func TestMirrorReceivesSuccessfulWritesOnly(t *testing.T) {
	mirror := &recordingMirror{}
	trail := NewTrail(&failingStorage{err: errors.New("down")}, mirror, zap.NewNop())

	if _, err := trail.Log(context.Background(), LogParams{Action: ActionMessageReceived}); err == nil {
		t.Fatal("expected failure")
	}
	if len(mirror.offered) != 0 {
		t.Fatal("mirror must not see entries the primary storage rejected")
	}

	trail = NewTrail(NewMemoryStorage(), mirror, zap.NewNop())
	if _, err := trail.Log(context.Background(), LogParams{Action: ActionMessageReceived}); err != nil {
		t.Fatal(err)
	}
	if len(mirror.offered) != 1 {
		t.Fatalf("mirror got %d entries, want 1", len(mirror.offered))
	}
}

func TestStatsSummarizeJournal(t *testing.T) {
	trail := NewTrail(NewMemoryStorage(), nil, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := trail.Log(ctx, LogParams{Action: ActionMessageReceived, Actor: "a", Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := trail.Log(ctx, LogParams{Action: ActionMessageRejected, Actor: "a", Success: false}); err != nil {
		t.Fatal(err)
	}

	stats, err := trail.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 4 || stats.SuccessCount != 3 || stats.FailureCount != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if stats.Actions[ActionMessageReceived] != 3 || stats.Actions[ActionMessageRejected] != 1 {
		t.Fatalf("actions: %+v", stats.Actions)
	}
}
