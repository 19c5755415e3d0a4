package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestInMemoryDeductIfPositive(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	ok, err := s.DeductIfPositive(ctx, "dr-1")
	if err != nil || ok {
		t.Fatalf("DeductIfPositive on empty balance = %v, %v; want false, nil", ok, err)
	}
	if _, err := s.Grant(ctx, "dr-1", 2); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if ok, _ := s.DeductIfPositive(ctx, "dr-1"); !ok {
			t.Fatalf("deduct %d failed", i)
		}
	}
	if ok, _ := s.DeductIfPositive(ctx, "dr-1"); ok {
		t.Fatalf("balance must not go negative")
	}
	if bal, _ := s.Balance(ctx, "dr-1"); bal != 0 {
		t.Fatalf("Balance() = %d, want 0", bal)
	}
	if _, err := s.Grant(ctx, "dr-1", 0); err != ErrInvalidAmount {
		t.Fatalf("Grant(0) error = %v, want ErrInvalidAmount", err)
	}
}

func TestInMemoryOverridesMerge(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_ = s.SaveOverrides(ctx, map[string]string{"text-scribe": "gemini", "text-review": "anthropic"})
	_ = s.SaveOverrides(ctx, map[string]string{"text-scribe": "", "text-format": "openai"})

	got, _ := s.Overrides(ctx)
	if len(got) != 2 || got["text-review"] != "anthropic" || got["text-format"] != "openai" {
		t.Fatalf("unexpected overrides: %v", got)
	}
}

func TestInMemoryProfileAndNotes(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_ = s.SaveProfile(ctx, Profile{
		OwnerID:            "dr-1",
		PronunciationHints: "Dolo\nPan D",
		Macros:             []Macro{{Trigger: "bd", Expansion: "twice daily"}},
	})
	hints, _ := s.PronunciationHints(ctx, "dr-1")
	macros, _ := s.Macros(ctx, "dr-1")
	if hints != "Dolo\nPan D" || len(macros) != 1 || macros[0].Expansion != "twice daily" {
		t.Fatalf("unexpected profile: %q %v", hints, macros)
	}

	for _, kind := range []NoteKind{NoteKindFinalize, NoteKindReview, NoteKindFormat} {
		_ = s.SaveNote(ctx, NoteRecord{OwnerID: "dr-1", Kind: kind})
	}
	notes, _ := s.RecentNotes(ctx, "dr-1", 2)
	if len(notes) != 2 || notes[0].Kind != NoteKindFormat || notes[1].Kind != NoteKindReview {
		t.Fatalf("unexpected recent notes: %+v", notes)
	}
	if notes[0].ID == "" || notes[0].CreatedAt.IsZero() {
		t.Fatalf("note id/timestamp not assigned: %+v", notes[0])
	}
}

func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedisLedger(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisLedger() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLedgerDeductIfPositive(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLedger(t)

	if ok, err := l.DeductIfPositive(ctx, "dr-1"); err != nil || ok {
		t.Fatalf("deduct on missing key = %v, %v", ok, err)
	}
	if bal, err := l.Grant(ctx, "dr-1", 3); err != nil || bal != 3 {
		t.Fatalf("Grant() = %d, %v", bal, err)
	}
	if ok, _ := l.DeductIfPositive(ctx, "dr-1"); !ok {
		t.Fatalf("expected deduction")
	}
	if got, _ := mr.Get(creditKey("dr-1")); got != "2" {
		t.Fatalf("stored balance = %q, want 2", got)
	}
	if bal, _ := l.Balance(ctx, "dr-1"); bal != 2 {
		t.Fatalf("Balance() = %d, want 2", bal)
	}
}

func TestRedisLedgerConcurrentDeductsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestRedisLedger(t)
	if _, err := l.Grant(ctx, "dr-1", 5); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	var taken atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.DeductIfPositive(ctx, "dr-1"); err == nil && ok {
				taken.Add(1)
			}
		}()
	}
	wg.Wait()

	if taken.Load() != 5 {
		t.Fatalf("credits taken = %d, want 5", taken.Load())
	}
	if bal, _ := l.Balance(ctx, "dr-1"); bal != 0 {
		t.Fatalf("Balance() = %d, want 0", bal)
	}
}

func TestOpenWithRedisLedger(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := Open(ctx, Options{LedgerBackend: "redis", Redis: RedisOptions{Addr: mr.Addr()}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Grant(ctx, "dr-2", 1); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if got, _ := mr.Get(creditKey("dr-2")); got != "1" {
		t.Fatalf("grant did not reach redis: %q", got)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestOpenUnknownLedger(t *testing.T) {
	if _, err := Open(context.Background(), Options{LedgerBackend: "etcd"}); err == nil {
		t.Fatalf("expected error for unknown ledger backend")
	}
}

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable": "pgx5://u:p@h:5432/db?sslmode=disable",
		"postgresql://h/db":                        "pgx5://h/db",
		"pgx5://h/db":                              "pgx5://h/db",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresDeductIfPositive(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	owner := fmt.Sprintf("dr-pg-%d", time.Now().UnixNano())

	if ok, err := s.DeductIfPositive(ctx, owner); err != nil || ok {
		t.Fatalf("DeductIfPositive() on unknown owner = %v, %v", ok, err)
	}
	if bal, err := s.Grant(ctx, owner, 1); err != nil || bal != 1 {
		t.Fatalf("Grant() = %d, %v", bal, err)
	}

	var taken atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.DeductIfPositive(ctx, owner); err == nil && ok {
				taken.Add(1)
			}
		}()
	}
	wg.Wait()

	if taken.Load() != 1 {
		t.Fatalf("credits taken = %d, want 1", taken.Load())
	}
	if bal, err := s.Balance(ctx, owner); err != nil || bal != 0 {
		t.Fatalf("Balance() = %d, %v, want 0", bal, err)
	}
}
