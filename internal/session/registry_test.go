package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(testLogger())

	s := r.Create("google-meet", map[string]string{"title": "standup"})

	if s.ID == "" {
		t.Fatal("Expected generated session ID")
	}
	if s.Type != "google-meet" {
		t.Errorf("Expected type %q, got %q", "google-meet", s.Type)
	}
	if s.Status != StatusCreated {
		t.Errorf("Expected status %s, got %s", StatusCreated, s.Status)
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 registered session, got %d", r.Count())
	}

	s2 := r.Create("", nil)
	if s2.Type != "manual" {
		t.Errorf("Expected default type %q, got %q", "manual", s2.Type)
	}
	if s2.ID == s.ID {
		t.Error("Expected unique session IDs")
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry(testLogger())

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistryMutate(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("manual", nil)

	err := r.Mutate(s.ID, func(live *Session) error {
		return live.Start()
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("Expected status %s after mutate, got %s", StatusActive, got.Status)
	}
}

func TestRegistryMutatePassesErrorThrough(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("manual", nil)

	sentinel := errors.New("boom")
	if err := r.Mutate(s.ID, func(*Session) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Expected fn error passed through, got %v", err)
	}

	if err := r.Mutate("missing", func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing session, got %v", err)
	}
}

func TestRegistryGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("manual", nil)

	r.Mutate(s.ID, func(live *Session) error {
		_, err := live.AppendLine("first", "a", 1, true)
		return err
	})

	snap, _ := r.Get(s.ID)

	r.Mutate(s.ID, func(live *Session) error {
		_, err := live.AppendLine("second", "a", 1, true)
		return err
	})

	if len(snap.Transcript) != 1 {
		t.Errorf("Snapshot changed under later mutation: %d lines", len(snap.Transcript))
	}
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("manual", nil)

	if err := r.Delete(s.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Count())
	}
	if err := r.Delete(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	r := NewRegistry(testLogger())

	first := r.Create("manual", nil)
	time.Sleep(2 * time.Millisecond)
	second := r.Create("manual", nil)

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}
	if infos[0].ID != second.ID {
		t.Errorf("Expected newest session first, got %s", infos[0].ID)
	}
	if infos[1].ID != first.ID {
		t.Errorf("Expected oldest session last, got %s", infos[1].ID)
	}
}

func TestRegistryPurge(t *testing.T) {
	r := NewRegistry(testLogger())

	done := r.Create("manual", nil)
	r.Mutate(done.ID, func(s *Session) error {
		s.Start()
		s.End()
		s.EndedAt = time.Now().UTC().Add(-2 * time.Hour)
		return nil
	})

	active := r.Create("manual", nil)
	r.Mutate(active.ID, func(s *Session) error { return s.Start() })

	recent := r.Create("manual", nil)
	r.Mutate(recent.ID, func(s *Session) error {
		s.Start()
		return s.End()
	})

	removed := r.Purge(time.Hour)
	if removed != 1 {
		t.Errorf("Expected 1 purged session, got %d", removed)
	}
	if _, err := r.Get(done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected purged session gone, got %v", err)
	}
	if _, err := r.Get(active.ID); err != nil {
		t.Errorf("Active session must survive purge: %v", err)
	}
	if _, err := r.Get(recent.ID); err != nil {
		t.Errorf("Recently ended session must survive purge: %v", err)
	}
}

func TestRegistryConcurrentMutate(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("manual", nil)
	r.Mutate(s.ID, func(live *Session) error { return live.Start() })

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r.Mutate(s.ID, func(live *Session) error {
					_, err := live.AppendLine("word", "a", 1, true)
					return err
				})
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get(s.ID)
	if got.TranscriptCount != workers*perWorker {
		t.Fatalf("Expected %d lines, got %d", workers*perWorker, got.TranscriptCount)
	}
	for i, l := range got.Transcript {
		if l.Sequence != i {
			t.Fatalf("Sequence gap at index %d: got %d", i, l.Sequence)
		}
	}
	if got.WordCount != workers*perWorker {
		t.Errorf("Expected word count %d, got %d", workers*perWorker, got.WordCount)
	}
}
