package transcript_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/transcript"
)

func TestMemStore_AppendList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := transcript.NewMemStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []transcript.Entry{
		{SessionID: "a", Role: "user", Text: "hello", Timestamp: base},
		{SessionID: "b", Role: "user", Text: "other session", Timestamp: base},
		{SessionID: "a", Role: "assistant", Text: "hi there", Timestamp: base.Add(2 * time.Second)},
		{SessionID: "a", Role: "user", Text: "stop", Timestamp: base.Add(time.Second)},
	}
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append(%q): %v", e.Text, err)
		}
	}

	got, err := s.List(ctx, "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"hello", "stop", "hi there"}
	if len(got) != len(want) {
		t.Fatalf("List returned %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("entry %d = %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestMemStore_EmptySession(t *testing.T) {
	t.Parallel()

	got, err := transcript.NewMemStore().List(context.Background(), "missing")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List = %#v, want empty non-nil slice", got)
	}
}

func TestMemStore_DefaultsTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := transcript.NewMemStore()
	before := time.Now()
	if err := s.Append(ctx, transcript.Entry{SessionID: "a", Role: "user", Text: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, _ := s.List(ctx, "a")
	if len(got) != 1 || got[0].Timestamp.Before(before) {
		t.Errorf("entry = %+v, want timestamp set on append", got)
	}
}

func TestMemStore_ListReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := transcript.NewMemStore()
	_ = s.Append(ctx, transcript.Entry{SessionID: "a", Text: "original"})

	got, _ := s.List(ctx, "a")
	got[0].Text = "mutated"

	again, _ := s.List(ctx, "a")
	if again[0].Text != "original" {
		t.Errorf("stored entry changed to %q", again[0].Text)
	}
}

func TestMemStore_Closed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := transcript.NewMemStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Append(ctx, transcript.Entry{SessionID: "a"}); !errors.Is(err, transcript.ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if _, err := s.List(ctx, "a"); !errors.Is(err, transcript.ErrClosed) {
		t.Errorf("List after Close = %v, want ErrClosed", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, transcript.ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestMemStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := transcript.NewMemStore()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = s.Append(ctx, transcript.Entry{SessionID: "a", Role: "user", Text: "x"})
			}
		}()
	}
	wg.Wait()

	got, _ := s.List(ctx, "a")
	if len(got) != 1000 {
		t.Errorf("List returned %d entries, want 1000", len(got))
	}
}
