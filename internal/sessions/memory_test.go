package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || store.Len() != 1 {
		t.Errorf("GetOrCreate created a duplicate: %q vs %q", first.ID, second.ID)
	}
}

func TestAppendAndHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	err := store.Append(ctx, "s1",
		models.Message{Role: models.RoleUser, Content: "hi"},
		models.Message{Role: models.RoleAssistant, Content: "hello"},
	)
	if err != nil {
		t.Fatal(err)
	}

	history, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("len = %d, want 2", len(history))
	}
	if history[0].ID == "" || history[0].SessionID != "s1" {
		t.Errorf("message identity not filled in: %+v", history[0])
	}

	// History hands out copies; mutating them must not touch the store.
	history[0].Content = "mutated"
	fresh, _ := store.History(ctx, "s1")
	if fresh[0].Content != "hi" {
		t.Error("History leaked internal state")
	}
}

func TestAppendUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	err := store.Append(context.Background(), "ghost", models.Message{Role: models.RoleUser, Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestModelOverrideRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	if err := store.SetModelOverride(ctx, "s1", "openai/gpt-5"); err != nil {
		t.Fatal(err)
	}
	got, err := store.ModelOverride(ctx, "s1")
	if err != nil || got != "openai/gpt-5" {
		t.Errorf("override = %q, err = %v", got, err)
	}

	if err := store.SetModelOverride(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.ModelOverride(ctx, "s1"); got != "" {
		t.Errorf("cleared override = %q", got)
	}
}

func TestRecordUsageAccumulates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		err := store.RecordUsage(ctx, "s1", models.Usage{InputTokens: 100, OutputTokens: 50}, 0.01)
		if err != nil {
			t.Fatal(err)
		}
	}

	session, err := store.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.Usage.InputTokens != 300 || session.Usage.OutputTokens != 150 {
		t.Errorf("usage = %+v", session.Usage)
	}
	if session.CostUSD < 0.029 || session.CostUSD > 0.031 {
		t.Errorf("cost = %f, want ~0.03", session.CostUSD)
	}
}

func TestDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Error("session survived Delete")
	}
	if _, err := store.History(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("History after Delete = %v, want ErrNotFound", err)
	}
}

func TestHistoryTrimsAtCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxMessagesPerSession+50; i++ {
		err := store.Append(ctx, "s1", models.Message{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("m%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	history, _ := store.History(ctx, "s1")
	if len(history) != maxMessagesPerSession {
		t.Fatalf("len = %d, want %d", len(history), maxMessagesPerSession)
	}
	if history[len(history)-1].Content != fmt.Sprintf("m%d", maxMessagesPerSession+49) {
		t.Error("newest message lost in trim")
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = store.Append(ctx, "s1", models.Message{Role: models.RoleUser, Content: fmt.Sprintf("c%d", n)})
			_ = store.RecordUsage(ctx, "s1", models.Usage{InputTokens: 1}, 0)
		}(i)
	}
	wg.Wait()

	history, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 20 {
		t.Errorf("len = %d, want 20", len(history))
	}
	session, _ := store.GetOrCreate(ctx, "s1")
	if session.Usage.InputTokens != 20 {
		t.Errorf("usage = %d, want 20", session.Usage.InputTokens)
	}
}
