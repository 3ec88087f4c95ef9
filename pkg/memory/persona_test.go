package memory

import (
	"context"
	"strings"
	"testing"
)

func TestPersonaResolverCreatesLazily(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	resolver := NewPersonaResolver(store)

	p, err := resolver.Resolve(ctx, "mira")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.CharacterID != "mira" || !strings.Contains(p.Prompt, "mira") {
		t.Fatalf("unexpected persona %+v", p)
	}

	// Second resolve returns the stored prompt unchanged.
	again, err := resolver.Resolve(ctx, "mira")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again.Prompt != p.Prompt || again.CreatedAtMS != p.CreatedAtMS {
		t.Fatalf("persona should be immutable after creation: %+v vs %+v", again, p)
	}
}

func TestPersonaResolverRejectsEmptyID(t *testing.T) {
	store := newTestStore(t)
	if _, err := NewPersonaResolver(store).Resolve(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty character id")
	}
}
