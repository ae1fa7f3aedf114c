package chain

import (
	"context"
	"testing"
	"time"

	"github.com/manifold/convomem/internal/store"
)

func strPtr(s string) *string { return &s }

func seedMessage(t *testing.T, s store.MessageStore, id, sessionID string, parent *string, ts time.Time) {
	t.Helper()
	if err := s.Save(context.Background(), store.Message{
		ID: id, SessionID: sessionID, Role: store.RoleUser, Content: id, Timestamp: ts, ParentMessageID: parent,
	}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// TestChainRepairLiteralScenario mirrors the four-message repair-and-
// reconstruct walkthrough: m1 root, m2 child of m1, m3 with a dangling
// parent reference, m4 a second root, all in timestamp order t1<t2<t3<t4.
func TestChainRepairLiteralScenario(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryMessageStore()
	t1 := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)
	t4 := t3.Add(time.Second)

	seedMessage(t, s, "m1", "sess", nil, t1)
	seedMessage(t, s, "m2", "sess", strPtr("m1"), t2)
	seedMessage(t, s, "m3", "sess", strPtr("nonexistent"), t3)
	seedMessage(t, s, "m4", "sess", nil, t4)

	before, err := Validate(ctx, s, "sess")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if before.Valid {
		t.Fatal("expected invalid chain before repair")
	}
	if len(before.BrokenRefs) != 1 || before.BrokenRefs[0] != "m3" {
		t.Fatalf("expected broken=[m3], got %+v", before.BrokenRefs)
	}
	if before.RootCount != 2 {
		t.Fatalf("expected two roots (m1, m4), got %d", before.RootCount)
	}

	repairResult, err := Repair(ctx, s, "sess")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if len(repairResult.Repairs) != 1 || repairResult.Repairs[0].MessageID != "m3" {
		t.Fatalf("expected exactly one repair for m3, got %+v", repairResult.Repairs)
	}
	if repairResult.Repairs[0].NewParentID == nil || *repairResult.Repairs[0].NewParentID != "m2" {
		t.Fatalf("expected m3's parent rewritten to m2, got %+v", repairResult.Repairs[0].NewParentID)
	}

	after, err := Validate(ctx, s, "sess")
	if err != nil {
		t.Fatalf("Validate after repair: %v", err)
	}
	if after.Valid {
		t.Fatal("expected chain to still report two roots after repair")
	}
	if after.RootCount != 2 {
		t.Fatalf("expected two roots to persist after repair, got %d", after.RootCount)
	}
	if len(after.BrokenRefs) != 0 {
		t.Fatalf("expected no broken refs after repair, got %+v", after.BrokenRefs)
	}

	ordered, err := Reconstruct(ctx, s, "sess")
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	ids := make([]string, len(ordered))
	for i, m := range ordered {
		ids[i] = m.ID
	}
	if len(ids) != 4 || ids[0] != "m1" || ids[1] != "m2" || ids[2] != "m3" || ids[3] != "m4" {
		t.Fatalf("expected [m1 m2 m3 m4], got %v", ids)
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryMessageStore()
	base := time.Now()
	seedMessage(t, s, "m1", "sess", nil, base)
	seedMessage(t, s, "m2", "sess", strPtr("ghost"), base.Add(time.Second))

	if _, err := Repair(ctx, s, "sess"); err != nil {
		t.Fatalf("first Repair: %v", err)
	}
	second, err := Repair(ctx, s, "sess")
	if err != nil {
		t.Fatalf("second Repair: %v", err)
	}
	if len(second.Repairs) != 0 {
		t.Fatalf("expected no further repairs once broken refs are healed, got %+v", second.Repairs)
	}
	if !second.Before.Valid && len(second.Before.BrokenRefs) != 0 {
		t.Fatalf("expected repair to be idempotent: %+v", second.Before)
	}
}

func TestValidateValidChain(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryMessageStore()
	base := time.Now()
	seedMessage(t, s, "m1", "sess", nil, base)
	seedMessage(t, s, "m2", "sess", strPtr("m1"), base.Add(time.Second))

	result, err := Validate(ctx, s, "sess")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, got %+v", result)
	}
	if result.RootCount != 1 || result.TotalMessages != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}
}

func TestReconstructEachMessageAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryMessageStore()
	base := time.Now()
	seedMessage(t, s, "m1", "sess", nil, base)
	seedMessage(t, s, "m2", "sess", strPtr("m1"), base.Add(time.Second))
	seedMessage(t, s, "m3", "sess", strPtr("m1"), base.Add(2*time.Second))

	ordered, err := Reconstruct(ctx, s, "sess")
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	seen := map[string]bool{}
	for _, m := range ordered {
		if seen[m.ID] {
			t.Fatalf("message %s emitted more than once", m.ID)
		}
		seen[m.ID] = true
	}
	if len(ordered) != 3 {
		t.Fatalf("expected all 3 messages emitted, got %d", len(ordered))
	}
	if ordered[0].ID != "m1" {
		t.Fatalf("expected m1 first (the root), got %s", ordered[0].ID)
	}
}
