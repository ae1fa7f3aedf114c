// Package chain validates and repairs the parent-child structure of a
// session's Messages, and reconstructs them into a single traversal order.
package chain

import (
	"context"
	"sort"

	"github.com/manifold/convomem/internal/store"
)

// ValidationResult reports the structural health of one session's chain.
type ValidationResult struct {
	SessionID     string
	Valid         bool
	TotalMessages int
	RootCount     int
	BrokenRefs    []string
	Orphans       []string
}

// RepairAction records one parentMessageId reassignment performed by Repair.
type RepairAction struct {
	MessageID    string
	OldParentID  *string
	NewParentID  *string
}

// RepairResult is the outcome of a Repair call.
type RepairResult struct {
	SessionID string
	Repairs   []RepairAction
	Before    ValidationResult
	After     ValidationResult
}

// Validate loads every message in sessionID and reports broken references,
// orphans, and root count.
func Validate(ctx context.Context, messages store.MessageStore, sessionID string) (ValidationResult, error) {
	msgs, err := messages.FindBySessionID(ctx, sessionID)
	if err != nil {
		return ValidationResult{}, err
	}
	return validateSet(sessionID, msgs), nil
}

func validateSet(sessionID string, msgs []store.Message) ValidationResult {
	byID := make(map[string]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var brokenRefs []string
	var roots []store.Message
	for _, m := range msgs {
		if m.ParentMessageID == nil {
			roots = append(roots, m)
			continue
		}
		if _, ok := byID[*m.ParentMessageID]; !ok {
			brokenRefs = append(brokenRefs, m.ID)
		}
	}
	brokenSet := toSet(brokenRefs)

	reachable := map[string]bool{}
	children := childIndex(msgs)
	for _, r := range roots {
		markReachable(r.ID, children, reachable)
	}

	var orphans []string
	for _, m := range msgs {
		if brokenSet[m.ID] {
			continue
		}
		if !reachable[m.ID] {
			orphans = append(orphans, m.ID)
		}
	}

	return ValidationResult{
		SessionID:     sessionID,
		Valid:         len(brokenRefs) == 0 && len(orphans) == 0 && len(roots) == 1,
		TotalMessages: len(msgs),
		RootCount:     len(roots),
		BrokenRefs:    brokenRefs,
		Orphans:       orphans,
	}
}

func childIndex(msgs []store.Message) map[string][]store.Message {
	idx := map[string][]store.Message{}
	for _, m := range msgs {
		if m.ParentMessageID != nil {
			idx[*m.ParentMessageID] = append(idx[*m.ParentMessageID], m)
		}
	}
	return idx
}

func markReachable(id string, children map[string][]store.Message, reachable map[string]bool) {
	if reachable[id] {
		return
	}
	reachable[id] = true
	for _, c := range children[id] {
		markReachable(c.ID, children, reachable)
	}
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Repair reassigns each broken-reference message's parentMessageId to the
// most recent message in the session whose timestamp is ≤ its own, or to
// nil if none qualifies. Orphans and multi-root conditions are reported
// but not healed; reconstruction handles primary-root selection instead.
func Repair(ctx context.Context, messages store.MessageStore, sessionID string) (RepairResult, error) {
	msgs, err := messages.FindBySessionID(ctx, sessionID)
	if err != nil {
		return RepairResult{}, err
	}
	before := validateSet(sessionID, msgs)
	if before.Valid {
		return RepairResult{SessionID: sessionID, Before: before, After: before}, nil
	}

	sorted := make([]store.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	byID := make(map[string]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var actions []RepairAction
	for _, id := range before.BrokenRefs {
		m := byID[id]
		newParent := latestBefore(sorted, m)
		actions = append(actions, RepairAction{MessageID: m.ID, OldParentID: m.ParentMessageID, NewParentID: newParent})
		m.ParentMessageID = newParent
		byID[m.ID] = m
		if err := messages.Save(ctx, m); err != nil {
			return RepairResult{}, err
		}
	}

	repaired := make([]store.Message, 0, len(byID))
	for _, m := range byID {
		repaired = append(repaired, m)
	}
	after := validateSet(sessionID, repaired)

	return RepairResult{SessionID: sessionID, Repairs: actions, Before: before, After: after}, nil
}

// latestBefore returns the id of the most recent message (by timestamp) in
// sorted whose timestamp is ≤ target's own and which isn't target itself,
// or nil if none qualifies.
func latestBefore(sorted []store.Message, target store.Message) *string {
	var best *store.Message
	for i := range sorted {
		m := sorted[i]
		if m.ID == target.ID {
			continue
		}
		if m.Timestamp.After(target.Timestamp) {
			break
		}
		best = &sorted[i]
	}
	if best == nil {
		return nil
	}
	id := best.ID
	return &id
}

// Reconstruct validates the session (attempting repair on broken
// references), then returns messages in primary-root-first DFS order,
// children visited in ascending timestamp order. Any message left
// unreached after the DFS is appended, preserving completeness.
func Reconstruct(ctx context.Context, messages store.MessageStore, sessionID string) ([]store.Message, error) {
	result, err := Validate(ctx, messages, sessionID)
	if err != nil {
		return nil, err
	}
	if len(result.BrokenRefs) > 0 {
		if _, err := Repair(ctx, messages, sessionID); err != nil {
			return nil, err
		}
	}

	msgs, err := messages.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	var roots []store.Message
	for _, m := range msgs {
		if m.ParentMessageID == nil {
			roots = append(roots, m)
		}
	}
	if len(roots) == 0 {
		return plainDescendingSort(msgs), nil
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].Timestamp.Before(roots[j].Timestamp) })
	primary := roots[0]

	byID := make(map[string]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	children := childIndex(msgs)
	for ids := range children {
		sort.SliceStable(children[ids], func(i, j int) bool {
			return children[ids][i].Timestamp.Before(children[ids][j].Timestamp)
		})
	}

	var out []store.Message
	visited := map[string]bool{}
	var dfs func(id string)
	dfs = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		out = append(out, byID[id])
		for _, c := range children[id] {
			dfs(c.ID)
		}
	}
	dfs(primary.ID)

	var unreached []store.Message
	for _, m := range msgs {
		if !visited[m.ID] {
			unreached = append(unreached, m)
		}
	}
	sort.SliceStable(unreached, func(i, j int) bool { return unreached[i].Timestamp.Before(unreached[j].Timestamp) })
	out = append(out, unreached...)

	return out, nil
}

func plainDescendingSort(msgs []store.Message) []store.Message {
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
