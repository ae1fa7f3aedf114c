package retrieve

import (
	"sort"
	"strings"
	"time"

	"github.com/manifold/convomem/internal/vectorindex"
)

// defaultJaccardThreshold is the whitespace-token Jaccard similarity two
// timestamp-overlapping groups must clear to be considered the same
// conversational moment. Named and overridable rather than inlined; it is
// a heuristic, not a contract.
const defaultJaccardThreshold = 0.3

// timestampTolerance is how close two groups' time intervals may be and
// still count as "intersecting" for merge purposes.
const timestampTolerance = time.Second

// TimestampedGroup is an ExpandedChunkGroup annotated with the owning
// message's role and timestamp, used to order and merge groups from
// multiple retrieval sources.
type TimestampedGroup struct {
	ExpandedChunkGroup
	Role      string
	Timestamp time.Time
}

// Merger combines overlapping ExpandedChunkGroups contributed by multiple
// retrieval sources into one deduplicated, time-ordered set.
type Merger struct {
	JaccardThreshold float64
}

// NewMerger returns a Merger using defaultJaccardThreshold.
func NewMerger() *Merger {
	return &Merger{JaccardThreshold: defaultJaccardThreshold}
}

// Merge sorts groups by earliest timestamp, partitions them into
// overlap-connected components, and merges each component.
func (m *Merger) Merge(groups []TimestampedGroup) []TimestampedGroup {
	threshold := m.JaccardThreshold
	if threshold == 0 {
		threshold = defaultJaccardThreshold
	}

	sorted := make([]TimestampedGroup, len(groups))
	copy(sorted, groups)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	n := len(sorted)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if overlaps(sorted[i], sorted[j], threshold) {
				union(i, j)
			}
		}
	}

	components := map[int][]int{}
	for i := 0; i < n; i++ {
		root := find(i)
		components[root] = append(components[root], i)
	}

	merged := make([]TimestampedGroup, 0, len(components))
	for _, idxs := range components {
		merged = append(merged, mergeComponent(sorted, idxs))
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	return merged
}

func overlaps(a, b TimestampedGroup, jaccardThreshold float64) bool {
	if a.MessageID == b.MessageID {
		return true
	}
	if !timestampsIntersect(a.Timestamp, b.Timestamp) {
		return false
	}
	return jaccard(groupText(a), groupText(b)) > jaccardThreshold
}

func timestampsIntersect(a, b time.Time) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= timestampTolerance
}

func groupText(g TimestampedGroup) string {
	var sb strings.Builder
	for _, c := range g.Chunks {
		sb.WriteString(c.Text)
		sb.WriteByte(' ')
	}
	return sb.String()
}

func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = true
	}
	return set
}

// mergeComponent unions the chunks of every group in a connected
// component, keyed by chunk identity (messageId, chunkIndex), sorted by
// (createdAt, chunkIndex), adopting the messageId/role of the earliest
// contributing group.
func mergeComponent(groups []TimestampedGroup, idxs []int) TimestampedGroup {
	sort.SliceStable(idxs, func(i, j int) bool { return groups[idxs[i]].Timestamp.Before(groups[idxs[j]].Timestamp) })
	earliest := groups[idxs[0]]

	type chunkKey struct {
		messageID  string
		chunkIndex int
	}
	seen := map[chunkKey]bool{}
	var chunks []vectorindex.Chunk
	for _, idx := range idxs {
		for _, c := range groups[idx].Chunks {
			key := chunkKey{c.MessageID, c.ChunkIndex}
			if seen[key] {
				continue
			}
			seen[key] = true
			chunks = append(chunks, c)
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].CreatedAt != chunks[j].CreatedAt {
			return chunks[i].CreatedAt < chunks[j].CreatedAt
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	return TimestampedGroup{
		ExpandedChunkGroup: ExpandedChunkGroup{MessageID: earliest.MessageID, Chunks: chunks},
		Role:               earliest.Role,
		Timestamp:          earliest.Timestamp,
	}
}
