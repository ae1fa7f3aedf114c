package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// messageIDField and sessionIDField/chunkIndexField are payload keys
// qdrantIndex uses to recover the logical Chunk fields a point's UUID
// alone can't carry.
const (
	messageIDField  = "message_id"
	sessionIDField  = "session_id"
	chunkIndexField = "chunk_index"
	chunkTextField  = "chunk_text"
)

// qdrantIndex is an Index backed by a Qdrant collection over gRPC.
type qdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrant connects to dsn (e.g. "http://localhost:6334") and ensures
// collection exists with the given vector dimension, cosine distance.
func NewQdrant(dsn, collection string, dimension int) (Index, error) {
	if collection == "" {
		return nil, fmt.Errorf("vectorindex: qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create qdrant client: %w", err)
	}
	idx := &qdrantIndex{client: client, collection: collection}
	ctx := context.Background()
	if err := idx.ensureCollection(ctx, dimension); err != nil {
		client.Close()
		return nil, fmt.Errorf("vectorindex: ensure collection: %w", err)
	}
	return idx, nil
}

func (q *qdrantIndex) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if dimension <= 0 {
		return fmt.Errorf("vectorindex: qdrant requires dimension > 0 to create a collection")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointUUID(messageID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", messageID, chunkIndex))).String()
}

func (q *qdrantIndex) StoreChunksForMessage(ctx context.Context, messageID, sessionID string, chunkTexts []string, embeddings [][]float32) error {
	if len(chunkTexts) != len(embeddings) {
		return ErrIndexing
	}
	if len(chunkTexts) == 0 {
		return nil
	}
	dim := len(embeddings[0])
	points := make([]*qdrant.PointStruct, len(chunkTexts))
	for i := range chunkTexts {
		if len(embeddings[i]) != dim {
			return ErrIndexing
		}
		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		payload := qdrant.NewValueMap(map[string]any{
			messageIDField:  messageID,
			sessionIDField:  sessionID,
			chunkIndexField: int64(i),
			chunkTextField:  chunkTexts[i],
		})
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(messageID, i)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collection, Points: points})
	return err
}

func (q *qdrantIndex) scroll(ctx context.Context, filter *qdrant.Filter) ([]Chunk, error) {
	limit := uint32(1000)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Limit:          &limit,
		WithVectors:    qdrant.NewWithVectors(true),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, 0, len(points))
	for _, p := range points {
		out = append(out, chunkFromPoint(p.Payload, p.Vectors))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func chunkFromPoint(payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) Chunk {
	var c Chunk
	if payload != nil {
		if v, ok := payload[messageIDField]; ok {
			c.MessageID = v.GetStringValue()
		}
		if v, ok := payload[sessionIDField]; ok {
			c.SessionID = v.GetStringValue()
		}
		if v, ok := payload[chunkIndexField]; ok {
			c.ChunkIndex = int(v.GetIntegerValue())
		}
		if v, ok := payload[chunkTextField]; ok {
			c.Text = v.GetStringValue()
		}
	}
	if vectors != nil {
		if dense := vectors.GetVector(); dense != nil {
			c.Vector = dense.GetData()
		}
	}
	return c
}

func (q *qdrantIndex) GetChunksForMessage(ctx context.Context, messageID string) ([]Chunk, error) {
	return q.scroll(ctx, &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(messageIDField, messageID)}})
}

func (q *qdrantIndex) GetChunksForSession(ctx context.Context, sessionID string) ([]Chunk, error) {
	return q.scroll(ctx, &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(sessionIDField, sessionID)}})
}

func (q *qdrantIndex) search(ctx context.Context, queryEmbedding []float32, sessionID *string, limit uint64) ([]Chunk, []float64, error) {
	var filter *qdrant.Filter
	if sessionID != nil {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(sessionIDField, *sessionID)}}
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	res, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, nil, err
	}
	chunks := make([]Chunk, 0, len(res))
	scores := make([]float64, 0, len(res))
	for _, hit := range res {
		chunks = append(chunks, chunkFromPoint(hit.Payload, nil))
		scores = append(scores, float64(hit.Score))
	}
	return chunks, scores, nil
}

func (q *qdrantIndex) FindSimilar(ctx context.Context, queryEmbedding []float32, sessionID *string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 10
	}
	chunks, _, err := q.search(ctx, queryEmbedding, sessionID, uint64(limit))
	return chunks, err
}

func (q *qdrantIndex) FindSimilarWithinThreshold(ctx context.Context, queryEmbedding []float32, sessionID *string, threshold float64) ([]Chunk, error) {
	chunks, scores, err := q.search(ctx, queryEmbedding, sessionID, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, 0, len(chunks))
	for i, c := range chunks {
		if scores[i] >= threshold {
			out = append(out, c)
		}
	}
	return out, nil
}

func (q *qdrantIndex) DeleteChunksForMessage(ctx context.Context, messageID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(messageIDField, messageID)},
		}),
	})
	return err
}

func (q *qdrantIndex) DeleteChunksForSession(ctx context.Context, sessionID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(sessionIDField, sessionID)},
		}),
	})
	return err
}

func (q *qdrantIndex) Statistics(ctx context.Context) (Statistics, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.collection})
	if err != nil {
		return Statistics{}, err
	}
	all, err := q.scroll(ctx, nil)
	if err != nil {
		return Statistics{}, err
	}
	messages := map[string]struct{}{}
	sessions := map[string]struct{}{}
	for _, c := range all {
		messages[c.MessageID] = struct{}{}
		sessions[c.SessionID] = struct{}{}
	}
	return Statistics{TotalChunks: int(count), UniqueMessages: len(messages), UniqueSessions: len(sessions)}, nil
}
