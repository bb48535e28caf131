package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const historyKeyPrefix = "mew:history:"

// History mirrors routed envelopes per space so that REST consumers and
// reconnecting participants can fetch a recent slice. Delivery never
// depends on it; a failed append is logged and dropped.
type History interface {
	// Append records one routed envelope for the space.
	Append(space string, envelope []byte)
	// Recent returns up to limit envelopes in chronological order.
	Recent(space string, limit int) [][]byte
}

// ============================================================================
// IN-MEMORY RING
// ============================================================================

type memoryHistory struct {
	mu    sync.Mutex
	depth int
	rings map[string][][]byte
}

// NewMemoryHistory returns a History keeping the last depth envelopes per
// space in process memory.
func NewMemoryHistory(depth int) History {
	if depth <= 0 {
		depth = 1
	}
	return &memoryHistory{
		depth: depth,
		rings: make(map[string][][]byte),
	}
}

func (h *memoryHistory) Append(space string, envelope []byte) {
	buf := make([]byte, len(envelope))
	copy(buf, envelope)

	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.rings[space], buf)
	if len(ring) > h.depth {
		ring = ring[len(ring)-h.depth:]
	}
	h.rings[space] = ring
}

func (h *memoryHistory) Recent(space string, limit int) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.rings[space]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}

	out := make([][]byte, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// ============================================================================
// REDIS-BACKED MIRROR
// ============================================================================

// RedisClient is the minimal list surface the history mirror needs. The
// production adapter in internal/infra satisfies it.
type RedisClient interface {
	LPush(ctx context.Context, key string, value []byte) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
}

type redisHistory struct {
	client RedisClient
	depth  int
	logger *slog.Logger
}

// NewRedisHistory returns a History backed by a capped Redis list per
// space (key "mew:history:<space>", newest at the head).
func NewRedisHistory(client RedisClient, depth int) History {
	if depth <= 0 {
		depth = 1
	}
	return &redisHistory{
		client: client,
		depth:  depth,
		logger: slog.With("component", "history"),
	}
}

func (h *redisHistory) Append(space string, envelope []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := historyKeyPrefix + space
	if err := h.client.LPush(ctx, key, envelope); err != nil {
		h.logger.Warn("history append failed", "space", space, "error", err)
		return
	}
	if err := h.client.LTrim(ctx, key, 0, int64(h.depth)-1); err != nil {
		h.logger.Warn("history trim failed", "space", space, "error", err)
	}
}

func (h *redisHistory) Recent(space string, limit int) [][]byte {
	if limit <= 0 || limit > h.depth {
		limit = h.depth
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rows, err := h.client.LRange(ctx, historyKeyPrefix+space, 0, int64(limit)-1)
	if err != nil {
		h.logger.Warn("history read failed", "space", space, "error", err)
		return nil
	}

	// LRange returns newest first; callers expect chronological order.
	out := make([][]byte, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row
	}
	return out
}
