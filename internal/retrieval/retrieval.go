// Package retrieval assembles a user's analyzed clauses into the plain-text
// context block handed to the chat model.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/metrics"
	"github.com/ericksa/contractlens/internal/store"
)

// EmptyContextMarker stands in for the block when the user has no analyzed
// clause in scope.
const EmptyContextMarker = "No analyzed contract data yet."

const maxBodyRunes = 500

type Block struct {
	Text    string
	Entries int
	Empty   bool
}

type Config struct {
	MaxClauses int
	CacheSize  int // 0 disables caching
	CacheTTL   time.Duration
}

type Retriever struct {
	cfg     Config
	store   *store.Store
	cache   *expirable.LRU[string, Block]
	metrics *metrics.Metrics
	logger  *zap.Logger

	// mu guards generations and orders cache writes against Invalidate.
	mu          sync.Mutex
	generations map[string]uint64

	afterRead func(userID string) // test seam, nil in production
}

func New(cfg Config, s *store.Store, mx *metrics.Metrics, logger *zap.Logger) *Retriever {
	if cfg.MaxClauses <= 0 {
		cfg.MaxClauses = 50
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retriever{cfg: cfg, store: s, metrics: mx, logger: logger, generations: map[string]uint64{}}
	if cfg.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, Block](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return r
}

func cacheKey(userID string, documentID *string) string {
	scope := "*"
	if documentID != nil {
		scope = *documentID
	}
	return userID + "\x00" + scope
}

// Build returns the context block for userID, optionally scoped to one
// document. The same stored data always yields the same text.
func (r *Retriever) Build(ctx context.Context, userID string, documentID *string) (Block, error) {
	key := cacheKey(userID, documentID)
	if r.cache != nil {
		if b, ok := r.cache.Get(key); ok {
			r.metrics.RecordCache(true)
			return b, nil
		}
		r.metrics.RecordCache(false)
	}
	gen := r.generation(userID)

	rows, err := r.store.ContextRows(ctx, userID, documentID, r.cfg.MaxClauses)
	if err != nil {
		return Block{}, fmt.Errorf("failed to read context: %w", err)
	}
	b := Format(rows)
	if r.afterRead != nil {
		r.afterRead(userID)
	}

	if r.cache != nil {
		r.mu.Lock()
		if r.generations[userID] == gen {
			r.cache.Add(key, b)
		}
		r.mu.Unlock()
	}
	return b, nil
}

// Invalidate drops every cached block of userID.
func (r *Retriever) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[userID]++

	if r.cache == nil {
		return
	}
	prefix := userID + "\x00"
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Remove(k)
		}
	}
}

func (r *Retriever) generation(userID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[userID]
}

// Format renders rows in their given order.
func Format(rows []store.ContextRow) Block {
	if len(rows) == 0 {
		return Block{Text: EmptyContextMarker, Empty: true}
	}

	var sb strings.Builder
	current := ""
	for i, row := range rows {
		if row.DocumentID != current {
			current = row.DocumentID
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "=== Document: %s ===\n", row.DocumentName)
		}
		label := row.Label
		if label == "" {
			label = fmt.Sprintf("%d", row.Seq)
		}
		fmt.Fprintf(&sb, "\n[%s - %s]\n", label, row.Title)
		fmt.Fprintf(&sb, "- Risk: %s\n", row.RiskLevel)
		fmt.Fprintf(&sb, "- Summary: %s\n", row.Summary)
		fmt.Fprintf(&sb, "- Suggestion: %s\n", row.Suggestion)
		if body := strings.TrimSpace(row.Body); body != "" {
			fmt.Fprintf(&sb, "- Text: %s\n", truncateRunes(body, maxBodyRunes))
		}
	}
	return Block{Text: sb.String(), Entries: len(rows)}
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
