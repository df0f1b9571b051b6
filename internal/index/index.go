// Package index maintains the semantic index over the memory log: an
// immutable snapshot of embedded records served to concurrent searches,
// rebuilt in the background and swapped atomically.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/store"
)

// ErrUnavailable is returned by Search before the first successful build.
// Callers should trigger a rebuild rather than treating it as empty results.
var ErrUnavailable = errors.New("semantic index not built yet")

// UpstreamError wraps a failure of the embedding backend. It is a
// retryable service error, not a client error.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("embedding backend: %s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Entry is the indexed view of one memory record.
type Entry struct {
	ID        string
	Type      memlog.Type
	Content   string
	Tags      []string
	Authority int
}

// SearchResult pairs an indexed entry with its similarity score.
type SearchResult struct {
	Entry
	Score float64
}

// Snapshot is an immutable point-in-time view of the index, built from a
// memory log state at a known length. Exactly one snapshot is active for
// serving; older ones finish their in-flight reads and are dropped.
type Snapshot struct {
	entries map[string]Entry
	col     *chromem.Collection
	LogLen  int
	BuiltAt time.Time
}

// Len returns the number of indexed entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Index builds snapshots from the memory log and serves searches against
// the active one. The active snapshot is replaced by a single atomic
// pointer swap; readers never observe a half-built snapshot.
type Index struct {
	log      *memlog.Log
	db       *store.DB // embedding cache; may be nil
	embedder Embedder
	active   atomic.Pointer[Snapshot]
}

// New creates an Index over the given log. db may be nil to disable the
// embedding cache.
func New(log *memlog.Log, db *store.DB, embedder Embedder) *Index {
	return &Index{log: log, db: db, embedder: embedder}
}

// EmbedderModel returns the model name of the configured embedder.
func (ix *Index) EmbedderModel() string { return ix.embedder.Model() }

// compositeText is what gets embedded for a record: type, content, tags,
// and rationale folded into one string.
func compositeText(rec memlog.Record) string {
	var b strings.Builder
	b.WriteString(string(rec.Type))
	b.WriteString(": ")
	b.WriteString(rec.Content)
	if len(rec.Tags) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(rec.Tags, ", "))
		b.WriteString("]")
	}
	if rec.Rationale != "" {
		b.WriteString(" Rationale: ")
		b.WriteString(rec.Rationale)
	}
	return b.String()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// embedRecord returns the vector for a record, consulting the cache first
// so restarts and repeated rebuilds only embed new or changed records.
func (ix *Index) embedRecord(ctx context.Context, rec memlog.Record) ([]float32, error) {
	text := compositeText(rec)
	hash := contentHash(text)
	model := ix.embedder.Model()

	if ix.db != nil {
		cached, err := ix.db.GetEmbedding(rec.ID, model, hash)
		if err == nil && cached != nil {
			return cached, nil
		}
	}

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &UpstreamError{Op: "embed record " + rec.ID, Err: err}
	}

	if ix.db != nil {
		// Best effort: a cache write failure must not fail the build.
		_ = ix.db.SaveEmbedding(rec.ID, model, hash, vec)
	}
	return vec, nil
}

// Build embeds every record and constructs a new snapshot. It does not
// publish the snapshot; the caller (scheduler or ForceRebuild) does.
func (ix *Index) Build(ctx context.Context) (*Snapshot, error) {
	records := ix.log.Records()

	db := chromem.NewDB()
	col, err := db.CreateCollection("memories", nil, func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	entries := make(map[string]Entry, len(records))
	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		vec, err := ix.embedRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		entries[rec.ID] = Entry{
			ID:        rec.ID,
			Type:      rec.Type,
			Content:   rec.Content,
			Tags:      rec.Tags,
			Authority: rec.Authority(),
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Content:   compositeText(rec),
			Embedding: vec,
		})
	}

	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("add documents: %w", err)
		}
	}

	return &Snapshot{
		entries: entries,
		col:     col,
		LogLen:  len(records),
		BuiltAt: time.Now().UTC(),
	}, nil
}

// Publish swaps the active snapshot. In-flight searches against the old
// snapshot complete safely; new searches see the new one immediately.
func (ix *Index) Publish(s *Snapshot) {
	ix.active.Store(s)
}

// Active returns the currently served snapshot, or nil before the first
// successful build.
func (ix *Index) Active() *Snapshot {
	return ix.active.Load()
}

// ForceRebuild builds and publishes a snapshot synchronously.
func (ix *Index) ForceRebuild(ctx context.Context) (*Snapshot, error) {
	snap, err := ix.Build(ctx)
	if err != nil {
		return nil, err
	}
	ix.Publish(snap)
	return snap, nil
}

// Search embeds the query and returns the k nearest records from the
// active snapshot by inner product. If k exceeds the snapshot size, all
// entries are returned.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	snap := ix.active.Load()
	if snap == nil {
		return nil, ErrUnavailable
	}
	if snap.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if k > snap.Len() {
		k = snap.Len()
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &UpstreamError{Op: "embed query", Err: err}
	}

	hits, err := snap.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		entry, ok := snap.entries[hit.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Entry: entry, Score: float64(hit.Similarity)})
	}
	return results, nil
}
