// Package memlog is the durable append-only log of typed memory records.
package memlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a referenced record id does not exist.
var ErrNotFound = errors.New("memory record not found")

// SchemaVersion is written into the persisted document.
const SchemaVersion = "1.0"

// document is the on-disk shape of the memory log: a single structured
// JSON file holding the ordered record list.
type document struct {
	SchemaVersion string   `json:"schema_version"`
	LastSync      string   `json:"last_sync"`
	Memories      []Record `json:"memories"`
}

// Log is the append-only memory log. All mutation is serialized through
// one mutex and persisted by rewriting the document to a temp file and
// renaming it over the old one, so concurrent appends never lose records
// and readers never see a partial write.
type Log struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads (or creates) the memory log document at the given path.
func Open(path string) (*Log, error) {
	l := &Log{
		path: path,
		doc:  document{SchemaVersion: SchemaVersion},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory log: %w", err)
	}
	if err := json.Unmarshal(data, &l.doc); err != nil {
		return nil, fmt.Errorf("parse memory log: %w", err)
	}
	if l.doc.SchemaVersion == "" {
		l.doc.SchemaVersion = SchemaVersion
	}
	return l, nil
}

// save rewrites the whole document. Caller must hold l.mu.
func (l *Log) save() error {
	l.doc.LastSync = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(&l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".memories-*.json")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace memory log: %w", err)
	}
	return nil
}

// Append validates the record, assigns it an id, and appends it to the
// log. It is the only mutating operation.
func (l *Log) Append(rec Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec.ID = newID(rec.Content, now)
	if rec.Provenance.Timestamp.IsZero() {
		rec.Provenance.Timestamp = now
	}
	if rec.Provenance.Source == "" {
		rec.Provenance.Source = "agent"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.doc.Memories = append(l.doc.Memories, rec)
	if err := l.save(); err != nil {
		// Roll the in-memory append back so the record either fully
		// exists or not at all.
		l.doc.Memories = l.doc.Memories[:len(l.doc.Memories)-1]
		return "", err
	}
	return rec.ID, nil
}

// Get returns the record with the given id.
func (l *Log) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.doc.Memories {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// Records returns a copy of all records in log order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.doc.Memories))
	copy(out, l.doc.Memories)
	return out
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.Memories)
}

// LastSync returns the timestamp of the last persisted write.
func (l *Log) LastSync() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.LastSync
}

// CountByType returns how many records exist per memory type.
func (l *Log) CountByType() map[Type]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[Type]int)
	for _, rec := range l.doc.Memories {
		counts[rec.Type]++
	}
	return counts
}

// Filter selects records in Query. Zero values match everything.
type Filter struct {
	Type           Type
	Source         string
	Tags           []string // match if the record carries any of these
	Context        string   // single tag the record must carry
	IncludeExpired bool
}

// Query returns records matching the filter, sorted by descending
// authority. Ties keep log order (stable).
func (l *Log) Query(f Filter) []Record {
	now := time.Now().UTC()

	l.mu.Lock()
	var out []Record
	for _, rec := range l.doc.Memories {
		if f.Type != "" && rec.Type != f.Type {
			continue
		}
		if f.Source != "" && rec.Provenance.Source != f.Source {
			continue
		}
		if len(f.Tags) > 0 && !hasAnyTag(rec.Tags, f.Tags) {
			continue
		}
		if f.Context != "" && !hasTag(rec.Tags, f.Context) {
			continue
		}
		if !f.IncludeExpired && rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Authority() > out[j].Authority()
	})
	return out
}

// Supersede appends a correction of an existing record. The new record
// keeps the original's type and tags, carries the new content, and links
// back via Supersedes. The original is untouched.
func (l *Log) Supersede(id, content, source, rationale string) (string, error) {
	orig, ok := l.Get(id)
	if !ok {
		return "", ErrNotFound
	}

	rec := Record{
		Type:       orig.Type,
		Content:    content,
		Tags:       orig.Tags,
		Rationale:  rationale,
		Confidence: orig.Confidence,
		Supersedes: orig.ID,
		Provenance: Provenance{Source: source},
	}
	if rec.Rationale == "" {
		rec.Rationale = orig.Rationale
	}
	return l.Append(rec)
}

// Promote appends an authority upgrade of an existing record: same
// content and tags under a new type, linked back via PromotedFrom.
func (l *Log) Promote(id string, newType Type, rationale string, confidence *float64) (string, error) {
	orig, ok := l.Get(id)
	if !ok {
		return "", ErrNotFound
	}

	rec := Record{
		Type:         newType,
		Content:      orig.Content,
		Tags:         orig.Tags,
		Rationale:    rationale,
		Confidence:   confidence,
		PromotedFrom: orig.ID,
		Provenance:   Provenance{Source: orig.Provenance.Source},
	}
	if rec.Confidence == nil {
		rec.Confidence = orig.Confidence
	}
	return l.Append(rec)
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func hasAnyTag(tags, want []string) bool {
	for _, w := range want {
		if hasTag(tags, w) {
			return true
		}
	}
	return false
}
