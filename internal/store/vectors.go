package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// encodeVector converts a []float32 to a binary BLOB (4 bytes per float32).
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector converts a binary BLOB back to []float32.
func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// SaveEmbedding caches the embedding for a record under the given model.
// The content hash lets a rebuild detect that a cached vector is stale.
func (db *DB) SaveEmbedding(recordID, model, contentHash string, vec []float32) error {
	now := time.Now().UnixMilli()
	blob := encodeVector(vec)

	_, err := db.Exec(`
		INSERT INTO embeddings (record_id, model, content_hash, dimensions, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id, model) DO UPDATE SET content_hash = ?, dimensions = ?, vector = ?, created_at = ?
	`, recordID, model, contentHash, len(vec), blob, now,
		contentHash, len(vec), blob, now)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the cached vector for a record if it was generated
// by the same model from the same content, or nil on a cache miss.
func (db *DB) GetEmbedding(recordID, model, contentHash string) ([]float32, error) {
	var blob []byte
	err := db.QueryRow(`
		SELECT vector FROM embeddings
		WHERE record_id = ? AND model = ? AND content_hash = ?
	`, recordID, model, contentHash).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return decodeVector(blob), nil
}

// CountEmbeddings returns the number of cached vectors for a model.
func (db *DB) CountEmbeddings(model string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM embeddings WHERE model = ?", model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}
