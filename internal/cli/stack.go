package cli

import (
	"fmt"
	"os"

	"github.com/originos/memod/internal/config"
	"github.com/originos/memod/internal/index"
	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/store"
)

// stack is the opened storage and index layer shared by the commands.
type stack struct {
	cfg *config.Config
	log *memlog.Log
	db  *store.DB
	ix  *index.Index
}

func openStack() (*stack, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	l, err := memlog.Open(cfg.MemoryPath())
	if err != nil {
		return nil, fmt.Errorf("open memory log: %w", err)
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &stack{cfg: cfg, log: l, db: db, ix: index.New(l, db, pickEmbedder(cfg))}, nil
}

func (s *stack) close() {
	s.db.Close()
}

// pickEmbedder probes Ollama when configured and falls back to the
// deterministic hash embedder, which needs no external service.
func pickEmbedder(cfg *config.Config) index.Embedder {
	if cfg.Embedder.Provider == "ollama" && index.ProbeOllama(cfg.Embedder.OllamaURL, cfg.Embedder.Model) {
		fmt.Fprintf(os.Stderr, "  embedder: ollama (%s)\n", cfg.Embedder.Model)
		return index.NewOllamaEmbedder(cfg.Embedder.OllamaURL, cfg.Embedder.Model, cfg.Embedder.Dimensions)
	}
	fmt.Fprintln(os.Stderr, "  embedder: hash (fallback)")
	return index.NewHashEmbedder(0)
}
