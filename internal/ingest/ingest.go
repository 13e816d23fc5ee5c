// Package ingest loads support documents into the vector collection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashureev/rag-support/internal/provider"
)

const (
	DefaultChunkSize = 500
	DefaultOverlap   = 50
	DefaultBatchSize = 64
)

// ErrNoDocuments is returned when the source directory has no readable text.
var ErrNoDocuments = errors.New("no documents to ingest")

// Index is the vector collection being written.
type Index interface {
	EnsureCollection(ctx context.Context, size int, recreate bool) error
	Upsert(ctx context.Context, chunks []provider.Chunk) error
}

// Options control chunking and batching.
type Options struct {
	ChunkSize  int
	Overlap    int
	BatchSize  int
	Dimensions int
	Recreate   bool
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap < 0 || o.Overlap >= o.ChunkSize {
		o.Overlap = 0
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
}

// Document is one source file split into chunks.
type Document struct {
	Source string
	Chunks []string
}

// ChunkWords splits text into windows of size words that overlap by overlap
// words. A window starts every size-overlap words.
func ChunkWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 || size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var chunks []string
	for i := 0; i < len(words); i += step {
		end := min(i+size, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// LoadDir reads every regular file directly under dir, in name order.
func LoadDir(dir string, size, overlap int) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var docs []Document
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		chunks := ChunkWords(string(data), size, overlap)
		if len(chunks) == 0 {
			slog.Debug("Skipping empty document", "source", e.Name())
			continue
		}
		docs = append(docs, Document{Source: e.Name(), Chunks: chunks})
	}
	return docs, nil
}

// Run chunks every document in dir, embeds the chunks in batches and upserts
// them with sequential ids starting at 0. It returns the number of points
// written.
func Run(ctx context.Context, dir string, embedder provider.Embedder, index Index, opts Options) (int, error) {
	opts.normalize()

	docs, err := LoadDir(dir, opts.ChunkSize, opts.Overlap)
	if err != nil {
		return 0, err
	}
	var pending []provider.Chunk
	for _, d := range docs {
		for _, text := range d.Chunks {
			pending = append(pending, provider.Chunk{
				ID:     uint64(len(pending)),
				Text:   text,
				Source: d.Source,
			})
		}
	}
	if len(pending) == 0 {
		return 0, fmt.Errorf("%s: %w", dir, ErrNoDocuments)
	}

	if err := index.EnsureCollection(ctx, opts.Dimensions, opts.Recreate); err != nil {
		return 0, fmt.Errorf("prepare collection: %w", err)
	}

	written := 0
	for start := 0; start < len(pending); start += opts.BatchSize {
		batch := pending[start:min(start+opts.BatchSize, len(pending))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vecs) != len(batch) {
			return written, fmt.Errorf("embed batch at %d: got %d vectors for %d chunks", start, len(vecs), len(batch))
		}
		for i := range batch {
			batch[i].Vector = vecs[i]
		}
		if err := index.Upsert(ctx, batch); err != nil {
			return written, fmt.Errorf("upsert batch at %d: %w", start, err)
		}
		written += len(batch)
		slog.Info("Upserted batch", "points", written, "total", len(pending))
	}
	return written, nil
}
