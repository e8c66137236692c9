// Package store persists the descriptor index as one flat list of records.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/google/renameio"
)

var (
	// ErrDataCorruption means the persisted document does not have the expected shape.
	ErrDataCorruption = errors.New("descriptor document is corrupt")
	// ErrNotFound means nothing has been ingested yet.
	ErrNotFound = errors.New("descriptor document not found")
)

// Store loads and replaces the whole record list. There is no partial load
// and no incremental update.
type Store interface {
	Load(ctx context.Context) ([]types.MediaRecord, error)
	Save(ctx context.Context, records []types.MediaRecord) error
}

// recordDoc is the on-disk shape of one record. Older documents name the
// descriptor list "descriptors"; new ones are always written as "embedding".
type recordDoc struct {
	Type        types.MediaType `json:"type"`
	Path        string          `json:"path"`
	Embedding   [][]float64     `json:"embedding,omitempty"`
	Descriptors [][]float64     `json:"descriptors,omitempty"`
}

// JSONStore keeps records in a single JSON array at Path.
type JSONStore struct {
	Path string
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{Path: path}
}

// Load reads and validates the entire document.
func (s *JSONStore) Load(ctx context.Context) ([]types.MediaRecord, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.Path)
	}
	if err != nil {
		return nil, err
	}
	records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return records, nil
}

// Save replaces the document atomically, so a concurrent reader sees either
// the previous store or the new one, never a truncated file.
func (s *JSONStore) Save(ctx context.Context, records []types.MediaRecord) error {
	data, err := Encode(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := renameio.WriteFile(s.Path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path, err)
	}
	return nil
}

// Encode renders records in insertion order with 4-space indentation.
func Encode(records []types.MediaRecord) ([]byte, error) {
	docs := make([]recordDoc, 0, len(records))
	for _, r := range records {
		if len(r.Descriptors) == 0 {
			return nil, fmt.Errorf("record %s has no descriptors", r.Path)
		}
		emb := make([][]float64, len(r.Descriptors))
		for i, d := range r.Descriptors {
			emb[i] = d
		}
		docs = append(docs, recordDoc{Type: r.Type, Path: r.Path, Embedding: emb})
	}
	data, err := json.MarshalIndent(docs, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a document, rejecting anything that is not a list of
// well-formed records.
func Decode(data []byte) ([]types.MediaRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: top level is not an array", ErrDataCorruption)
	}

	var docs []recordDoc
	if err := json.Unmarshal(trimmed, &docs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}

	records := make([]types.MediaRecord, 0, len(docs))
	for i, doc := range docs {
		if doc.Type != types.Image && doc.Type != types.Video {
			return nil, fmt.Errorf("%w: record %d has no type", ErrDataCorruption, i)
		}
		doc.Path = filepath.ToSlash(doc.Path)
		if doc.Path == "" {
			return nil, fmt.Errorf("%w: record %d has no path", ErrDataCorruption, i)
		}
		raw := doc.Embedding
		if len(raw) == 0 {
			raw = doc.Descriptors
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: record %d (%s) has no descriptors", ErrDataCorruption, i, doc.Path)
		}

		descs := make([]types.Descriptor, len(raw))
		for j, v := range raw {
			if len(v) != types.DescriptorDim {
				return nil, fmt.Errorf("%w: record %d (%s) descriptor %d has %d values, want %d",
					ErrDataCorruption, i, doc.Path, j, len(v), types.DescriptorDim)
			}
			descs[j] = types.Descriptor(v)
		}
		records = append(records, types.MediaRecord{Type: doc.Type, Path: doc.Path, Descriptors: descs})
	}
	return records, nil
}

// Verify returns the stored paths that no longer resolve to a regular file under root.
func Verify(root string, records []types.MediaRecord) []string {
	var missing []string
	for _, r := range records {
		info, err := os.Stat(utils.ResolveMedia(root, r.Path))
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, r.Path)
		}
	}
	return missing
}
