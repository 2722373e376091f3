// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Chatstack
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rag

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Document is the canonical record carried between pipeline stages.
//
// Metadata is always non-nil. Convenience fields mirror common metadata
// keys so stages do not have to dig into the map for hot-path lookups.
type Document struct {
	PageContent string
	Metadata    map[string]any

	DocID      string
	FileID     string
	ChunkID    string
	ChunkIndex *int
	Title      string
	Page       *int
	URI        string
	Snippet    string
	Score      *float64
	Embedding  []float64
}

// NewDocument creates a Document with normalized metadata.
func NewDocument(content string, metadata map[string]any) *Document {
	d := &Document{PageContent: content, Metadata: metadata}
	d.normalize()
	return d
}

// EnsureMetadata returns the metadata map, allocating it when missing.
func (d *Document) EnsureMetadata() map[string]any {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	return d.Metadata
}

// normalize decodes JSON-encoded metadata and lifts well-known keys into
// the convenience fields. Called at pipeline entry and by stages that
// rebuild documents.
func (d *Document) normalize() {
	md := d.EnsureMetadata()
	if raw, ok := md["__raw_metadata"].(string); ok && len(md) == 1 {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			d.Metadata = decoded
			md = decoded
		}
	}
	if d.DocID == "" {
		d.DocID = metaString(md, "doc_id")
	}
	if d.FileID == "" {
		d.FileID = metaString(md, "file_id")
	}
	if d.ChunkID == "" {
		d.ChunkID = metaString(md, "chunk_id")
	}
	if d.ChunkIndex == nil {
		if v, ok := metaInt(md, "chunk_index"); ok {
			d.ChunkIndex = &v
		}
	}
	if d.Title == "" {
		d.Title = metaString(md, "filename")
	}
	if d.Page == nil {
		if v, ok := metaInt(md, "page"); ok {
			d.Page = &v
		}
	}
	if d.URI == "" {
		d.URI = metaString(md, "uri")
		if d.URI == "" {
			d.URI = metaString(md, "url")
		}
	}
}

// StableKey returns a deterministic identity used for dedup and
// tie-breaking across all stages.
//
// Preference order:
//  1. DocID
//  2. (FileID, ChunkIndex)
//  3. metadata weaviate_id | id | uuid | chunk_id
//  4. (Title, ChunkIndex)
//  5. object identity
func (d *Document) StableKey() string {
	if d.DocID != "" {
		return d.DocID
	}
	if d.FileID != "" && d.ChunkIndex != nil {
		return fmt.Sprintf("%s:%d", d.FileID, *d.ChunkIndex)
	}
	md := d.Metadata
	for _, k := range []string{"weaviate_id", "id", "uuid", "chunk_id"} {
		if v := metaString(md, k); v != "" {
			return v
		}
	}
	if d.Title != "" && d.ChunkIndex != nil {
		return fmt.Sprintf("%s:%d", d.Title, *d.ChunkIndex)
	}
	return fmt.Sprintf("ptr:%p", d)
}

// MergeDocs interleaves per-query result lists preserving first-seen order
// and deduplicating by stable key. A limit of 0 means no cap.
func MergeDocs(docsByQuery [][]*Document, limit int) []*Document {
	var merged []*Document
	seen := make(map[string]struct{})
	for _, docs := range docsByQuery {
		for _, d := range docs {
			if d == nil {
				continue
			}
			d.normalize()
			key := d.StableKey()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, d)
			if limit > 0 && len(merged) >= limit {
				return merged
			}
		}
	}
	return merged
}

// TotalChars sums the page content lengths of the given docs.
func TotalChars(docs []*Document) int {
	total := 0
	for _, d := range docs {
		total += len(d.PageContent)
	}
	return total
}

// DocScore estimates a document's native retrieval score.
//
// Priority: Document.Score, metadata __orig_score, metadata score,
// 1 - metadata distance. Returns -Inf when unknown.
func DocScore(d *Document) float64 {
	if d.Score != nil {
		return *d.Score
	}
	md := d.Metadata
	if v, ok := asFloat(md["__orig_score"]); ok {
		return v
	}
	if v, ok := asFloat(md["score"]); ok {
		return v
	}
	if v, ok := asFloat(md["distance"]); ok {
		return 1.0 - v
	}
	return math.Inf(-1)
}

// RerankScore returns the rerank score if present, otherwise -Inf.
func RerankScore(d *Document) float64 {
	if v, ok := asFloat(d.Metadata["rerank_score"]); ok {
		return v
	}
	return math.Inf(-1)
}

// OrigRank returns the original retrieval rank, or a large sentinel when
// the rank is unavailable so ranked items sort first.
func OrigRank(d *Document) int {
	if v, ok := metaInt(d.Metadata, "__orig_rank"); ok {
		return v
	}
	return 1_000_000_000
}

// docEmbedding locates an embedding vector for similarity computations.
func docEmbedding(d *Document) []float64 {
	if v := toFloatSlice(d.Metadata["embedding"]); v != nil {
		return v
	}
	if v := toFloatSlice(d.Metadata["vector"]); v != nil {
		return v
	}
	return d.Embedding
}

func metaString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	switch v := md[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func metaInt(md map[string]any, key string) (int, bool) {
	if md == nil {
		return 0, false
	}
	v, ok := asFloat(md[key])
	if !ok || !isFinite(v) {
		return 0, false
	}
	return int(v), true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// finiteFloat parses v and rejects NaN and infinities. Used wherever
// numbers cross a serialization boundary.
func finiteFloat(v any) (float64, bool) {
	f, ok := asFloat(v)
	if !ok || !isFinite(f) {
		return 0, false
	}
	return f, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toFloatSlice(v any) []float64 {
	switch t := v.(type) {
	case []float64:
		return t
	case []float32:
		out := make([]float64, len(t))
		for i, f := range t {
			out[i] = float64(f)
		}
		return out
	case []any:
		out := make([]float64, 0, len(t))
		for _, item := range t {
			f, ok := asFloat(item)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}
