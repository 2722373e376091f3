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
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/databases"
)

// Searcher is the query surface the retriever needs from the vector
// database.
type Searcher interface {
	Hybrid(ctx context.Context, q *databases.HybridQuery) ([]databases.SearchResult, error)
	NearText(ctx context.Context, q *databases.NearTextQuery) ([]databases.SearchResult, error)
}

// textKeyCandidates are tried in order when the configured text property
// is missing from the collection schema.
var textKeyCandidates = []string{"text", "page_content", "body", "chunk"}

// RetrieveOptions carries per-request overrides. Zero values fall back to
// the configured defaults.
type RetrieveOptions struct {
	TopK       int
	MMQ        int
	Filters    map[string]any
	TextKey    string
	SearchType string
	Alpha      *float64
}

// Retriever runs multi-query expansion against Weaviate and merges the
// per-variant result lists.
//
// Hybrid searches adapt alpha per query variant: rare keywords pull the
// weighting toward bm25, keyword-free queries push it toward the vector
// side. A text key that turns out to be missing from the schema is
// replaced from a candidate list and the working key is remembered for
// subsequent calls.
type Retriever struct {
	db    Searcher
	cfg   *config.RagConfig
	stops Stopwords

	mu      sync.Mutex
	textKey string
}

// NewRetriever creates a retriever over the given search client.
func NewRetriever(db Searcher, cfg *config.RagConfig) *Retriever {
	if cfg == nil {
		cfg = &config.RagConfig{}
		cfg.SetDefaults()
	}
	return &Retriever{
		db:      db,
		cfg:     cfg,
		stops:   NewStopwords(cfg.Stopwords),
		textKey: cfg.TextKey,
	}
}

// Retrieve expands the query into up to mmq variants, searches each
// variant concurrently and merges the results first-seen, deduplicated
// by stable key, capped at top_k times the variant count.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]*Document, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	mmq := opts.MMQ
	if mmq <= 0 {
		mmq = r.cfg.MMQ
	}
	if mmq < 1 {
		mmq = 1
	}
	searchType := opts.SearchType
	if searchType == "" {
		searchType = r.cfg.SearchType
	}
	alpha := r.cfg.Alpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
	}

	queries := ExpandQueries(query, mmq, r.stops)
	if mmq > 1 {
		slog.Info("Multi-query expansion", "mmq", mmq, "queries", len(queries))
		slog.Debug("Query variants", "variants", queries)
	}

	docsByQuery := make([][]*Document, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, qv := range queries {
		i, qv := i, qv
		g.Go(func() error {
			docs, err := r.searchOne(gctx, qv, topK, searchType, alpha, opts)
			if err != nil {
				return NewSearchError(qv, "search failed", err)
			}
			docsByQuery[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := MergeDocs(docsByQuery, topK*len(queries))
	slog.Debug("Retrieve merged", "variants", len(queries), "hits", len(merged))
	return merged, nil
}

// searchOne runs a single query variant, walking the text key candidate
// list when the schema rejects the configured property.
func (r *Retriever) searchOne(ctx context.Context, query string, topK int, searchType string, alpha float64, opts RetrieveOptions) ([]*Document, error) {
	key := opts.TextKey
	if key == "" {
		key = r.workingTextKey()
	}

	results, err := r.query(ctx, query, key, topK, searchType, alpha, opts.Filters)
	if err == nil {
		return r.toDocuments(results, key), nil
	}
	if !isSchemaError(err) || opts.TextKey != "" {
		return nil, err
	}

	lastErr := err
	for _, candidate := range textKeyCandidates {
		if candidate == key {
			continue
		}
		results, err = r.query(ctx, query, candidate, topK, searchType, alpha, opts.Filters)
		if err == nil {
			r.rememberTextKey(candidate)
			slog.Info("Text key fallback", "from", key, "to", candidate)
			return r.toDocuments(results, candidate), nil
		}
		if !isSchemaError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Retriever) query(ctx context.Context, query, textKey string, topK int, searchType string, alpha float64, filters map[string]any) ([]databases.SearchResult, error) {
	returnProps := []string{textKey, "filename", "page", "chunk_index", "file_id", "chunk_id"}
	where := databases.NormalizeFilters(filters)

	if searchType == config.SearchTypeNearText {
		return r.db.NearText(ctx, &databases.NearTextQuery{
			Collection:       r.cfg.Collection,
			Query:            query,
			Distance:         r.cfg.NearTextDistance,
			Limit:            topK,
			Where:            where,
			ReturnProperties: returnProps,
			IncludeVector:    true,
		})
	}

	effAlpha := r.dynamicAlpha(query, alpha)
	return r.db.Hybrid(ctx, &databases.HybridQuery{
		Collection:       r.cfg.Collection,
		Query:            query,
		Alpha:            effAlpha,
		Properties:       r.bm25Properties(textKey),
		FusionType:       r.cfg.FusionType,
		Limit:            topK,
		Where:            where,
		ReturnProperties: returnProps,
		IncludeVector:    true,
	})
}

// dynamicAlpha clamps the hybrid weighting by keyword strength. Multiple
// rare keywords favor bm25, a single rare keyword or no keywords at all
// favor the vector side.
func (r *Retriever) dynamicAlpha(query string, alpha float64) float64 {
	all, rare := KwTokensSplit(query, r.stops)

	switch {
	case len(rare) >= 2:
		if r.cfg.AlphaMultiStrongMax != nil && alpha > *r.cfg.AlphaMultiStrongMax {
			alpha = *r.cfg.AlphaMultiStrongMax
		}
	case len(rare) == 1:
		if r.cfg.AlphaSingleStrongMin != nil && alpha < *r.cfg.AlphaSingleStrongMin {
			alpha = *r.cfg.AlphaSingleStrongMin
		}
	case len(all) > 0:
		if r.cfg.AlphaWeakHitMin != nil && alpha < *r.cfg.AlphaWeakHitMin {
			alpha = *r.cfg.AlphaWeakHitMin
		}
	default:
		if r.cfg.AlphaNoBM25Min != nil && alpha < *r.cfg.AlphaNoBM25Min {
			alpha = *r.cfg.AlphaNoBM25Min
		}
	}

	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return alpha
}

// bm25Properties substitutes the effective text key for the configured
// one when the fallback changed it.
func (r *Retriever) bm25Properties(textKey string) []string {
	props := make([]string, 0, len(r.cfg.BM25QueryProperties))
	for _, p := range r.cfg.BM25QueryProperties {
		if p == r.cfg.TextKey {
			p = textKey
		}
		props = append(props, p)
	}
	return props
}

// toDocuments converts raw search results. The native score and the
// 1-based rank are recorded as __orig_score and __orig_rank so later
// stages can fall back to retrieval order.
func (r *Retriever) toDocuments(results []databases.SearchResult, textKey string) []*Document {
	docs := make([]*Document, 0, len(results))
	for i, res := range results {
		content, _ := res.Properties[textKey].(string)

		md := make(map[string]any, len(res.Properties)+5)
		for k, v := range res.Properties {
			if k == textKey {
				continue
			}
			md[k] = v
		}
		if res.ID != "" {
			md["weaviate_id"] = res.ID
		}
		if res.Score != nil {
			md["score"] = *res.Score
			md["__orig_score"] = *res.Score
		}
		if res.Distance != nil {
			md["distance"] = *res.Distance
			if res.Score == nil {
				md["__orig_score"] = 1.0 - *res.Distance
			}
		}
		if len(res.Vector) > 0 {
			md["vector"] = res.Vector
		}
		md["__orig_rank"] = i + 1

		d := NewDocument(content, md)
		if res.Score != nil {
			score := *res.Score
			d.Score = &score
		}
		d.Embedding = res.Vector
		docs = append(docs, d)
	}
	return docs
}

func (r *Retriever) workingTextKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textKey
}

func (r *Retriever) rememberTextKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textKey = key
}

// isSchemaError matches the GraphQL error Weaviate emits when a queried
// property does not exist on the collection.
func isSchemaError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Cannot query field")
}
