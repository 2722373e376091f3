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
	"sort"
	"strings"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/embedders"
)

// Relaxation ladder for the embedding relevance filter.
var embeddingFilterThresholds = []float64{0.20, 0.10, 0.0}

// HeuristicCompressor prunes retrieved docs to the context budget while
// protecting the anchor doc and keyword hits.
type HeuristicCompressor struct {
	embedder   embedders.Embedder
	cfg        *config.CompressConfig
	maxContext int
	stops      Stopwords
}

// NewHeuristicCompressor creates a compressor. A nil embedder disables
// the embedding relevance filter; everything else still applies.
func NewHeuristicCompressor(embedder embedders.Embedder, cfg *config.CompressConfig, maxContext int, stops Stopwords) *HeuristicCompressor {
	if cfg == nil {
		cfg = &config.CompressConfig{}
		cfg.SetDefaults()
	}
	return &HeuristicCompressor{
		embedder:   embedder,
		cfg:        cfg,
		maxContext: maxContext,
		stops:      stops,
	}
}

// Compress returns an ordered subset of docs fitting the budget.
//
// Steps: metadata normalization, keyword guard, adaptive embedding
// filter, keep-set assembly (anchor, guard hits, filtered docs), rerank-
// or score-based ordering, budget trim, fallback keep.
func (c *HeuristicCompressor) Compress(ctx context.Context, query string, docs []*Document) []*Document {
	if len(docs) == 0 {
		return []*Document{}
	}

	for _, d := range docs {
		d.normalize()
	}

	// Record first-seen positions for rerank tie-breaking.
	hasRerank := false
	rerankPos := make(map[string]int, len(docs))
	for i, d := range docs {
		k := d.StableKey()
		if _, ok := rerankPos[k]; !ok {
			rerankPos[k] = i
		}
		if _, present := d.Metadata["rerank_score"]; present {
			hasRerank = true
		}
	}
	slog.Debug("Compress start", "in", len(docs), "has_rerank", hasRerank)

	// Keyword guard: protect up to keyword_keep_limit early docs that
	// contain a query token.
	toks := KwTokens(query, c.stops)
	var mustKeep []*Document
	for _, d := range docs {
		if len(mustKeep) >= c.cfg.KeywordKeepLimit {
			break
		}
		if kwHit(toks, d) {
			mustKeep = append(mustKeep, d)
		}
	}

	filtered, usedThresh := c.embeddingFilter(ctx, query, docs)

	anchor := docs[0]
	keepSet := make(map[string]struct{}, len(docs))
	var kept []*Document

	add := func(d *Document) {
		k := d.StableKey()
		if _, ok := keepSet[k]; ok {
			return
		}
		keepSet[k] = struct{}{}
		kept = append(kept, d)
	}

	add(anchor)
	for _, d := range mustKeep {
		add(d)
	}
	for _, d := range filtered {
		add(d)
	}

	if hasRerank {
		sort.SliceStable(kept, func(i, j int) bool {
			si, sj := RerankScore(kept[i]), RerankScore(kept[j])
			if si != sj {
				return si > sj
			}
			return rerankPosOf(rerankPos, kept[i]) < rerankPosOf(rerankPos, kept[j])
		})
	} else {
		sort.SliceStable(kept, func(i, j int) bool {
			si, sj := DocScore(kept[i]), DocScore(kept[j])
			if si != sj {
				return si > sj
			}
			return OrigRank(kept[i]) < OrigRank(kept[j])
		})
	}

	// Trim to the budget. Oversized docs are skipped, not break points, so
	// later smaller docs can still fit.
	var out []*Document
	total := 0
	for _, d := range kept {
		ln := len(d.PageContent)
		if c.maxContext > 0 && total+ln > c.maxContext {
			continue
		}
		out = append(out, d)
		total += ln
	}

	if len(out) == 0 {
		n := c.cfg.FallbackKeep
		if n > len(kept) {
			n = len(kept)
		}
		out = kept[:n]
	}

	slog.Debug("Compress done",
		"in", len(docs),
		"used_threshold", usedThresh,
		"kw_keep", len(mustKeep),
		"out", len(out))

	return out
}

// embeddingFilter drops docs whose cosine similarity to the query falls
// below a threshold, relaxing the threshold until at least
// min_docs_after_filter survive. Returns all docs with threshold -1 when
// the embedder is unavailable or fails.
func (c *HeuristicCompressor) embeddingFilter(ctx context.Context, query string, docs []*Document) ([]*Document, float64) {
	if c.embedder == nil {
		return docs, -1
	}

	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, query)
	for _, d := range docs {
		texts = append(texts, d.PageContent)
	}

	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(docs)+1 {
		slog.Warn("Compress embedding filter failed", "error", err)
		return docs, -1
	}

	queryVec := vectors[0]
	sims := make([]float64, len(docs))
	for i := range docs {
		sims[i] = cosine(queryVec, vectors[i+1])
	}

	for _, th := range embeddingFilterThresholds {
		var filtered []*Document
		for i, d := range docs {
			if sims[i] >= th {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) >= c.cfg.MinDocsAfterFilter {
			return filtered, th
		}
	}

	return docs, -1
}

func rerankPosOf(pos map[string]int, d *Document) int {
	if p, ok := pos[d.StableKey()]; ok {
		return p
	}
	return 1_000_000_000
}

// kwHit reports whether any token appears in the doc's text, filename or
// filename keywords (substring match).
func kwHit(toks []string, d *Document) bool {
	if len(toks) == 0 {
		return false
	}
	blob := strings.ToLower(d.PageContent + " " +
		metaString(d.Metadata, "filename") + " " +
		metaString(d.Metadata, "filename_kw"))
	for _, t := range toks {
		if t != "" && strings.Contains(blob, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
