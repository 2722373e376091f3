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
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/llms"
)

// Reranker scores candidates listwise with an LLM and reorders them.
// The model returns a JSON array of {id, score, reason} objects; scores
// are clamped to [0,1] and stored in metadata as rerank_score.
type Reranker struct {
	llm llms.Provider
	cfg *config.RerankConfig
}

// NewReranker creates a reranker. A nil provider makes Rerank a no-op.
func NewReranker(llm llms.Provider, cfg *config.RerankConfig) *Reranker {
	if cfg == nil {
		cfg = &config.RerankConfig{}
		cfg.SetDefaults()
	}
	return &Reranker{llm: llm, cfg: cfg}
}

type rerankItem struct {
	id      string
	doc     *Document
	preview string
}

// Rerank returns the top_n docs ordered by LLM score. Docs the model
// skipped keep a -Inf score and sort last. On any LLM or parse failure
// the input order is preserved (fail-open) unless configured otherwise.
// Context cancellation is never failed open.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []*Document) ([]*Document, error) {
	cfg := r.cfg
	if query == "" || len(docs) == 0 || r.llm == nil {
		return docs, nil
	}

	candidates := docs
	if cfg.MaxCandidates > 0 && len(candidates) > cfg.MaxCandidates {
		candidates = candidates[:cfg.MaxCandidates]
	}
	slog.Debug("Rerank start", "in", len(docs), "candidates", len(candidates))

	type scoredDoc struct {
		doc   *Document
		score float64
	}
	var scored []scoredDoc

	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		items := prepareRerankItems(batch, cfg.MaxDocChars)
		prompt := buildRerankPrompt(query, items)

		raw, _, err := r.llm.Complete(ctx, &llms.Request{
			Messages:    []llms.Message{{Role: "user", Content: prompt}},
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxOutputTokens,
		})
		var results []rerankResult
		if err == nil {
			results, err = parseRerankJSON(raw)
		}
		if err != nil {
			if canceled(ctx, err) {
				return nil, err
			}
			if cfg.FailOpen == nil || *cfg.FailOpen {
				slog.Debug("Rerank fail open", "batch", start/batchSize, "error", err)
				if cfg.TopN > 0 && len(docs) > cfg.TopN {
					return docs[:cfg.TopN], nil
				}
				return docs, nil
			}
			return nil, NewRerankError(start/batchSize, "llm scoring failed", err)
		}
		slog.Debug("Rerank batch", "items", len(items), "results", len(results))

		idToDoc := make(map[string]*Document, len(items))
		for _, it := range items {
			idToDoc[it.id] = it.doc
		}
		seen := make(map[string]struct{}, len(results))
		for _, res := range results {
			doc, ok := idToDoc[res.id]
			if !ok {
				continue
			}
			seen[res.id] = struct{}{}
			md := doc.EnsureMetadata()
			md["rerank_score"] = res.score
			if res.reason != "" {
				md["rerank_reason"] = res.reason
			}
			scored = append(scored, scoredDoc{doc: doc, score: res.score})
		}

		// Unscored docs in the batch stay, ranked below everything scored.
		for _, it := range items {
			if _, ok := seen[it.id]; ok {
				continue
			}
			md := it.doc.EnsureMetadata()
			if _, exists := md["rerank_score"]; !exists {
				md["rerank_score"] = math.Inf(-1)
			}
			score, _ := asFloat(md["rerank_score"])
			scored = append(scored, scoredDoc{doc: it.doc, score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	seenDocs := make(map[*Document]struct{}, len(scored))
	uniq := make([]*Document, 0, len(scored))
	for _, s := range scored {
		if _, ok := seenDocs[s.doc]; ok {
			continue
		}
		seenDocs[s.doc] = struct{}{}
		uniq = append(uniq, s.doc)
	}

	if cfg.TopN > 0 && len(uniq) > cfg.TopN {
		uniq = uniq[:cfg.TopN]
	}

	slog.Debug("Rerank done", "out", len(uniq))
	return uniq, nil
}

// prepareRerankItems assigns each doc a stable id for the scoring
// protocol. Duplicate ids get a #1, #2 suffix so the model cannot merge
// distinct passages.
func prepareRerankItems(docs []*Document, maxChars int) []rerankItem {
	items := make([]rerankItem, 0, len(docs))
	used := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		rid := rerankDocID(d, strconv.Itoa(i))
		if _, taken := used[rid]; taken {
			suffix := 1
			candidate := fmt.Sprintf("%s#%d", rid, suffix)
			for {
				if _, taken := used[candidate]; !taken {
					break
				}
				suffix++
				candidate = fmt.Sprintf("%s#%d", rid, suffix)
			}
			rid = candidate
		}
		used[rid] = struct{}{}
		items = append(items, rerankItem{
			id:      rid,
			doc:     d,
			preview: trimText(d.PageContent, maxChars),
		})
	}
	return items
}

func rerankDocID(d *Document, fallback string) string {
	md := d.Metadata
	for _, k := range []string{"chunk_id", "id", "doc_id", "source_id"} {
		if v := metaString(md, k); v != "" {
			return v
		}
	}
	return fallback
}

// trimText collapses whitespace and truncates to maxChars with an
// ellipsis. maxChars <= 0 disables trimming.
func trimText(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars-1]) + "…"
}

func buildRerankPrompt(query string, items []rerankItem) string {
	var b strings.Builder

	b.WriteString("You are a reranking engine for retrieval-augmented generation.\n")
	b.WriteString("Given a user query and a list of candidate passages, rank the passages by how directly and specifically they answer the query.\n")
	b.WriteString("Return ONLY valid JSON (no markdown, no commentary).\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Prefer passages that contain concrete facts or definitions that answer the query.\n")
	b.WriteString("- Penalize passages that are off-topic, too generic, or only mention filenames/titles without content.\n")
	b.WriteString("- Scores must be between 0 and 1.\n")
	b.WriteString("- Include at most one short sentence for 'reason'.\n\n")

	b.WriteString("QUERY:\n")
	b.WriteString(query)
	b.WriteString("\n\nCANDIDATES:\n")

	for idx, it := range items {
		md := it.doc.Metadata
		title := metaString(md, "filename")
		if title == "" {
			title = metaString(md, "title")
		}
		if title == "" {
			title = metaString(md, "source")
		}
		loc := title
		if page := metaString(md, "page"); page != "" {
			loc = strings.TrimSpace(loc + " p." + page)
		}

		fmt.Fprintf(&b, "[%d] id=%s\n", idx+1, it.id)
		fmt.Fprintf(&b, "location=%s\n", loc)
		preview, _ := json.Marshal(it.preview)
		fmt.Fprintf(&b, "passage=%s\n", preview)
	}

	b.WriteString("\nOUTPUT JSON SCHEMA:\n")
	b.WriteString("[\n  {\"id\": \"<candidate id>\", \"score\": <0..1>, \"reason\": \"<short>\"}\n]\n")
	b.WriteString("Return one object per candidate id (same count as input), sorted by score desc.\n")

	return b.String()
}

type rerankResult struct {
	id     string
	score  float64
	reason string
}

var jsonArrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)

// parseRerankJSON accepts strict JSON and falls back to the first JSON
// array substring when the model wraps it in prose. Entries without an
// id or a numeric score are skipped; scores clamp to [0,1].
func parseRerankJSON(raw string) ([]rerankResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty reranker output")
	}

	var data []map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		m := jsonArrayPattern.FindString(text)
		if m == "" {
			return nil, fmt.Errorf("no JSON array in reranker output: %w", err)
		}
		if err := json.Unmarshal([]byte(m), &data); err != nil {
			return nil, fmt.Errorf("invalid reranker JSON: %w", err)
		}
	}

	out := make([]rerankResult, 0, len(data))
	for _, obj := range data {
		if obj == nil {
			continue
		}
		rid := metaString(obj, "id")
		if rid == "" {
			continue
		}
		score, ok := asFloat(obj["score"])
		if !ok {
			continue
		}
		score = math.Max(0.0, math.Min(1.0, score))
		out = append(out, rerankResult{
			id:     rid,
			score:  score,
			reason: metaString(obj, "reason"),
		})
	}

	return out, nil
}
