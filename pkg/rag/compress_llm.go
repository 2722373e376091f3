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
	"strings"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/llms"
)

// LLMCompressor rewrites each passage down to the parts that answer the
// question. Runs per doc with a JSON {"kept", "dropped"} protocol and
// falls back to the original doc on any failure.
type LLMCompressor struct {
	llm llms.Provider
	cfg *config.CompressConfig
}

// NewLLMCompressor creates a compressor bound to a provider.
func NewLLMCompressor(llm llms.Provider, cfg *config.CompressConfig) *LLMCompressor {
	if cfg == nil {
		cfg = &config.CompressConfig{}
		cfg.SetDefaults()
	}
	return &LLMCompressor{llm: llm, cfg: cfg}
}

// Compress returns one doc per input doc, compressed where the model
// produced usable output and unchanged otherwise. Context cancellation
// aborts the pass regardless of fail_open.
func (c *LLMCompressor) Compress(ctx context.Context, query string, docs []*Document) ([]*Document, error) {
	if len(docs) == 0 {
		return []*Document{}, nil
	}
	cfg := c.cfg
	extractOnly := cfg.ExtractOnly == nil || *cfg.ExtractOnly
	failOpen := cfg.FailOpen == nil || *cfg.FailOpen

	slog.Debug("LLM compress start", "in", len(docs), "model", cfg.Model)

	out := make([]*Document, 0, len(docs))
	for idx, doc := range docs {
		passage := truncateEllipsis(doc.PageContent, cfg.PerDocMaxChars)
		if strings.TrimSpace(passage) == "" {
			out = append(out, doc)
			continue
		}

		prompt := buildCompressPrompt(query, passage, extractOnly, cfg.OutputMaxChars)

		raw, _, err := c.llm.Complete(ctx, &llms.Request{
			Messages:    []llms.Message{{Role: "user", Content: prompt}},
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxOutputTokens,
			Model:       cfg.Model,
		})
		if err != nil {
			if canceled(ctx, err) {
				return nil, err
			}
			if failOpen {
				slog.Warn("LLM compress call failed, keeping original",
					"idx", idx+1, "id", rerankDocID(doc, "<no-id>"), "error", err)
				out = append(out, doc)
				continue
			}
			return nil, NewCompressError("llm", "compression call failed", err)
		}

		kept, dropped, ok := parseCompressJSON(raw)
		keptText := truncateEllipsis(strings.TrimSpace(kept), cfg.OutputMaxChars)

		// Guardrails: too short, unparsable, or (in extract mode) text
		// that does not come from the passage keeps the original.
		if !ok || len(keptText) < cfg.MinKeepChars {
			slog.Debug("LLM compress fallback to original",
				"idx", idx+1, "kept_len", len(keptText), "raw_len", len(raw))
			out = append(out, doc)
			continue
		}
		if extractOnly && !strings.Contains(collapseWhitespace(passage), collapseWhitespace(keptText)) {
			slog.Debug("LLM compress rejected non-verbatim output",
				"idx", idx+1, "id", rerankDocID(doc, "<no-id>"))
			out = append(out, doc)
			continue
		}

		md := make(map[string]any, len(doc.Metadata)+4)
		for k, v := range doc.Metadata {
			md[k] = v
		}
		md["compressed"] = true
		md["compressor"] = "llm"
		md["compress_model"] = cfg.Model
		if dropped != nil {
			md["compress_dropped"] = int(*dropped)
		}

		newDoc := NewDocument(keptText, md)
		newDoc.DocID = doc.DocID
		newDoc.FileID = doc.FileID
		newDoc.ChunkID = doc.ChunkID
		newDoc.ChunkIndex = doc.ChunkIndex
		newDoc.Title = doc.Title
		newDoc.Page = doc.Page
		newDoc.URI = doc.URI
		newDoc.Score = doc.Score

		slog.Debug("LLM compress ok",
			"idx", idx+1, "orig_len", len(doc.PageContent), "kept_len", len(keptText))
		out = append(out, newDoc)
	}

	slog.Debug("LLM compress done", "out", len(out))
	return out, nil
}

func buildCompressPrompt(query, passage string, extractOnly bool, outputMaxChars int) string {
	mode := "Compress for relevance. You may lightly rewrite, but must keep facts unchanged."
	if extractOnly {
		mode = "Extract verbatim sentences/phrases ONLY. Do not paraphrase or add new facts."
	}

	var b strings.Builder
	b.WriteString("You are a contextual compressor for RAG.\n")
	b.WriteString("Given a user question and a passage, return only the parts of the passage that are directly useful to answer the question.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- " + mode + "\n")
	b.WriteString("- Remove irrelevant lines.\n")
	fmt.Fprintf(&b, "- Keep output under %d characters.\n", outputMaxChars)
	b.WriteString("- Output MUST be valid JSON with keys: {\"kept\": string, \"dropped\": number}.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nPassage:\n")
	b.WriteString(passage)
	b.WriteString("\n")
	return b.String()
}

// parseCompressJSON accepts strict JSON or the first {...} substring.
func parseCompressJSON(raw string) (kept string, dropped *float64, ok bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", nil, false
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return "", nil, false
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
			return "", nil, false
		}
	}

	kept = metaString(payload, "kept")
	if d, found := asFloat(payload["dropped"]); found {
		dropped = &d
	}
	return kept, dropped, true
}

func truncateEllipsis(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars-1]) + "…"
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CompressDocs runs the heuristic pass and, when the context is still
// oversized and reranked, the LLM pass on top. Returns the final docs,
// the heuristic survivor count, and whether the LLM pass applied. A
// cancelled context surfaces as an error; other LLM failures fall back
// to the heuristic result.
func CompressDocs(ctx context.Context, query string, docs []*Document,
	heuristic *HeuristicCompressor, llm *LLMCompressor, maxContext int, useLLM bool) ([]*Document, int, bool, error) {

	heuristicDocs := heuristic.Compress(ctx, query, docs)
	heuristicHits := len(heuristicDocs)
	if ctx.Err() != nil {
		return nil, heuristicHits, false, ctx.Err()
	}

	if !useLLM || llm == nil || !shouldApplyLLM(heuristicDocs, maxContext) {
		return heuristicDocs, heuristicHits, false, nil
	}

	out, err := llm.Compress(ctx, query, heuristicDocs)
	if err != nil {
		if canceled(ctx, err) {
			return nil, heuristicHits, false, err
		}
		slog.Warn("LLM compression pass failed", "error", err)
		return heuristicDocs, heuristicHits, false, nil
	}
	if len(out) == 0 {
		return heuristicDocs, heuristicHits, false, nil
	}

	return out, heuristicHits, true, nil
}

// shouldApplyLLM gates the expensive pass: at least two reranked docs and
// a total size at 70% of the budget or more.
func shouldApplyLLM(docs []*Document, maxContext int) bool {
	if len(docs) < 2 {
		return false
	}
	if maxContext <= 0 {
		return false
	}
	hasRerank := false
	for _, d := range docs {
		if _, present := d.Metadata["rerank_score"]; present {
			hasRerank = true
			break
		}
	}
	if !hasRerank {
		return false
	}
	return float64(TotalChars(docs)) >= float64(maxContext)*0.7
}
