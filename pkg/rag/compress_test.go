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
	"errors"
	"strings"
	"testing"

	"github.com/chatstack/ragpipe/pkg/config"
)

// fakeEmbedder maps texts to canned vectors, the query first.
type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i, txt := range texts {
		if v, ok := f.vectors[txt]; ok {
			out[i] = v
		} else {
			out[i] = []float64{0, 0}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

func compressCfg() *config.CompressConfig {
	cfg := &config.CompressConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestHeuristicCompressBudgetTrim(t *testing.T) {
	c := NewHeuristicCompressor(nil, compressCfg(), 10, defaultStops())

	docs := []*Document{
		NewDocument("12345", map[string]any{"doc_id": "a", "score": 0.9}),
		NewDocument("123456789012345", map[string]any{"doc_id": "b", "score": 0.8}),
		NewDocument("1234", map[string]any{"doc_id": "c", "score": 0.7}),
	}
	out := c.Compress(context.Background(), "무관한 질의", docs)

	// The oversized middle doc is skipped, not a break point.
	if len(out) != 2 {
		t.Fatalf("out = %d docs, want 2", len(out))
	}
	if out[0].DocID != "a" || out[1].DocID != "c" {
		t.Errorf("kept = %q, %q", out[0].DocID, out[1].DocID)
	}
}

func TestHeuristicCompressFallbackKeep(t *testing.T) {
	cfg := compressCfg()
	cfg.FallbackKeep = 1
	c := NewHeuristicCompressor(nil, cfg, 3, defaultStops())

	docs := []*Document{
		NewDocument("too long for budget", map[string]any{"doc_id": "a"}),
		NewDocument("also too long here", map[string]any{"doc_id": "b"}),
	}
	out := c.Compress(context.Background(), "질의", docs)
	if len(out) != 1 {
		t.Fatalf("out = %d docs, want fallback_keep", len(out))
	}
}

func TestHeuristicCompressRerankOrdering(t *testing.T) {
	c := NewHeuristicCompressor(nil, compressCfg(), 1000, defaultStops())

	docs := []*Document{
		NewDocument("anchor", map[string]any{"doc_id": "a", "rerank_score": 0.2}),
		NewDocument("best", map[string]any{"doc_id": "b", "rerank_score": 0.9}),
		NewDocument("mid", map[string]any{"doc_id": "c", "rerank_score": 0.5}),
	}
	out := c.Compress(context.Background(), "무관한 질의", docs)
	if len(out) != 3 {
		t.Fatalf("out = %d docs", len(out))
	}
	if out[0].DocID != "b" || out[1].DocID != "c" || out[2].DocID != "a" {
		t.Errorf("order = %q %q %q, want rerank desc", out[0].DocID, out[1].DocID, out[2].DocID)
	}
}

func TestHeuristicCompressKeywordGuard(t *testing.T) {
	cfg := compressCfg()
	cfg.KeywordKeepLimit = 1
	// The embedding filter would drop the docker doc (negative
	// similarity); the keyword guard must protect it.
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"docker 알려줘":        {1, 0},
		"intro text":        {1, 0},
		"docker 설치 가이드":     {-1, 0},
		"unrelated text":    {0.5, 0.5},
	}}
	c := NewHeuristicCompressor(embedder, cfg, 1000, defaultStops())

	docs := []*Document{
		NewDocument("intro text", map[string]any{"doc_id": "a", "score": 0.9}),
		NewDocument("docker 설치 가이드", map[string]any{"doc_id": "b", "score": 0.1}),
		NewDocument("unrelated text", map[string]any{"doc_id": "c", "score": 0.8}),
	}
	out := c.Compress(context.Background(), "docker 알려줘", docs)

	found := false
	for _, d := range out {
		if d.DocID == "b" {
			found = true
		}
	}
	if !found {
		t.Errorf("keyword hit dropped: %v", docIDs(out))
	}
}

func TestHeuristicCompressEmbeddingFilterFailOpen(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embeddings down")}
	c := NewHeuristicCompressor(embedder, compressCfg(), 1000, defaultStops())

	docs := []*Document{
		NewDocument("a", map[string]any{"doc_id": "a"}),
		NewDocument("b", map[string]any{"doc_id": "b"}),
	}
	out := c.Compress(context.Background(), "질의", docs)
	if len(out) != 2 {
		t.Fatalf("embedder failure must keep all docs, got %d", len(out))
	}
}

func docIDs(docs []*Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.DocID
	}
	return ids
}

const longPassage = "Kubernetes is a container orchestration platform. " +
	"It schedules workloads across a cluster of nodes. " +
	"Deployments manage replica sets and rolling updates."

func TestLLMCompressExtract(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"kept": "Kubernetes is a container orchestration platform. It schedules workloads across a cluster of nodes.", "dropped": 1}`,
	}}
	c := NewLLMCompressor(llm, compressCfg())

	docs := []*Document{NewDocument(longPassage, map[string]any{"doc_id": "a"})}
	out, err := c.Compress(context.Background(), "what is kubernetes", docs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("out = %d docs", len(out))
	}
	if out[0] == docs[0] {
		t.Fatal("expected a new compressed doc")
	}
	if strings.Contains(out[0].PageContent, "Deployments") {
		t.Error("dropped sentence still present")
	}
	md := out[0].Metadata
	if v, _ := md["compressed"].(bool); !v {
		t.Error("compressed flag missing")
	}
	if v, _ := md["compressor"].(string); v != "llm" {
		t.Errorf("compressor = %v", md["compressor"])
	}
	if v, _ := md["compress_dropped"].(int); v != 1 {
		t.Errorf("compress_dropped = %v", md["compress_dropped"])
	}
	if out[0].DocID != "a" {
		t.Errorf("doc identity lost: %q", out[0].DocID)
	}
}

func TestLLMCompressShortOutputKeepsOriginal(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"kept": "too short", "dropped": 3}`}}
	c := NewLLMCompressor(llm, compressCfg())

	docs := []*Document{NewDocument(longPassage, nil)}
	out, err := c.Compress(context.Background(), "q", docs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out[0] != docs[0] {
		t.Error("short output must keep the original doc")
	}
}

func TestLLMCompressRejectsNonVerbatim(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"kept": "A paraphrased summary that never appears in the passage at all, word for word.", "dropped": 0}`,
	}}
	c := NewLLMCompressor(llm, compressCfg())

	docs := []*Document{NewDocument(longPassage, nil)}
	out, err := c.Compress(context.Background(), "q", docs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if out[0] != docs[0] {
		t.Error("non-verbatim output must keep the original doc in extract mode")
	}
}

func TestLLMCompressCallFailureFailOpen(t *testing.T) {
	c := NewLLMCompressor(&fakeLLM{err: errors.New("timeout")}, compressCfg())

	docs := []*Document{NewDocument(longPassage, nil)}
	out, err := c.Compress(context.Background(), "q", docs)
	if err != nil {
		t.Fatalf("fail-open should not error: %v", err)
	}
	if out[0] != docs[0] {
		t.Error("failed call must keep the original doc")
	}
}

func TestParseCompressJSONSubstringFallback(t *testing.T) {
	kept, dropped, ok := parseCompressJSON("Sure! {\"kept\": \"the text\", \"dropped\": 2} hope that helps")
	if !ok || kept != "the text" {
		t.Fatalf("kept = %q ok = %v", kept, ok)
	}
	if dropped == nil || *dropped != 2 {
		t.Errorf("dropped = %v", dropped)
	}

	if _, _, ok := parseCompressJSON("nothing structured"); ok {
		t.Error("want parse failure")
	}
}

func TestShouldApplyLLMGating(t *testing.T) {
	reranked := func(content string) *Document {
		return NewDocument(content, map[string]any{"rerank_score": 0.5})
	}
	big := strings.Repeat("x", 50)

	if shouldApplyLLM([]*Document{reranked(big)}, 100) {
		t.Error("single doc must not trigger the LLM pass")
	}
	if shouldApplyLLM([]*Document{reranked(big), reranked(big)}, 0) {
		t.Error("no budget must not trigger the LLM pass")
	}
	if shouldApplyLLM([]*Document{NewDocument(big, nil), NewDocument(big, nil)}, 100) {
		t.Error("unreranked docs must not trigger the LLM pass")
	}
	if !shouldApplyLLM([]*Document{reranked(big), reranked(big)}, 100) {
		t.Error("oversized reranked context must trigger the LLM pass")
	}
	if shouldApplyLLM([]*Document{reranked("tiny"), reranked("tiny")}, 100) {
		t.Error("context under 70% of budget must not trigger the LLM pass")
	}
}

func TestCompressDocsOrchestration(t *testing.T) {
	heuristic := NewHeuristicCompressor(nil, compressCfg(), 100, defaultStops())
	big := strings.Repeat("data ", 12) // 60 chars, over the 70% line

	docs := []*Document{
		NewDocument(big, map[string]any{"doc_id": "a", "rerank_score": 0.9}),
		NewDocument(big, map[string]any{"doc_id": "b", "rerank_score": 0.8}),
	}

	// Combined size exceeds the budget, so the heuristic trims to one
	// doc and the LLM gate sees too few docs to fire.
	out, hits, applied, err := CompressDocs(context.Background(), "질의", docs, heuristic, nil, 100, true)
	if err != nil {
		t.Fatalf("CompressDocs: %v", err)
	}
	if applied {
		t.Error("nil LLM compressor must not apply")
	}
	if hits != len(out) {
		t.Errorf("heuristic hits = %d, out = %d", hits, len(out))
	}
}

func TestCompressDocsLLMFailureFallsBack(t *testing.T) {
	cfg := compressCfg()
	failOpen := false
	cfg.FailOpen = &failOpen
	heuristic := NewHeuristicCompressor(nil, cfg, 1000, defaultStops())
	llm := NewLLMCompressor(&fakeLLM{err: errors.New("down")}, cfg)

	big := strings.Repeat("content ", 50)
	docs := []*Document{
		NewDocument(big, map[string]any{"doc_id": "a", "rerank_score": 0.9}),
		NewDocument(big, map[string]any{"doc_id": "b", "rerank_score": 0.8}),
	}
	out, hits, applied, err := CompressDocs(context.Background(), "질의", docs, heuristic, llm, 1000, true)
	if err != nil {
		t.Fatalf("CompressDocs: %v", err)
	}
	if applied {
		t.Error("failed LLM pass must report llm_applied=false")
	}
	if len(out) != hits {
		t.Errorf("fallback must return the heuristic docs: %d vs %d", len(out), hits)
	}
}

func TestLLMCompressCancellationPropagates(t *testing.T) {
	cfg := compressCfg()
	ctx, cancel := context.WithCancel(context.Background())
	llm := NewLLMCompressor(&cancellingLLM{cancel: cancel}, cfg)

	docs := []*Document{NewDocument(longPassage, map[string]any{"doc_id": "a"})}
	_, err := llm.Compress(ctx, "쿠버네티스", docs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled (fail-open must not swallow cancellation)", err)
	}
}

func TestCompressDocsCancellationAborts(t *testing.T) {
	cfg := compressCfg()
	heuristic := NewHeuristicCompressor(nil, cfg, 1000, defaultStops())
	ctx, cancel := context.WithCancel(context.Background())
	llm := NewLLMCompressor(&cancellingLLM{cancel: cancel}, cfg)

	big := strings.Repeat("content ", 50)
	docs := []*Document{
		NewDocument(big, map[string]any{"doc_id": "a", "rerank_score": 0.9}),
		NewDocument(big, map[string]any{"doc_id": "b", "rerank_score": 0.8}),
	}
	_, _, _, err := CompressDocs(ctx, "질의", docs, heuristic, llm, 1000, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled instead of heuristic fallback", err)
	}
}
