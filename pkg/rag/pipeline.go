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

// Package rag implements retrieval-augmented prompt construction: query
// expansion, Weaviate retrieval, LLM reranking, MMR diversity selection,
// two-tier compression and context packing with citations.
package rag

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/embedders"
	"github.com/chatstack/ragpipe/pkg/llms"
)

// Request is one prompt construction job. Overrides holds per-request
// knob values keyed like the wire config (camelCase preferred,
// snake_case accepted).
type Request struct {
	Question  string
	Overrides map[string]any
	Stream    *StreamContext
}

// Result is the constructed prompt with its provenance.
type Result struct {
	Messages  []llms.Message
	Context   string
	Citations []Citation

	Hits           int
	RerankedHits   int
	MMRHits        int
	CompressedHits int
	HeuristicHits  int
	LLMApplied     bool
}

// Pipeline wires the stages together. Construction is cheap; one
// pipeline serves concurrent requests.
type Pipeline struct {
	cfg       *config.RagConfig
	retriever *Retriever
	reranker  *Reranker
	llm       *LLMCompressor
	embedder  embedders.Embedder
	stops     Stopwords
}

// NewPipeline builds a pipeline. llm may be nil to disable reranking and
// LLM compression; embedder may be nil to disable the embedding filter.
func NewPipeline(cfg *config.RagConfig, db Searcher, llm llms.Provider, embedder embedders.Embedder) *Pipeline {
	if cfg == nil {
		cfg = &config.RagConfig{}
		cfg.SetDefaults()
	}
	p := &Pipeline{
		cfg:       cfg,
		retriever: NewRetriever(db, cfg),
		embedder:  embedder,
		stops:     NewStopwords(cfg.Stopwords),
	}
	if llm != nil {
		if cfg.Rerank.Enabled {
			p.reranker = NewReranker(llm, &cfg.Rerank)
		}
		p.llm = NewLLMCompressor(llm, &cfg.Compress)
	}
	return p
}

// Run executes retrieve, rerank, mmr, compress, join and prompt in
// order. Stage telemetry is published on the request's stream context
// when one is attached.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	res, err := p.run(ctx, req)
	if err != nil {
		pipelineRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	pipelineRequests.WithLabelValues("ok").Inc()
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, req *Request) (*Result, error) {
	q := req.Question
	sc := req.Stream
	overrides := req.Overrides

	if strings.TrimSpace(q) == "" {
		return nil, NewPipelineError("input", "question is required", nil)
	}

	docs, err := p.stageRetrieve(ctx, q, overrides, sc)
	if err != nil {
		return nil, NewPipelineError("retrieve", "retrieval failed", err)
	}

	reranked, err := p.stageRerank(ctx, q, docs, sc)
	if err != nil {
		return nil, NewPipelineError("rerank", "rerank aborted", err)
	}
	mmrDocs, err := p.stageMMR(ctx, q, reranked, overrides, sc)
	if err != nil {
		return nil, NewPipelineError("mmr", "mmr aborted", err)
	}
	compressed, heuristicHits, llmApplied, err := p.stageCompress(ctx, q, mmrDocs, overrides, sc)
	if err != nil {
		return nil, NewPipelineError("compress", "compression aborted", err)
	}

	result := &Result{
		Hits:           len(docs),
		RerankedHits:   len(reranked),
		MMRHits:        len(mmrDocs),
		CompressedHits: len(compressed),
		HeuristicHits:  heuristicHits,
		LLMApplied:     llmApplied,
	}

	if len(compressed) == 0 {
		slog.Warn("No relevant documents found", "query", q)
		result.Context = EmptyContextMessage
		result.Citations = []Citation{}
	} else {
		p.annotateSnippets(q, compressed)
		maxContext := p.effectiveMaxContext(overrides)
		result.Context, result.Citations = JoinContext(compressed, maxContext)
		contextChars.Observe(float64(len(result.Context)))
	}

	result.Messages = BuildPrompt(p.cfg.RagPrompt, q, result.Context)
	return result, nil
}

func (p *Pipeline) stageRetrieve(ctx context.Context, q string, overrides map[string]any, sc *StreamContext) ([]*Document, error) {
	opts := RetrieveOptions{}
	if v, ok := overrideInt(overrides, "topK", "top_k"); ok {
		opts.TopK = v
	}
	if v, ok := overrideInt(overrides, "mmq"); ok {
		opts.MMQ = v
	}
	if v, ok := overrides["filters"].(map[string]any); ok {
		opts.Filters = v
	}
	if v, ok := overrideString(overrides, "searchType", "search_type"); ok {
		opts.SearchType = v
	}
	if v, ok := overrideFloat(overrides, "alpha"); ok {
		opts.Alpha = &v
	}

	started := time.Now()
	EmitSearchEvent(ctx, sc, &SearchEvent{Event: EventRetrieveInProgress, Query: q})

	docs, err := p.retriever.Retrieve(ctx, q, opts)
	if err != nil {
		return nil, err
	}

	took := time.Since(started)
	observeStage("retrieve", took, len(docs))
	EmitSearchEvent(ctx, sc, &SearchEvent{
		Event:  EventRetrieveCompleted,
		Query:  q,
		Hits:   intPtr(len(docs)),
		TookMs: int64Ptr(took.Milliseconds()),
	})
	return docs, nil
}

func (p *Pipeline) stageRerank(ctx context.Context, q string, docs []*Document, sc *StreamContext) ([]*Document, error) {
	if len(docs) == 0 {
		slog.Debug("Rerank skipped, no docs")
		return docs, nil
	}
	if p.reranker == nil {
		return docs, nil
	}

	cfg := p.cfg.Rerank
	knobs := func(ev *StageEvent) *StageEvent {
		ev.Reranker = "llm"
		ev.RerankTopN = intPtr(cfg.TopN)
		ev.RerankMaxCandidates = intPtr(cfg.MaxCandidates)
		ev.RerankBatchSize = intPtr(cfg.BatchSize)
		ev.RerankMaxDocChars = intPtr(cfg.MaxDocChars)
		return ev
	}

	started := time.Now()
	EmitStageEvent(ctx, sc, knobs(&StageEvent{
		Event:      EventRerankInProgress,
		Query:      q,
		Hits:       intPtr(len(docs)),
		InputHits:  intPtr(len(docs)),
		InputChars: intPtr(TotalChars(docs)),
	}))

	reranked, err := p.reranker.Rerank(ctx, q, docs)
	if err != nil {
		if canceled(ctx, err) {
			return nil, err
		}
		slog.Warn("Rerank failed", "error", err)
		reranked = docs
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	took := time.Since(started)
	observeStage("rerank", took, len(reranked))
	EmitStageEvent(ctx, sc, knobs(&StageEvent{
		Event:       EventRerankCompleted,
		Query:       q,
		Hits:        intPtr(len(reranked)),
		InputHits:   intPtr(len(docs)),
		OutputHits:  intPtr(len(reranked)),
		InputChars:  intPtr(TotalChars(docs)),
		OutputChars: intPtr(TotalChars(reranked)),
		TookMs:      int64Ptr(took.Milliseconds()),
	}))
	return reranked, nil
}

func (p *Pipeline) stageMMR(ctx context.Context, q string, docs []*Document, overrides map[string]any, sc *StreamContext) ([]*Document, error) {
	if len(docs) == 0 {
		slog.Debug("MMR skipped, no docs")
		return docs, nil
	}
	if !p.cfg.MMR.Enabled {
		return docs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := p.cfg.MMR
	if v, ok := overrideInt(overrides, "mmrK", "mmr_k"); ok {
		cfg.K = v
	}
	if v, ok := overrideInt(overrides, "mmrFetchK", "mmr_fetch_k"); ok {
		cfg.FetchK = v
	}
	if v, ok := overrideFloat(overrides, "mmrLambda", "mmr_lambda"); ok {
		cfg.LambdaMult = &v
	}
	if v, ok := overrideFloat(overrides, "mmrSimilarityThreshold", "mmr_similarity_threshold"); ok {
		cfg.SimilarityThreshold = &v
	}
	if cfg.FetchK < cfg.K {
		cfg.FetchK = cfg.K
	}

	started := time.Now()
	EmitStageEvent(ctx, sc, &StageEvent{
		Event:      EventMMRInProgress,
		Query:      q,
		Hits:       intPtr(len(docs)),
		InputHits:  intPtr(len(docs)),
		InputChars: intPtr(TotalChars(docs)),
	})

	out := MMRSelect(q, docs, &cfg)

	took := time.Since(started)
	observeStage("mmr", took, len(out))
	EmitStageEvent(ctx, sc, &StageEvent{
		Event:                  EventMMRCompleted,
		Query:                  q,
		Hits:                   intPtr(len(out)),
		InputHits:              intPtr(len(docs)),
		OutputHits:             intPtr(len(out)),
		InputChars:             intPtr(TotalChars(docs)),
		OutputChars:            intPtr(TotalChars(out)),
		MMRK:                   intPtr(cfg.K),
		MMRFetchK:              intPtr(cfg.FetchK),
		MMRLambda:              cfg.LambdaMult,
		MMRSimilarityThreshold: cfg.SimilarityThreshold,
		TookMs:                 int64Ptr(took.Milliseconds()),
	})
	return out, nil
}

func (p *Pipeline) stageCompress(ctx context.Context, q string, docs []*Document, overrides map[string]any, sc *StreamContext) ([]*Document, int, bool, error) {
	if len(docs) == 0 {
		slog.Debug("Compress skipped, no docs")
		return docs, 0, false, nil
	}
	if ctx.Err() != nil {
		return nil, 0, false, ctx.Err()
	}

	maxContext := p.effectiveMaxContext(overrides)
	useLLM := p.cfg.UseLLM && p.llm != nil
	if v, ok := overrideBool(overrides, "useLlm", "use_llm"); ok {
		useLLM = v && p.llm != nil
	}

	started := time.Now()
	EmitStageEvent(ctx, sc, &StageEvent{
		Event:      EventCompressInProgress,
		Query:      q,
		Hits:       intPtr(len(docs)),
		InputHits:  intPtr(len(docs)),
		InputChars: intPtr(TotalChars(docs)),
		MaxContext: intPtr(maxContext),
		UseLLM:     boolPtr(useLLM),
	})

	heuristic := NewHeuristicCompressor(p.embedder, &p.cfg.Compress, maxContext, p.stops)
	out, heuristicHits, llmApplied, err := CompressDocs(ctx, q, docs, heuristic, p.llm, maxContext, useLLM)
	if err != nil {
		return nil, 0, false, err
	}

	took := time.Since(started)
	observeStage("compress", took, len(out))
	EmitStageEvent(ctx, sc, &StageEvent{
		Event:         EventCompressCompleted,
		Query:         q,
		Hits:          intPtr(len(out)),
		InputHits:     intPtr(len(docs)),
		OutputHits:    intPtr(len(out)),
		InputChars:    intPtr(TotalChars(docs)),
		OutputChars:   intPtr(TotalChars(out)),
		MaxContext:    intPtr(maxContext),
		UseLLM:        boolPtr(useLLM),
		HeuristicHits: intPtr(heuristicHits),
		LLMApplied:    boolPtr(llmApplied),
		TookMs:        int64Ptr(took.Milliseconds()),
	})
	return out, heuristicHits, llmApplied, nil
}

// annotateSnippets fills empty doc snippets with a keyword-anchored
// window so citations point at the matching part of the chunk.
func (p *Pipeline) annotateSnippets(q string, docs []*Document) {
	toks := KwTokens(q, p.stops)
	if len(toks) == 0 {
		return
	}
	for _, d := range docs {
		if d.Snippet != "" || metaString(d.Metadata, "snippet") != "" {
			continue
		}
		if snips := ExtractSnippets(toks, d.PageContent); len(snips) > 0 {
			d.Snippet = snips[0]
		}
	}
}

func (p *Pipeline) effectiveMaxContext(overrides map[string]any) int {
	if v, ok := overrideInt(overrides, "maxContext", "max_context"); ok {
		return v
	}
	return p.cfg.MaxContext
}

// Override lookups try keys in order, camelCase first by convention.

func overrideValue(cfg map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := cfg[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func overrideInt(cfg map[string]any, keys ...string) (int, bool) {
	v, ok := overrideValue(cfg, keys...)
	if !ok {
		return 0, false
	}
	f, ok := finiteFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func overrideFloat(cfg map[string]any, keys ...string) (float64, bool) {
	v, ok := overrideValue(cfg, keys...)
	if !ok {
		return 0, false
	}
	return finiteFloat(v)
}

func overrideBool(cfg map[string]any, keys ...string) (bool, bool) {
	v, ok := overrideValue(cfg, keys...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func overrideString(cfg map[string]any, keys ...string) (string, bool) {
	v, ok := overrideValue(cfg, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
