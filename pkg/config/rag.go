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

package config

import "fmt"

// Search types supported by the Weaviate backend.
const (
	SearchTypeHybrid   = "hybrid"
	SearchTypeNearText = "near_text"
)

// RagConfig holds the retrieval and prompt construction knobs.
//
// Example:
//
//	rag:
//	  collection: Chunks
//	  top_k: 10
//	  mmq: 3
//	  max_context: 3500
//	  search_type: hybrid
//	  alpha: 0.6
type RagConfig struct {
	// Collection is the Weaviate class searched for chunks.
	// Default: Chunks
	Collection string `yaml:"collection,omitempty"`

	// TextKey is the property holding chunk text.
	// Default: text
	TextKey string `yaml:"text_key,omitempty"`

	// TopK is the per-query result count.
	// Default: 10
	TopK int `yaml:"top_k,omitempty"`

	// MMQ caps the number of multi-query expansion variants.
	// 1 disables expansion. Default: 3
	MMQ int `yaml:"mmq,omitempty"`

	// MaxContext is the character budget for the joined context.
	// Default: 3500
	MaxContext int `yaml:"max_context,omitempty"`

	// SearchType selects hybrid or near_text retrieval.
	// Default: hybrid
	SearchType string `yaml:"search_type,omitempty"`

	// Alpha is the hybrid weighting (0.0 = bm25 only, 1.0 = vector only).
	// Default: 0.6
	Alpha float64 `yaml:"alpha,omitempty"`

	// Alpha clamping bands driven by keyword strength. A query with two or
	// more rare keywords is clamped down toward bm25, a query with no
	// keywords is clamped up toward the vector side.
	AlphaMultiStrongMax  *float64 `yaml:"alpha_multi_strong_max,omitempty"`
	AlphaSingleStrongMin *float64 `yaml:"alpha_single_strong_min,omitempty"`
	AlphaWeakHitMin      *float64 `yaml:"alpha_weak_hit_min,omitempty"`
	AlphaNoBM25Min       *float64 `yaml:"alpha_no_bm25_min,omitempty"`

	// FusionType is the hybrid fusion algorithm.
	// Default: relative
	FusionType string `yaml:"fusion_type,omitempty"`

	// BM25QueryProperties lists the properties the bm25 leg queries.
	// The placeholder "content" is mapped to TextKey.
	// Default: [text, text_tri, filename, filename_kw]
	BM25QueryProperties []string `yaml:"bm25_query_properties,omitempty"`

	// NearTextDistance is the max distance for near_text retrieval.
	// Default: 0.7
	NearTextDistance float64 `yaml:"near_text_distance,omitempty"`

	// UseLLM enables the LLM compression pass on oversized contexts.
	UseLLM bool `yaml:"use_llm,omitempty"`

	// Stopwords are dropped during keyword extraction. The default list
	// covers Korean particles, conjunctions and fillers.
	Stopwords []string `yaml:"stopwords,omitempty"`

	// RagPrompt is the system prompt for the final chat messages.
	RagPrompt string `yaml:"rag_prompt,omitempty"`

	// Rerank configures the LLM reranking stage.
	Rerank RerankConfig `yaml:"rerank,omitempty"`

	// MMR configures the diversity selection stage.
	MMR MMRConfig `yaml:"mmr,omitempty"`

	// Compress configures the compression stage.
	Compress CompressConfig `yaml:"compress,omitempty"`
}

// RerankConfig holds the LLM reranking knobs.
type RerankConfig struct {
	// Enabled turns the reranking stage on.
	Enabled bool `yaml:"enabled,omitempty"`

	// MaxCandidates caps how many retrieved docs are scored.
	// Default: 30
	MaxCandidates int `yaml:"max_candidates,omitempty"`

	// TopN is the number of docs kept after scoring. 0 keeps all.
	// Default: 8
	TopN int `yaml:"top_n,omitempty"`

	// BatchSize is the number of candidates per LLM call.
	// Default: 12
	BatchSize int `yaml:"batch_size,omitempty"`

	// MaxDocChars truncates each candidate preview.
	// Default: 1800
	MaxDocChars int `yaml:"max_doc_chars,omitempty"`

	// Temperature for the scoring call. Default: 0
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxOutputTokens caps the scoring response. Default: 600
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	// FailOpen returns the input order when the LLM call fails.
	// Default: true
	FailOpen *bool `yaml:"fail_open,omitempty"`
}

// MMRConfig holds the maximal marginal relevance knobs.
type MMRConfig struct {
	// Enabled turns the MMR stage on.
	Enabled bool `yaml:"enabled,omitempty"`

	// LambdaMult balances relevance against diversity.
	// Default: 0.7
	LambdaMult *float64 `yaml:"lambda_mult,omitempty"`

	// K is the number of docs selected. Default: 6
	K int `yaml:"k,omitempty"`

	// FetchK is the candidate pool size. Default: 24
	FetchK int `yaml:"fetch_k,omitempty"`

	// SimilarityThreshold prunes near-duplicates. Candidates whose max
	// cosine similarity to an already selected doc reaches the threshold
	// are skipped. Default: 0.85
	SimilarityThreshold *float64 `yaml:"similarity_threshold,omitempty"`
}

// CompressConfig holds the two-tier compression knobs.
type CompressConfig struct {
	// KeywordKeepLimit caps how many keyword-hit docs the guard protects.
	// Default: 3
	KeywordKeepLimit int `yaml:"keyword_keep_limit,omitempty"`

	// MinDocsAfterFilter is the minimum the embedding filter must keep
	// before relaxing its threshold. Default: 2
	MinDocsAfterFilter int `yaml:"min_docs_after_filter,omitempty"`

	// FallbackKeep caps the kept set when the budget trim empties it.
	// Default: 8
	FallbackKeep int `yaml:"fallback_keep,omitempty"`

	// ExtractOnly keeps the LLM pass verbatim-extractive.
	// Default: true
	ExtractOnly *bool `yaml:"extract_only,omitempty"`

	// PerDocMaxChars truncates each passage sent to the LLM.
	// Default: 3500
	PerDocMaxChars int `yaml:"per_doc_max_chars,omitempty"`

	// OutputMaxChars caps the kept text per doc. Default: 1200
	OutputMaxChars int `yaml:"output_max_chars,omitempty"`

	// MinKeepChars rejects LLM outputs shorter than this. Default: 40
	MinKeepChars int `yaml:"min_keep_chars,omitempty"`

	// Model is the logical model name for compression calls.
	// Default: llm-compress
	Model string `yaml:"model,omitempty"`

	// Temperature for compression calls. Default: 0
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxOutputTokens caps the compression response. Default: 600
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	// FailOpen keeps the original doc when a compression call fails.
	// Default: true
	FailOpen *bool `yaml:"fail_open,omitempty"`
}

// DefaultKoStopwords is the built-in Korean stopword list, grouped by
// particles and endings, conjunctions, and conversational fillers.
var DefaultKoStopwords = []string{
	// 조사/어미
	"은", "는", "이", "가", "을", "를", "에", "에서", "에게", "께", "으로", "로", "과", "와", "도", "만", "까지", "부터",
	"의", "보다", "마저", "조차", "든지", "라고", "이라고", "까지의", "같은", "하는", "된", "하여", "하게", "하며",
	// 접속/불용
	"그리고", "그러나", "하지만", "또", "또는", "및", "또한", "그래서", "그러므로", "때문에", "때문", "즉", "예를", "들어",
	// 의문/감탄/형태 보정
	"무엇", "어떤", "왜", "어떻게", "하면", "해주세요", "해주세요.", "해줘", "알려줘", "대해", "관련", "것", "부분", "수", "대한",
	// 구두어/채움
	"음", "어", "어어", "어허", "자", "좀", "그", "이", "저", "내", "너", "너희", "우리", "같아", "같은데", "요", "요.", "고마워",
}

// DefaultRagPrompt is the built-in Korean system prompt.
const DefaultRagPrompt = "당신은 친절하고 정확한 AI 어시스턴트입니다.\n" +
	"- 제공된 Context만으로 답하세요.\n" +
	"- Context는 여러 문서 조각으로 구성되어 있으며, 순서와 관계없이 모두 참고하세요.\n" +
	"- 모르면 모른다고 말하세요.\n" +
	"- 출처가 되는 문서 제목/섹션을 간단히 써주세요.\n" +
	"- 출처가 없는 경우 출처를 표기하지 마세요."

func floatPtr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool        { return &b }

// SetDefaults applies default values to RagConfig.
func (c *RagConfig) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "Chunks"
	}
	if c.TextKey == "" {
		c.TextKey = "text"
	}
	if c.TopK == 0 {
		c.TopK = 10
	}
	if c.MMQ == 0 {
		c.MMQ = 3
	}
	if c.MaxContext == 0 {
		c.MaxContext = 3500
	}
	if c.SearchType == "" {
		c.SearchType = SearchTypeHybrid
	}
	if c.Alpha == 0 {
		c.Alpha = 0.6
	}
	if c.AlphaMultiStrongMax == nil {
		c.AlphaMultiStrongMax = floatPtr(0.45)
	}
	if c.AlphaSingleStrongMin == nil {
		c.AlphaSingleStrongMin = floatPtr(0.55)
	}
	if c.AlphaWeakHitMin == nil {
		c.AlphaWeakHitMin = floatPtr(0.30)
	}
	if c.AlphaNoBM25Min == nil {
		c.AlphaNoBM25Min = floatPtr(0.10)
	}
	if c.FusionType == "" {
		c.FusionType = "relative"
	}
	if len(c.BM25QueryProperties) == 0 {
		c.BM25QueryProperties = []string{"text", "text_tri", "filename", "filename_kw"}
	}
	if c.NearTextDistance == 0 {
		c.NearTextDistance = 0.7
	}
	if len(c.Stopwords) == 0 {
		c.Stopwords = append([]string(nil), DefaultKoStopwords...)
	}
	if c.RagPrompt == "" {
		c.RagPrompt = DefaultRagPrompt
	}

	c.Rerank.SetDefaults()
	c.MMR.SetDefaults()
	c.Compress.SetDefaults()
}

// SetDefaults applies default values to RerankConfig.
func (c *RerankConfig) SetDefaults() {
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 30
	}
	if c.TopN == 0 {
		c.TopN = 8
	}
	if c.BatchSize == 0 {
		c.BatchSize = 12
	}
	if c.MaxDocChars == 0 {
		c.MaxDocChars = 1800
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 600
	}
	if c.FailOpen == nil {
		c.FailOpen = boolPtr(true)
	}
}

// SetDefaults applies default values to MMRConfig.
func (c *MMRConfig) SetDefaults() {
	if c.LambdaMult == nil {
		c.LambdaMult = floatPtr(0.7)
	}
	if c.K == 0 {
		c.K = 6
	}
	if c.FetchK == 0 {
		c.FetchK = 24
	}
	if c.SimilarityThreshold == nil {
		c.SimilarityThreshold = floatPtr(0.85)
	}
}

// SetDefaults applies default values to CompressConfig.
func (c *CompressConfig) SetDefaults() {
	if c.KeywordKeepLimit == 0 {
		c.KeywordKeepLimit = 3
	}
	if c.MinDocsAfterFilter == 0 {
		c.MinDocsAfterFilter = 2
	}
	if c.FallbackKeep == 0 {
		c.FallbackKeep = 8
	}
	if c.ExtractOnly == nil {
		c.ExtractOnly = boolPtr(true)
	}
	if c.PerDocMaxChars == 0 {
		c.PerDocMaxChars = 3500
	}
	if c.OutputMaxChars == 0 {
		c.OutputMaxChars = 1200
	}
	if c.MinKeepChars == 0 {
		c.MinKeepChars = 40
	}
	if c.Model == "" {
		c.Model = "llm-compress"
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 600
	}
	if c.FailOpen == nil {
		c.FailOpen = boolPtr(true)
	}
}

// Validate checks the RAG configuration and normalizes the bm25 property
// list (maps the "content" placeholder to TextKey, drops duplicates).
func (c *RagConfig) Validate() error {
	if c.SearchType != SearchTypeHybrid && c.SearchType != SearchTypeNearText {
		return fmt.Errorf("invalid search_type %q (valid: hybrid, near_text)", c.SearchType)
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in [0, 1], got %v", c.Alpha)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	if c.MMQ < 1 {
		return fmt.Errorf("mmq must be positive, got %d", c.MMQ)
	}
	if c.MaxContext < 0 {
		return fmt.Errorf("max_context must not be negative, got %d", c.MaxContext)
	}

	if len(c.BM25QueryProperties) > 0 {
		seen := make(map[string]struct{}, len(c.BM25QueryProperties))
		props := make([]string, 0, len(c.BM25QueryProperties))
		for _, p := range c.BM25QueryProperties {
			if p == "content" {
				p = c.TextKey
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			props = append(props, p)
		}
		c.BM25QueryProperties = props
	}

	if c.MMR.LambdaMult != nil && (*c.MMR.LambdaMult < 0 || *c.MMR.LambdaMult > 1) {
		return fmt.Errorf("mmr.lambda_mult must be in [0, 1], got %v", *c.MMR.LambdaMult)
	}

	return nil
}
