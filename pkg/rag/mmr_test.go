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
	"math"
	"testing"

	"github.com/chatstack/ragpipe/pkg/config"
)

func mmrCfg(k, fetchK int, lambda float64, threshold *float64) *config.MMRConfig {
	return &config.MMRConfig{
		K:                   k,
		FetchK:              fetchK,
		LambdaMult:          &lambda,
		SimilarityThreshold: threshold,
	}
}

func TestMMRSelectSeedsMostRelevant(t *testing.T) {
	docs := []*Document{
		NewDocument("a", map[string]any{"rerank_score": 0.2, "embedding": []any{1.0, 0.0}}),
		NewDocument("b", map[string]any{"rerank_score": 0.9, "embedding": []any{0.0, 1.0}}),
		NewDocument("c", map[string]any{"rerank_score": 0.5, "embedding": []any{1.0, 1.0}}),
	}

	out := MMRSelect("q", docs, mmrCfg(2, 3, 0.7, nil))
	if len(out) != 2 {
		t.Fatalf("selected %d, want 2", len(out))
	}
	if out[0].PageContent != "b" {
		t.Errorf("seed = %q, want b", out[0].PageContent)
	}
	if r, _ := out[0].Metadata["mmr_rank"].(int); r != 1 {
		t.Errorf("mmr_rank = %v, want 1", out[0].Metadata["mmr_rank"])
	}
	if l, _ := out[0].Metadata["mmr_lambda"].(float64); l != 0.7 {
		t.Errorf("mmr_lambda = %v", out[0].Metadata["mmr_lambda"])
	}
}

func TestMMRSelectThresholdPrunesDuplicates(t *testing.T) {
	// Identical embeddings: everything after the seed hits the
	// similarity threshold and is pruned.
	threshold := 0.85
	docs := []*Document{
		NewDocument("a", map[string]any{"rerank_score": 0.9, "embedding": []any{1.0, 0.0}}),
		NewDocument("b", map[string]any{"rerank_score": 0.8, "embedding": []any{1.0, 0.0}}),
		NewDocument("c", map[string]any{"rerank_score": 0.7, "embedding": []any{1.0, 0.0}}),
	}

	out := MMRSelect("q", docs, mmrCfg(3, 3, 0.7, &threshold))
	if len(out) != 1 {
		t.Fatalf("selected %d, want 1 (duplicates pruned)", len(out))
	}
	if out[0].PageContent != "a" {
		t.Errorf("kept = %q, want a", out[0].PageContent)
	}
}

func TestMMRSelectWithoutEmbeddingsKeepsRelevanceOrder(t *testing.T) {
	docs := []*Document{
		NewDocument("low", map[string]any{"rerank_score": 0.1}),
		NewDocument("high", map[string]any{"rerank_score": 0.9}),
		NewDocument("mid", map[string]any{"rerank_score": 0.5}),
	}

	out := MMRSelect("q", docs, mmrCfg(3, 3, 0.7, nil))
	if len(out) != 3 {
		t.Fatalf("selected %d, want 3", len(out))
	}
	got := []string{out[0].PageContent, out[1].PageContent, out[2].PageContent}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMMRSelectFetchKCapsCandidates(t *testing.T) {
	docs := []*Document{
		NewDocument("a", map[string]any{"rerank_score": 0.1}),
		NewDocument("b", map[string]any{"rerank_score": 0.2}),
		NewDocument("best-but-out-of-pool", map[string]any{"rerank_score": 0.9}),
	}

	out := MMRSelect("q", docs, mmrCfg(1, 2, 0.7, nil))
	if len(out) != 1 {
		t.Fatalf("selected %d, want 1", len(out))
	}
	if out[0].PageContent != "b" {
		t.Errorf("seed = %q, want b (third doc is outside fetch_k)", out[0].PageContent)
	}
}

func TestRelevanceScoresDistanceNormalization(t *testing.T) {
	docs := []*Document{
		NewDocument("near", map[string]any{"distance": 0.1}),
		NewDocument("mid", map[string]any{"distance": 0.2}),
		NewDocument("far", map[string]any{"distance": 0.3}),
	}
	scores := relevanceScores(docs)
	if scores[0] != 1.0 || scores[2] != 0.0 {
		t.Errorf("min-max endpoints = %v", scores)
	}
	if math.Abs(scores[1]-0.5) > 1e-9 {
		t.Errorf("midpoint = %v, want 0.5", scores[1])
	}
}

func TestRelevanceValueNonFiniteRerankFallsToDistance(t *testing.T) {
	// A doc carrying the -Inf sentinel must not use the native score
	// chain; it belongs to the distance normalization group.
	d := NewDocument("x", map[string]any{
		"rerank_score": math.Inf(-1),
		"score":        0.9,
		"distance":     0.2,
	})
	if _, ok := relevanceValue(d); ok {
		t.Error("non-finite rerank_score should not resolve a relevance value")
	}

	scores := relevanceScores([]*Document{
		d,
		NewDocument("y", map[string]any{"distance": 0.4}),
	})
	if scores[0] != 1.0 || scores[1] != 0.0 {
		t.Errorf("distance group scores = %v", scores)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("identical = %v", got)
	}
	if got := cosine([]float64{1, 0}, []float64{0, 1}); got != 0.0 {
		t.Errorf("orthogonal = %v", got)
	}
	if got := cosine([]float64{0, 0}, []float64{1, 0}); got != 0.0 {
		t.Errorf("zero norm = %v", got)
	}
}
