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
	"log/slog"
	"math"

	"github.com/chatstack/ragpipe/pkg/config"
)

// MMRSelect picks up to k docs balancing relevance against diversity.
//
// Relevance per candidate: a finite rerank_score wins; otherwise the
// native score chain (doc score, __orig_score, __score, score); docs with
// only a distance get a min-max normalized value; everything else scores
// 0. Similarity is cosine over embeddings found on the doc; without
// embeddings MMR degenerates to pure relevance. Selected docs are
// annotated with mmr_rank (1-based) and mmr_lambda.
func MMRSelect(query string, docs []*Document, cfg *config.MMRConfig) []*Document {
	if len(docs) == 0 {
		return []*Document{}
	}

	k := cfg.K
	if k <= 0 {
		return []*Document{}
	}

	fetchK := cfg.FetchK
	if fetchK < k {
		fetchK = k
	}
	candidates := docs
	if len(candidates) > fetchK {
		candidates = candidates[:fetchK]
	}

	lambda := 0.7
	if cfg.LambdaMult != nil {
		lambda = *cfg.LambdaMult
	}

	relScores := relevanceScores(candidates)

	embeddings := make([][]float64, len(candidates))
	withEmb := 0
	for i, d := range candidates {
		embeddings[i] = docEmbedding(d)
		if embeddings[i] != nil {
			withEmb++
		}
	}
	slog.Debug("MMR embeddings", "with_embeddings", withEmb, "candidates", len(candidates))

	sim := func(i, j int) float64 {
		a, b := embeddings[i], embeddings[j]
		if a == nil || b == nil {
			return 0.0
		}
		return cosine(a, b)
	}

	// Seed with the most relevant candidate, lowest index on ties.
	selected := make([]int, 0, k)
	remaining := make([]bool, len(candidates))
	first := 0
	for i := 1; i < len(candidates); i++ {
		if relScores[i] > relScores[first] {
			first = i
		}
	}
	selected = append(selected, first)
	for i := range remaining {
		remaining[i] = i != first
	}
	left := len(candidates) - 1

	for left > 0 && len(selected) < k {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i := range candidates {
			if !remaining[i] {
				continue
			}
			maxSim := 0.0
			for _, s := range selected {
				if v := sim(i, s); v > maxSim {
					maxSim = v
				}
			}

			if cfg.SimilarityThreshold != nil && maxSim >= *cfg.SimilarityThreshold {
				continue
			}

			score := lambda*relScores[i] - (1.0-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx < 0 {
			break
		}
		selected = append(selected, bestIdx)
		remaining[bestIdx] = false
		left--
	}

	out := make([]*Document, 0, len(selected))
	for rank, i := range selected {
		d := candidates[i]
		md := d.EnsureMetadata()
		md["mmr_rank"] = rank + 1
		md["mmr_lambda"] = lambda
		out = append(out, d)
	}

	slog.Debug("MMR done", "in", len(docs), "fetch_k", fetchK, "out", len(out), "lambda", lambda)
	return out
}

// relevanceScores computes per-candidate relevance in one pass so the
// distance normalization sees all distances together.
func relevanceScores(candidates []*Document) []float64 {
	scores := make([]float64, len(candidates))
	haveScore := make([]bool, len(candidates))
	distances := make(map[int]float64)

	for i, d := range candidates {
		if rel, ok := relevanceValue(d); ok {
			scores[i] = rel
			haveScore[i] = true
			continue
		}
		if dist, ok := docDistance(d); ok {
			distances[i] = dist
		}
	}

	if len(distances) > 0 {
		minD, maxD := math.Inf(1), math.Inf(-1)
		for _, dist := range distances {
			minD = math.Min(minD, dist)
			maxD = math.Max(maxD, dist)
		}
		denom := maxD - minD
		for i, dist := range distances {
			if denom <= 0 {
				scores[i] = 1.0
			} else {
				scores[i] = math.Max(0.0, math.Min(1.0, (maxD-dist)/denom))
			}
			haveScore[i] = true
		}
	}

	// Everything else defaults to 0.0
	return scores
}

// relevanceValue prefers a finite rerank_score. A non-finite rerank_score
// (an unscored doc) falls through to the distance path, not the native
// score chain. The native chain stops before distances so those keep
// their shared min-max normalization.
func relevanceValue(d *Document) (float64, bool) {
	if raw, present := d.Metadata["rerank_score"]; present {
		f, ok := asFloat(raw)
		if ok && isFinite(f) {
			return f, true
		}
		return 0, false
	}
	if d.Score != nil {
		return *d.Score, true
	}
	for _, key := range []string{"__orig_score", "__score", "score"} {
		if v, ok := asFloat(d.Metadata[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func docDistance(d *Document) (float64, bool) {
	return finiteFloat(d.Metadata["distance"])
}

// cosine returns similarity in [-1, 1], or 0 when either vector has no
// magnitude.
func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na <= 0 || nb <= 0 {
		return 0.0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
