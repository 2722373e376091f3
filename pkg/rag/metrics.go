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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragpipe",
		Name:      "pipeline_requests_total",
		Help:      "Prompt construction requests by outcome.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ragpipe",
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	stageOutputDocs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ragpipe",
		Name:      "stage_output_docs",
		Help:      "Documents surviving each pipeline stage.",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
	}, []string{"stage"})

	contextChars = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ragpipe",
		Name:      "context_chars",
		Help:      "Character size of the packed context.",
		Buckets:   prometheus.ExponentialBuckets(128, 2, 10),
	})
)

func observeStage(stage string, took time.Duration, outDocs int) {
	stageDuration.WithLabelValues(stage).Observe(took.Seconds())
	stageOutputDocs.WithLabelValues(stage).Observe(float64(outDocs))
}
