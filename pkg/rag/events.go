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
	"log/slog"
)

// Stage lifecycle event names published to the client stream.
const (
	EventRetrieveInProgress = "rag_retrieve.in_progress"
	EventRetrieveCompleted  = "rag_retrieve.completed"
	EventRerankInProgress   = "rag_rerank.in_progress"
	EventRerankCompleted    = "rag_rerank.completed"
	EventMMRInProgress      = "rag_mmr.in_progress"
	EventMMRCompleted       = "rag_mmr.completed"
	EventCompressInProgress = "rag_compress.in_progress"
	EventCompressCompleted  = "rag_compress.completed"
)

// Publisher pushes an event payload onto the client stream.
type Publisher interface {
	Publish(ctx context.Context, payload map[string]any) error
}

// Recorder persists a stage event for later inspection, keyed by event
// name. The payload it receives has the routing keys stripped.
type Recorder interface {
	RecordEvent(ctx context.Context, event string, payload map[string]any) error
}

// StreamContext carries the per-job event routing. Events are emitted
// only when a publisher, a job id and a user id are all present.
type StreamContext struct {
	Publisher Publisher
	Recorder  Recorder
	JobID     string
	UserID    string
	SessionID string
}

// HasStream reports whether events should be emitted at all.
func (s *StreamContext) HasStream() bool {
	return s != nil && s.Publisher != nil && s.JobID != "" && s.UserID != ""
}

// SearchEvent is the retrieve lifecycle payload.
type SearchEvent struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Query     string `json:"query,omitempty"`
	Hits      *int   `json:"hits,omitempty"`
	TookMs    *int64 `json:"tookMs,omitempty"`
}

// StageEvent is the rerank/mmr/compress lifecycle payload. It extends
// SearchEvent with size accounting and the stage knobs in effect.
type StageEvent struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Query     string `json:"query,omitempty"`
	Hits      *int   `json:"hits,omitempty"`
	TookMs    *int64 `json:"tookMs,omitempty"`

	InputHits   *int `json:"inputHits,omitempty"`
	OutputHits  *int `json:"outputHits,omitempty"`
	InputChars  *int `json:"inputChars,omitempty"`
	OutputChars *int `json:"outputChars,omitempty"`

	Reranker            string `json:"reranker,omitempty"`
	RerankTopN          *int   `json:"rerankTopN,omitempty"`
	RerankMaxCandidates *int   `json:"rerankMaxCandidates,omitempty"`
	RerankBatchSize     *int   `json:"rerankBatchSize,omitempty"`
	RerankMaxDocChars   *int   `json:"rerankMaxDocChars,omitempty"`

	MMRK                   *int     `json:"mmrK,omitempty"`
	MMRFetchK              *int     `json:"mmrFetchK,omitempty"`
	MMRLambda              *float64 `json:"mmrLambda,omitempty"`
	MMRSimilarityThreshold *float64 `json:"mmrSimilarityThreshold,omitempty"`

	MaxContext    *int  `json:"maxContext,omitempty"`
	UseLLM        *bool `json:"useLlm,omitempty"`
	HeuristicHits *int  `json:"heuristicHits,omitempty"`
	LLMApplied    *bool `json:"llmApplied,omitempty"`
}

// EmitSearchEvent publishes a retrieve lifecycle event and mirrors it to
// the recorder. Failures are logged, never propagated.
func EmitSearchEvent(ctx context.Context, sc *StreamContext, ev *SearchEvent) {
	if !sc.HasStream() {
		return
	}
	ev.JobID = sc.JobID
	ev.UserID = sc.UserID
	ev.SessionID = sc.SessionID
	emitPayload(ctx, sc, ev.Event, ev)
}

// EmitStageEvent publishes a stage lifecycle event and mirrors it to the
// recorder. Failures are logged, never propagated.
func EmitStageEvent(ctx context.Context, sc *StreamContext, ev *StageEvent) {
	if !sc.HasStream() {
		return
	}
	ev.JobID = sc.JobID
	ev.UserID = sc.UserID
	ev.SessionID = sc.SessionID
	emitPayload(ctx, sc, ev.Event, ev)
}

func emitPayload(ctx context.Context, sc *StreamContext, event string, ev any) {
	payload, err := eventPayload(ev)
	if err != nil {
		slog.Warn("Stage event encode failed", "event", event, "error", err)
		return
	}

	if err := sc.Publisher.Publish(ctx, payload); err != nil {
		slog.Warn("Stage event publish failed", "event", event, "error", err)
	}

	if sc.Recorder == nil {
		return
	}
	recorded := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "event", "jobId", "userId", "sessionId":
			continue
		}
		recorded[k] = v
	}
	if err := sc.Recorder.RecordEvent(ctx, event, recorded); err != nil {
		slog.Warn("Stage event persist failed", "event", event, "error", err)
	}
}

func eventPayload(ev any) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
