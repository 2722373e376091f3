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

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/chatstack/ragpipe/pkg/llms"
	"github.com/chatstack/ragpipe/pkg/rag"
)

// promptRequest is the body of POST /v1/rag/prompt. Rag carries
// per-request pipeline overrides keyed like the config (topK, mmq,
// alpha, mmrK, maxContext, useLlm, filters, ...).
type promptRequest struct {
	Question  string         `json:"question"`
	Rag       map[string]any `json:"rag,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
}

type promptStats struct {
	Hits           int  `json:"hits"`
	RerankedHits   int  `json:"rerankedHits"`
	MMRHits        int  `json:"mmrHits"`
	CompressedHits int  `json:"compressedHits"`
	HeuristicHits  int  `json:"heuristicHits"`
	LLMApplied     bool `json:"llmApplied"`
}

type promptResponse struct {
	JobID     string         `json:"jobId"`
	Messages  []llms.Message `json:"messages"`
	Context   string         `json:"context"`
	Citations []rag.Citation `json:"citations"`
	Stats     promptStats    `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	if req.Stream {
		s.handlePromptStream(w, r, &req)
		return
	}

	res, err := s.currentPipeline().Run(r.Context(), &rag.Request{
		Question:  req.Question,
		Overrides: req.Rag,
	})
	if err != nil {
		slog.Error("Prompt build failed", "jobId", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "prompt build failed")
		return
	}

	writeJSON(w, http.StatusOK, buildResponse(req.JobID, res))
}

// handlePromptStream runs the pipeline with an SSE publisher attached,
// so stage events reach the client as they happen. The final frame
// carries the full prompt response, or an error frame on failure.
func (s *Server) handlePromptStream(w http.ResponseWriter, r *http.Request, req *promptRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Stage events require a user identity for routing.
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}
	pub := newSSEPublisher(w, flusher)

	res, err := s.currentPipeline().Run(r.Context(), &rag.Request{
		Question:  req.Question,
		Overrides: req.Rag,
		Stream: &rag.StreamContext{
			Publisher: pub,
			JobID:     req.JobID,
			UserID:    userID,
			SessionID: req.SessionID,
		},
	})
	if err != nil {
		slog.Error("Prompt build failed", "jobId", req.JobID, "error", err)
		pub.sendNamed("error", errorResponse{Error: "prompt build failed"})
		return
	}

	pub.sendNamed("result", buildResponse(req.JobID, res))
}

func buildResponse(jobID string, res *rag.Result) *promptResponse {
	return &promptResponse{
		JobID:     jobID,
		Messages:  res.Messages,
		Context:   res.Context,
		Citations: res.Citations,
		Stats: promptStats{
			Hits:           res.Hits,
			RerankedHits:   res.RerankedHits,
			MMRHits:        res.MMRHits,
			CompressedHits: res.CompressedHits,
			HeuristicHits:  res.HeuristicHits,
			LLMApplied:     res.LLMApplied,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
