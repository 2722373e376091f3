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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/databases"
	"github.com/chatstack/ragpipe/pkg/rag"
)

// stubSearcher serves the same two hits for every query variant.
type stubSearcher struct{}

func (stubSearcher) hits() []databases.SearchResult {
	s1, s2 := 0.9, 0.7
	return []databases.SearchResult{
		{ID: "c1", Score: &s1, Properties: map[string]interface{}{
			"text": "Docker 설치는 패키지 매니저로 진행합니다.", "filename": "guide.md", "chunk_id": "c1",
		}},
		{ID: "c2", Score: &s2, Properties: map[string]interface{}{
			"text": "컨테이너 이미지는 레지스트리에서 받습니다.", "filename": "guide.md", "chunk_id": "c2",
		}},
	}
}

func (s stubSearcher) Hybrid(_ context.Context, _ *databases.HybridQuery) ([]databases.SearchResult, error) {
	return s.hits(), nil
}

func (s stubSearcher) NearText(_ context.Context, _ *databases.NearTextQuery) ([]databases.SearchResult, error) {
	return s.hits(), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	pipeline := rag.NewPipeline(&cfg.Rag, stubSearcher{}, nil, nil)
	return New(cfg, pipeline)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPromptEndpoint(t *testing.T) {
	srv := newTestServer(t)
	body := `{"question": "Docker 설치 방법"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rag/prompt", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp promptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "system", resp.Messages[0].Role)
	assert.Contains(t, resp.Messages[1].Content, "질문: Docker 설치 방법")
	assert.Contains(t, resp.Context, "Docker 설치는")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "S1", resp.Citations[0].ID)
	assert.Equal(t, 2, resp.Stats.Hits)
}

func TestPromptEndpointOverrides(t *testing.T) {
	srv := newTestServer(t)
	body := `{"question": "Docker 설치 방법", "rag": {"topK": 1, "mmq": 1}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rag/prompt", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp promptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.Hits)
}

func TestPromptEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rag/prompt", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rag/prompt", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromptEndpointStream(t *testing.T) {
	srv := newTestServer(t)
	body := `{"question": "Docker 설치 방법", "stream": true, "jobId": "job-1", "userId": "user-1"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rag/prompt", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, rag.EventRetrieveInProgress)
	assert.Contains(t, out, rag.EventRetrieveCompleted)
	assert.Contains(t, out, rag.EventCompressCompleted)
	assert.Contains(t, out, `"jobId":"job-1"`)

	// Terminal frame carries the full response.
	require.Contains(t, out, "event: result\n")
	resultData := out[strings.Index(out, "event: result\n")+len("event: result\n"):]
	resultData = strings.TrimPrefix(resultData, "data: ")
	resultData = strings.TrimSpace(resultData)

	var resp promptResponse
	require.NoError(t, json.Unmarshal([]byte(resultData), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.NotEmpty(t, resp.Messages)
}

func TestPromptEndpointStreamAnonymous(t *testing.T) {
	srv := newTestServer(t)
	body := `{"question": "Docker 설치 방법", "stream": true}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rag/prompt", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	// Stage events still flow under the anonymous identity.
	assert.Contains(t, rec.Body.String(), rag.EventRetrieveInProgress)
	assert.Contains(t, rec.Body.String(), `"userId":"anonymous"`)
}
