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
	"encoding/json"
	"strings"
	"testing"
)

func TestJoinContextBlocksAndCitations(t *testing.T) {
	docs := []*Document{
		NewDocument("first chunk body", map[string]any{
			"filename": "guide.pdf", "section": "Install", "chunk_id": "c1",
			"page": 1, "uri": "https://example.com/1", "rerank_score": 0.9,
		}),
		NewDocument("second chunk body", map[string]any{
			"filename": "guide.pdf", "chunk_id": "c2", "score": 0.4,
		}),
	}

	context, citations := JoinContext(docs, 1000)

	if !strings.Contains(context, "[guide.pdf] > Install\nfirst chunk body\n") {
		t.Errorf("context missing sectioned block:\n%s", context)
	}
	if !strings.Contains(context, "\n---\n") {
		t.Error("blocks not separated by ---")
	}

	if len(citations) != 2 {
		t.Fatalf("citations = %d, want 2", len(citations))
	}
	c := citations[0]
	if c.ID != "S1" || c.SourceID != "S1" {
		t.Errorf("ids = %q %q", c.ID, c.SourceID)
	}
	if c.Title != "guide.pdf" || c.FileName != "guide.pdf" {
		t.Errorf("title = %q file = %q", c.Title, c.FileName)
	}
	if c.ChunkID != "c1" {
		t.Errorf("chunk_id = %q", c.ChunkID)
	}
	if c.Page == nil || *c.Page != 1 {
		t.Errorf("page = %v", c.Page)
	}
	if c.URI != "https://example.com/1" {
		t.Errorf("uri = %q", c.URI)
	}
	if c.RerankScore == nil || *c.RerankScore != 0.9 {
		t.Errorf("rerank_score = %v", c.RerankScore)
	}
	if c.Score == nil || *c.Score != 0.9 {
		t.Errorf("score mirror = %v", c.Score)
	}
	if c.Snippet != "first chunk body" {
		t.Errorf("snippet = %q", c.Snippet)
	}

	// Second doc has no rerank_score, falls back to metadata score.
	if citations[1].RerankScore == nil || *citations[1].RerankScore != 0.4 {
		t.Errorf("fallback score = %v", citations[1].RerankScore)
	}
	if citations[1].ID != "S2" {
		t.Errorf("second id = %q", citations[1].ID)
	}
}

func TestJoinContextBudgetSkipContinues(t *testing.T) {
	docs := []*Document{
		NewDocument("12345", map[string]any{"filename": "a"}),
		NewDocument("123456789012345", map[string]any{"filename": "b"}),
		NewDocument("1234", map[string]any{"filename": "c"}),
	}
	context, citations := JoinContext(docs, 10)

	if strings.Contains(context, "[b]") {
		t.Error("oversized doc included")
	}
	if !strings.Contains(context, "[a]") || !strings.Contains(context, "[c]") {
		t.Errorf("smaller docs missing:\n%s", context)
	}
	if len(citations) != 2 {
		t.Fatalf("citations = %d, want 2 (only included docs)", len(citations))
	}
	if citations[1].Title != "c" {
		t.Errorf("citation order = %q", citations[1].Title)
	}
}

func TestJoinContextUntitled(t *testing.T) {
	context, citations := JoinContext([]*Document{NewDocument("body", nil)}, 0)
	if !strings.Contains(context, "[Untitled]\nbody") {
		t.Errorf("context = %q", context)
	}
	if citations[0].Title != "Untitled" {
		t.Errorf("title = %q", citations[0].Title)
	}
}

func TestJoinContextEmpty(t *testing.T) {
	context, citations := JoinContext(nil, 100)
	if context != "" || len(citations) != 0 {
		t.Errorf("empty input: context=%q citations=%d", context, len(citations))
	}
}

func TestHeadSnippetTruncates(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := headSnippet(long, 240)
	if len([]rune(got)) != 240 {
		t.Errorf("len = %d, want 240", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis: %q", got)
	}
	if got := headSnippet("  short   text ", 240); got != "short text" {
		t.Errorf("collapse = %q", got)
	}
}

func TestCitationJSONShape(t *testing.T) {
	page := 3
	score := 0.5
	raw, err := json.Marshal(Citation{
		ID: "S1", SourceID: "S1", Title: "t", FileName: "t",
		ChunkID: "c1", Page: &page, RerankScore: &score, Score: &score,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"id"`, `"source_id"`, `"file_name"`, `"chunk_id"`, `"rerank_score"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("json missing %s: %s", key, raw)
		}
	}
	if strings.Contains(string(raw), `"uri"`) {
		t.Errorf("empty uri should be omitted: %s", raw)
	}
}
