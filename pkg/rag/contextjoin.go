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
	"fmt"
	"log/slog"
	"strings"
)

// EmptyContextMessage is the context used when retrieval returns nothing.
const EmptyContextMessage = "No relevant documents were found. Providing a general answer to the question."

const citationSnippetMaxChars = 240

// Citation identifies a context block so answers can point back to their
// source chunk. IDs run S1..Sn in context order.
type Citation struct {
	ID          string   `json:"id"`
	SourceID    string   `json:"source_id"`
	Title       string   `json:"title"`
	FileName    string   `json:"file_name"`
	URI         string   `json:"uri,omitempty"`
	ChunkID     string   `json:"chunk_id,omitempty"`
	Page        *int     `json:"page,omitempty"`
	Snippet     string   `json:"snippet,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Score       *float64 `json:"score,omitempty"`
}

// JoinContext packs docs into one context string with [title] > section
// headers, separated by "---" lines. Docs that would push the total past
// the budget are skipped, not break points, so later smaller docs can
// still fit. Returns one citation per included doc.
func JoinContext(docs []*Document, budget int) (string, []Citation) {
	var blocks []string
	citations := make([]Citation, 0, len(docs))
	total := 0

	for _, d := range docs {
		d.normalize()
		txt := d.PageContent
		title := d.Title
		if title == "" {
			title = metaString(d.Metadata, "filename")
		}
		if title == "" {
			title = "Untitled"
		}
		section := metaString(d.Metadata, "section")

		ln := len(txt)
		if budget > 0 && total+ln > budget {
			slog.Debug("Context pack skip over budget",
				"file", title, "need", ln, "left", budget-total)
			continue
		}

		header := "[" + title + "]"
		if section != "" {
			header += " > " + section
		}
		blocks = append(blocks, header+"\n"+txt+"\n")
		total += ln

		citations = append(citations, buildCitation(d, title, txt, len(citations)+1))
	}

	return strings.Join(blocks, "\n---\n"), citations
}

func buildCitation(d *Document, title, txt string, n int) Citation {
	md := d.Metadata

	chunkID := d.ChunkID
	if chunkID == "" {
		chunkID = metaString(md, "chunk_id")
	}
	if chunkID == "" {
		chunkID = metaString(md, "id")
	}
	if chunkID == "" {
		chunkID = d.DocID
	}

	page := d.Page
	if page == nil {
		if v, ok := metaInt(md, "page"); ok {
			page = &v
		}
	}

	uri := d.URI
	if uri == "" {
		uri = metaString(md, "uri")
	}
	if uri == "" {
		uri = metaString(md, "url")
	}

	var score *float64
	if v, ok := finiteFloat(md["rerank_score"]); ok {
		score = &v
	} else if v, ok := finiteFloat(md["score"]); ok {
		score = &v
	} else if d.Score != nil && isFinite(*d.Score) {
		v := *d.Score
		score = &v
	}

	snippet := d.Snippet
	if snippet == "" {
		snippet = metaString(md, "snippet")
	}
	if snippet == "" {
		snippet = headSnippet(txt, citationSnippetMaxChars)
	}

	id := fmt.Sprintf("S%d", n)
	return Citation{
		ID:          id,
		SourceID:    id,
		Title:       title,
		FileName:    title,
		URI:         uri,
		ChunkID:     chunkID,
		Page:        page,
		Snippet:     snippet,
		RerankScore: score,
		Score:       score,
	}
}

// headSnippet collapses whitespace and keeps the first maxChars characters.
func headSnippet(text string, maxChars int) string {
	compact := strings.Join(strings.Fields(text), " ")
	runes := []rune(compact)
	if len(runes) <= maxChars {
		return compact
	}
	return string(runes[:maxChars-3]) + "..."
}
