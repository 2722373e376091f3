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
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// koTechAlias rewrites a Korean phonetic spelling of a tech term to its
// ASCII form so BM25 matching hits English-indexed content.
type koTechAlias struct {
	pattern *regexp.Regexp
	repl    string
}

// Order matters: longer phrases first so 챗지피티 wins over 지피티.
var koTechAliases = []koTechAlias{
	{regexp.MustCompile(`(?i)(챗|쳇)\s*지\s*피\s*티`), "chatgpt"},
	{regexp.MustCompile(`(?i)(지|쥐)\s*피\s*티`), "gpt"},
	{regexp.MustCompile(`(?i)엘엘엠|엘\s*엘\s*엠`), "llm"},
	{regexp.MustCompile(`(?i)에이\s*아이`), "ai"},
	{regexp.MustCompile(`(?i)에이\s*피\s*아이`), "api"},
	{regexp.MustCompile(`(?i)유\s*아이`), "ui"},
	{regexp.MustCompile(`(?i)디\s*비`), "db"},
	{regexp.MustCompile(`(?i)에스\s*큐\s*엘`), "sql"},
	{regexp.MustCompile(`(?i)제이\s*에스\s*온|제이슨`), "json"},
	{regexp.MustCompile(`(?i)피\s*디\s*에프`), "pdf"},
	{regexp.MustCompile(`(?i)시\s*에스\s*브이`), "csv"},
	{regexp.MustCompile(`(?i)유\s*알\s*엘`), "url"},
	{regexp.MustCompile(`(?i)에이\s*더블유\s*에스|아마존\s*웹\s*서비스`), "aws"},
}

var (
	reHangulThenASCII = regexp.MustCompile(`([가-힣])([a-z0-9])`)
	reASCIIThenHangul = regexp.MustCompile(`([a-z0-9])([가-힣])`)
	rePunct           = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	rePunctKeepDash   = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)

	reASCIIToken  = regexp.MustCompile(`[a-z0-9]{2,}`)
	reHangulToken = regexp.MustCompile(`[가-힣]{2,}`)
)

func applyKoTechAliases(q string) string {
	for _, a := range koTechAliases {
		q = a.pattern.ReplaceAllString(q, a.repl)
	}
	return q
}

// NormalizeQuery aggressively normalizes a query for keyword extraction:
// NFC, Korean tech aliases, lowercase, spacing at Hangul/ASCII boundaries,
// dashes to spaces, punctuation stripped, whitespace collapsed.
func NormalizeQuery(q string) string {
	q = norm.NFC.String(q)
	q = applyKoTechAliases(q)
	q = strings.ToLower(q)
	q = reHangulThenASCII.ReplaceAllString(q, "$1 $2")
	q = reASCIIThenHangul.ReplaceAllString(q, "$1 $2")
	q = strings.ReplaceAll(q, "-", " ")
	q = rePunct.ReplaceAllString(q, " ")
	return strings.Join(strings.Fields(q), " ")
}

// NormalizeQueryLight is the gentler variant used as a search alternative.
// It keeps dashes and does not touch Hangul/ASCII boundaries, so compound
// identifiers like "gpt-4o" survive.
func NormalizeQueryLight(q string) string {
	q = norm.NFC.String(q)
	q = applyKoTechAliases(q)
	q = strings.ToLower(q)
	q = rePunctKeepDash.ReplaceAllString(q, " ")
	return strings.Join(strings.Fields(q), " ")
}

// Stopwords is a membership set built from the configured stopword list.
type Stopwords map[string]struct{}

// NewStopwords lowercases and indexes the given words.
func NewStopwords(words []string) Stopwords {
	s := make(Stopwords, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			s[w] = struct{}{}
		}
	}
	return s
}

func (s Stopwords) contains(tok string) bool {
	if s == nil {
		return false
	}
	_, ok := s[tok]
	return ok
}

// KwTokens extracts keyword tokens (ASCII runs and Hangul runs of length
// >= 2) from the normalized form of q, filtered by stopwords.
func KwTokens(q string, stops Stopwords) []string {
	nq := NormalizeQuery(q)
	var toks []string
	for _, t := range reASCIIToken.FindAllString(nq, -1) {
		if !stops.contains(t) {
			toks = append(toks, t)
		}
	}
	for _, t := range reHangulToken.FindAllString(nq, -1) {
		if !stops.contains(t) {
			toks = append(toks, t)
		}
	}
	return toks
}

// KwTokensSplit returns (all, rare) keyword tokens. Rare tokens are the
// discriminative subset: ASCII length >= 4 or Hangul length >= 3. Rare
// tokens drive the keyword guard and the hybrid alpha decision.
func KwTokensSplit(q string, stops Stopwords) (all []string, rare []string) {
	all = KwTokens(q, stops)
	for _, t := range all {
		if isHangulToken(t) {
			if len([]rune(t)) >= 3 {
				rare = append(rare, t)
			}
		} else if len(t) >= 4 {
			rare = append(rare, t)
		}
	}
	return all, rare
}

func isHangulToken(t string) bool {
	for _, r := range t {
		return r >= '가' && r <= '힣'
	}
	return false
}

// ExpandQueries produces up to mmq search variants of q, ordered by
// expected precision: the original query first, then the light and full
// normalizations, then rare keywords joined, then all keywords joined.
// Duplicates collapse while preserving order. mmq <= 1 disables expansion.
func ExpandQueries(q string, mmq int, stops Stopwords) []string {
	q = strings.TrimSpace(q)
	if mmq <= 1 {
		return []string{q}
	}

	all, rare := KwTokensSplit(q, stops)
	candidates := []string{
		q,
		NormalizeQueryLight(q),
		NormalizeQuery(q),
		strings.Join(rare, " "),
		strings.Join(all, " "),
	}

	limit := mmq
	if limit < 1 {
		limit = 1
	}
	var out []string
	seen := make(map[string]struct{})
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	if len(out) == 0 {
		out = []string{q}
	}
	return out
}

// CountHits sums case-insensitive substring occurrences of each token in
// text. Used by snippet extraction and the keyword guard.
func CountHits(text string, tokens []string) int {
	lt := strings.ToLower(text)
	n := 0
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		n += strings.Count(lt, strings.ToLower(tok))
	}
	return n
}
