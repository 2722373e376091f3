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
	"sort"
	"strings"
	"unicode"
)

const (
	snippetMaxLen      = 320
	snippetMaxSnippets = 4
	snippetMergeGap    = 10
)

// ExtractSnippets returns context windows around token hits in text,
// case-insensitive, merged when they overlap or sit within a small gap,
// lightly trimmed to sentence boundaries. Without any hit the head of
// the text (first three lines) is returned instead. All offsets are in
// runes so windows never split multi-byte Hangul.
func ExtractSnippets(toks []string, text string) []string {
	if text == "" {
		return []string{}
	}
	runes := []rune(text)
	low := make([]rune, len(runes))
	for i, r := range runes {
		low[i] = unicode.ToLower(r)
	}

	var hits []int
	for _, t := range toks {
		if t == "" {
			continue
		}
		needle := []rune(strings.ToLower(t))
		from := 0
		for {
			i := runeIndex(low, needle, from)
			if i < 0 {
				break
			}
			hits = append(hits, i)
			from = i + 1
		}
	}

	if len(hits) == 0 {
		lines := strings.Split(strings.TrimSpace(text), "\n")
		if len(lines) > 3 {
			lines = lines[:3]
		}
		head := []rune(strings.Join(lines, " "))
		if len(head) > snippetMaxLen {
			head = head[:snippetMaxLen]
		}
		return []string{string(head)}
	}

	sort.Ints(hits)

	type window struct{ start, end int }
	var windows []window
	half := snippetMaxLen / 2
	for _, pos := range hits {
		start := pos - half
		if start < 0 {
			start = 0
		}
		end := pos + half
		if end > len(runes) {
			end = len(runes)
		}
		if len(windows) > 0 && start <= windows[len(windows)-1].end+snippetMergeGap {
			if end > windows[len(windows)-1].end {
				windows[len(windows)-1].end = end
			}
		} else {
			windows = append(windows, window{start, end})
		}
	}

	if len(windows) > snippetMaxSnippets {
		windows = windows[:snippetMaxSnippets]
	}

	out := make([]string, 0, len(windows))
	for _, w := range windows {
		chunk := string(runes[w.start:w.end])
		left := maxInt(strings.Index(chunk, ". "), strings.Index(chunk, "\n"))
		if 0 < left && left < len(chunk)-1 {
			chunk = chunk[left+1:]
		}
		right := maxInt(strings.LastIndex(chunk, ". "), strings.LastIndex(chunk, "\n"))
		if 0 < right && right < len(chunk)-1 {
			chunk = chunk[:right+1]
		}
		out = append(out, strings.TrimSpace(chunk))
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runeIndex finds needle in hay at or after from, in rune offsets.
func runeIndex(hay, needle []rune, from int) int {
	if len(needle) == 0 || from < 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
