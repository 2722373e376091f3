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

	"github.com/chatstack/ragpipe/pkg/llms"
)

// BuildPrompt assembles the final chat messages: the configured system
// prompt plus a human message carrying the question and the packed
// context.
func BuildPrompt(systemPrompt, question, context string) []llms.Message {
	human := fmt.Sprintf("질문: %s\n\nContext:\n%s\n\n답변:", question, context)
	return []llms.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: human},
	}
}
