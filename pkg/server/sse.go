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
	"fmt"
	"net/http"
	"sync"

	"github.com/chatstack/ragpipe/pkg/rag"
)

// ssePublisher writes pipeline stage events as server-sent event frames.
// It satisfies the rag.Publisher interface.
type ssePublisher struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEPublisher(w http.ResponseWriter, flusher http.Flusher) *ssePublisher {
	return &ssePublisher{w: w, flusher: flusher}
}

// Publish emits one data frame. The payload already carries its event
// name under the "event" key, matching the worker queue format.
func (p *ssePublisher) Publish(_ context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.write("", data)
}

// sendNamed emits a frame with an explicit SSE event name, used for the
// terminal result and error frames.
func (p *ssePublisher) sendNamed(event string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_ = p.write(event, data)
}

func (p *ssePublisher) write(event string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event != "" {
		if _, err := fmt.Fprintf(p.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(p.w, "data: %s\n\n", data); err != nil {
		return err
	}
	p.flusher.Flush()
	return nil
}

var _ rag.Publisher = (*ssePublisher)(nil)
