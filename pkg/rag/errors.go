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
	"errors"
	"fmt"
)

// SearchError represents a failure during backend retrieval.
type SearchError struct {
	Query   string // Query variant that failed
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *SearchError) Error() string {
	msg := fmt.Sprintf("search failed for query %q: %s", e.Query, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SearchError) Unwrap() error {
	return e.Err
}

// NewSearchError creates a new SearchError.
func NewSearchError(query, message string, err error) *SearchError {
	return &SearchError{Query: query, Message: message, Err: err}
}

// RerankError represents a failure while scoring a rerank batch.
type RerankError struct {
	Batch   int    // Zero-based batch index
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *RerankError) Error() string {
	msg := fmt.Sprintf("rerank batch %d: %s", e.Batch, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RerankError) Unwrap() error {
	return e.Err
}

// NewRerankError creates a new RerankError.
func NewRerankError(batch int, message string, err error) *RerankError {
	return &RerankError{Batch: batch, Message: message, Err: err}
}

// CompressError represents a failure during context compression.
type CompressError struct {
	Stage   string // "heuristic" or "llm"
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *CompressError) Error() string {
	msg := fmt.Sprintf("compress (%s): %s", e.Stage, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CompressError) Unwrap() error {
	return e.Err
}

// NewCompressError creates a new CompressError.
func NewCompressError(stage, message string, err error) *CompressError {
	return &CompressError{Stage: stage, Message: message, Err: err}
}

// PipelineError represents a pipeline stage failure surfaced to callers.
type PipelineError struct {
	Stage   string // Stage name (retrieve, rerank, mmr, compress, join, prompt)
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("pipeline stage %s: %s", e.Stage, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(stage, message string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Message: message, Err: err}
}

// canceled reports whether err or the context reflects cancellation or
// a deadline. Cancellation always propagates, never fails open.
func canceled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
