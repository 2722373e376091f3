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

package config

import "fmt"

// LLMConfig configures an OpenAI-compatible chat completion endpoint.
// Reranking and LLM compression share this provider.
type LLMConfig struct {
	// Host is the API base URL.
	// Default: https://api.openai.com/v1
	Host string `yaml:"host,omitempty"`

	// Model is the chat model name.
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates requests. Usually ${OPENAI_API_KEY}.
	APIKey string `yaml:"api_key,omitempty"`

	// Temperature for completion calls. Default: 0
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps the completion length. Default: 1000
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout is the request timeout in seconds. Default: 60
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries for transient failures. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryDelay is the backoff base in seconds. Default: 2
	RetryDelay int `yaml:"retry_delay,omitempty"`

	// InsecureSkipVerify disables TLS verification (dev/test only).
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// CACertificate is a path to a custom CA bundle.
	CACertificate string `yaml:"ca_certificate,omitempty"`
}

// SetDefaults applies default values to LLMConfig.
func (c *LLMConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("llm timeout must not be negative, got %d", c.Timeout)
	}
	return nil
}

// EmbedderConfig configures an OpenAI-compatible embeddings endpoint,
// used by the compression stage's relevance filter.
type EmbedderConfig struct {
	// Host is the API base URL.
	// Default: https://api.openai.com/v1
	Host string `yaml:"host,omitempty"`

	// Model is the embedding model name.
	// Default: text-embedding-3-small
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates requests.
	APIKey string `yaml:"api_key,omitempty"`

	// Timeout is the request timeout in seconds. Default: 30
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries for transient failures. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values to EmbedderConfig.
func (c *EmbedderConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("embedder timeout must not be negative, got %d", c.Timeout)
	}
	return nil
}
