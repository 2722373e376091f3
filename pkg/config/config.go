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

// Package config holds the YAML configuration model for the pipeline,
// its providers, and the serve mode HTTP surface.
package config

import "fmt"

// Config is the root configuration document.
//
// Example:
//
//	logger:
//	  level: info
//	weaviate:
//	  url: http://localhost:8080
//	llm:
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//	rag:
//	  collection: Chunks
//	  top_k: 10
type Config struct {
	Logger   LoggerConfig   `yaml:"logger,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Weaviate WeaviateConfig `yaml:"weaviate,omitempty"`
	LLM      LLMConfig      `yaml:"llm,omitempty"`
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`
	Rag      RagConfig      `yaml:"rag,omitempty"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Weaviate.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.Rag.SetDefaults()
}

// Validate checks all sections. Defaults must be applied first.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Weaviate.Validate(); err != nil {
		return fmt.Errorf("weaviate: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Rag.Validate(); err != nil {
		return fmt.Errorf("rag: %w", err)
	}
	return nil
}
