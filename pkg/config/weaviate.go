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

import (
	"fmt"
	"strings"
)

// WeaviateConfig configures the Weaviate GraphQL endpoint.
//
// Example:
//
//	weaviate:
//	  url: http://localhost:8080
//	  api_key: ${WEAVIATE_API_KEY}
type WeaviateConfig struct {
	// URL is the Weaviate base URL (scheme + host + optional port).
	// Default: http://localhost:8080
	URL string `yaml:"url,omitempty"`

	// APIKey authenticates requests. Empty for anonymous access.
	APIKey string `yaml:"api_key,omitempty"`

	// Timeout is the request timeout in seconds. Default: 30
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries for transient failures. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// InsecureSkipVerify disables TLS verification (dev/test only).
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// CACertificate is a path to a custom CA bundle.
	CACertificate string `yaml:"ca_certificate,omitempty"`
}

// SetDefaults applies default values to WeaviateConfig.
func (c *WeaviateConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:8080"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the Weaviate configuration.
func (c *WeaviateConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("weaviate url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("weaviate url must start with http:// or https://, got %q", c.URL)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("weaviate timeout must not be negative, got %d", c.Timeout)
	}
	return nil
}
