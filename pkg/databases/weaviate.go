package databases

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatstack/ragpipe/pkg/config"
	"github.com/chatstack/ragpipe/pkg/httpclient"
)

// Weaviate is a GraphQL-over-HTTP search client.
type Weaviate struct {
	baseURL    string
	apiKey     string
	httpClient *httpclient.Client
}

// NewWeaviate creates a client from config.
func NewWeaviate(cfg *config.WeaviateConfig) (*Weaviate, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("weaviate url is required")
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeader),
	}

	if cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}))
	}

	return &Weaviate{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpclient.New(opts...),
	}, nil
}

// Hybrid runs a bm25 + vector fused search.
func (w *Weaviate) Hybrid(ctx context.Context, q *HybridQuery) ([]SearchResult, error) {
	var args []string

	var hybrid strings.Builder
	hybrid.WriteString("hybrid: {query: ")
	hybrid.WriteString(quoteGraphQL(q.Query))
	hybrid.WriteString(", alpha: ")
	hybrid.WriteString(formatFloat(q.Alpha))
	if len(q.Properties) > 0 {
		hybrid.WriteString(", properties: ")
		hybrid.WriteString(stringListGraphQL(q.Properties))
	}
	if ft := fusionTypeGraphQL(q.FusionType); ft != "" {
		hybrid.WriteString(", fusionType: ")
		hybrid.WriteString(ft)
	}
	hybrid.WriteString("}")
	args = append(args, hybrid.String())

	args = append(args, fmt.Sprintf("limit: %d", q.Limit))
	if clause := renderWhere(q.Where); clause != "" {
		args = append(args, "where: "+clause)
	}

	query := buildGetQuery(q.Collection, args, q.ReturnProperties, q.IncludeVector)
	return w.execute(ctx, query, q.Collection)
}

// NearText runs a vector-side search from raw query text.
func (w *Weaviate) NearText(ctx context.Context, q *NearTextQuery) ([]SearchResult, error) {
	var args []string

	args = append(args, fmt.Sprintf("nearText: {concepts: [%s], distance: %s}",
		quoteGraphQL(q.Query), formatFloat(q.Distance)))
	args = append(args, fmt.Sprintf("limit: %d", q.Limit))
	if clause := renderWhere(q.Where); clause != "" {
		args = append(args, "where: "+clause)
	}

	query := buildGetQuery(q.Collection, args, q.ReturnProperties, q.IncludeVector)
	return w.execute(ctx, query, q.Collection)
}

func buildGetQuery(collection string, args []string, returnProps []string, includeVector bool) string {
	additional := "id score distance"
	if includeVector {
		additional += " vector"
	}

	var b strings.Builder
	b.WriteString("{ Get { ")
	b.WriteString(collection)
	b.WriteString("(")
	b.WriteString(strings.Join(args, ", "))
	b.WriteString(") { ")
	for _, p := range returnProps {
		b.WriteString(p)
		b.WriteString(" ")
	}
	b.WriteString("_additional { ")
	b.WriteString(additional)
	b.WriteString(" } } } }")
	return b.String()
}

// graphQLError is one entry of the GraphQL errors array. Weaviate returns
// HTTP 200 with this array populated on schema and syntax errors.
type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

func (w *Weaviate) execute(ctx context.Context, query, collection string) ([]SearchResult, error) {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	url := w.baseURL + "/v1/graphql"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("graphql request failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var decoded graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(decoded.Errors) > 0 {
		msgs := make([]string, len(decoded.Errors))
		for i, e := range decoded.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	return convertResults(decoded.Data, collection)
}

func convertResults(data map[string]json.RawMessage, collection string) ([]SearchResult, error) {
	raw, ok := data["Get"]
	if !ok {
		return []SearchResult{}, nil
	}

	var get map[string][]map[string]interface{}
	if err := json.Unmarshal(raw, &get); err != nil {
		return nil, fmt.Errorf("failed to decode Get payload: %w", err)
	}

	objects := get[collection]
	results := make([]SearchResult, 0, len(objects))
	for _, obj := range objects {
		r := SearchResult{Properties: make(map[string]interface{}, len(obj))}

		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if id, ok := additional["id"].(string); ok {
				r.ID = id
			}
			// Weaviate reports score as a string in _additional
			if s, ok := parseAdditionalFloat(additional["score"]); ok {
				r.Score = &s
			}
			if d, ok := parseAdditionalFloat(additional["distance"]); ok {
				r.Distance = &d
			}
			if vec, ok := additional["vector"].([]interface{}); ok {
				r.Vector = make([]float64, 0, len(vec))
				for _, v := range vec {
					if f, ok := v.(float64); ok {
						r.Vector = append(r.Vector, f)
					}
				}
			}
		}

		for k, v := range obj {
			if k != "_additional" {
				r.Properties[k] = v
			}
		}

		results = append(results, r)
	}

	return results, nil
}

func parseAdditionalFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// renderWhere serializes a normalized where clause tree into inline
// GraphQL syntax. Keys are emitted in a fixed order so queries are
// deterministic.
func renderWhere(clause map[string]interface{}) string {
	if len(clause) == 0 {
		return ""
	}

	var parts []string

	if path, ok := clause["path"].([]string); ok {
		parts = append(parts, "path: "+stringListGraphQL(path))
	}
	if op, ok := clause["operator"].(string); ok {
		parts = append(parts, "operator: "+op)
	}
	if vt, ok := clause["valueText"].([]string); ok {
		parts = append(parts, "valueText: "+stringListGraphQL(vt))
	}
	if vb, ok := clause["valueBoolean"].(bool); ok {
		parts = append(parts, "valueBoolean: "+strconv.FormatBool(vb))
	}
	if vn, ok := clause["valueNumber"].(float64); ok {
		parts = append(parts, "valueNumber: "+formatFloat(vn))
	}
	if operands, ok := clause["operands"].([]map[string]interface{}); ok {
		rendered := make([]string, 0, len(operands))
		for _, op := range operands {
			if s := renderWhere(op); s != "" {
				rendered = append(rendered, s)
			}
		}
		parts = append(parts, "operands: ["+strings.Join(rendered, ", ")+"]")
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

func fusionTypeGraphQL(fusion string) string {
	switch fusion {
	case "relative":
		return "relativeScoreFusion"
	case "ranked":
		return "rankedFusion"
	default:
		return ""
	}
}

// quoteGraphQL escapes a string literal. JSON escaping is a superset of
// what GraphQL string literals need.
func quoteGraphQL(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func stringListGraphQL(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = quoteGraphQL(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
