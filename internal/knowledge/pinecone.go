package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Pinecone looks up guidance passages in a Pinecone index over its data
// plane REST API.
type Pinecone struct {
	Embedder  Embedder
	Host      string
	APIKey    string
	Namespace string
	TopK      int
	Client    *http.Client
}

type pineconeQuery struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	Namespace       string    `json:"namespace,omitempty"`
}

type pineconeResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

func (p Pinecone) Retrieve(ctx context.Context, q Query) (string, error) {
	vec, err := p.Embedder.Embed(ctx, q.SearchText())
	if err != nil {
		return "", err
	}
	topK := p.TopK
	if topK <= 0 {
		topK = 3
	}
	body, err := json.Marshal(pineconeQuery{Vector: vec, TopK: topK, IncludeMetadata: true, Namespace: p.Namespace})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Key", p.APIKey)
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinecone query: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("pinecone query: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out pineconeResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode pinecone response: %w", err)
	}
	var passages []string
	for _, m := range out.Matches {
		if text, ok := m.Metadata["text"].(string); ok && strings.TrimSpace(text) != "" {
			passages = append(passages, strings.TrimSpace(text))
		}
	}
	return strings.Join(passages, "\n"), nil
}

func (p Pinecone) endpoint() string {
	host := strings.TrimRight(strings.TrimSpace(p.Host), "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host + "/query"
}
