package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
)

var _ interfaces.Embedder = (*EmbeddingClient)(nil)

// EmbeddingClient calls the image embedding endpoint. The endpoint takes
// {"image": "<base64>"} and answers {"embedding": [...]}.
type EmbeddingClient struct {
	endpoint   string
	dimensions int
	httpClient *http.Client
}

type EmbeddingOption func(*EmbeddingClient)

func WithEmbeddingDimensions(n int) EmbeddingOption {
	return func(x *EmbeddingClient) {
		x.dimensions = n
	}
}

func WithEmbeddingHTTPClient(client *http.Client) EmbeddingOption {
	return func(x *EmbeddingClient) {
		x.httpClient = client
	}
}

func NewEmbeddingClient(endpoint string, opts ...EmbeddingOption) *EmbeddingClient {
	x := &EmbeddingClient{
		endpoint:   endpoint,
		dimensions: model.EmbeddingDimensions,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (x *EmbeddingClient) Embed(ctx context.Context, imageBase64 string) ([]float32, error) {
	raw, err := json.Marshal(embedRequest{Image: imageBase64})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("url", x.endpoint))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to send embedding request", goerr.V("url", x.endpoint))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, goerr.New("embedding endpoint returned error",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(body)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, goerr.Wrap(err, "failed to decode embedding response")
	}

	if len(out.Embedding) != x.dimensions {
		return nil, goerr.New("embedding dimension mismatch",
			goerr.V("expected", x.dimensions),
			goerr.V("actual", len(out.Embedding)))
	}

	return out.Embedding, nil
}
