package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
)

const (
	DefaultQdrantCollection = "realia"
	qdrantDistance          = "Cosine"
)

var _ interfaces.VectorIndex = (*Qdrant)(nil)

// Qdrant is a vector index client for the Qdrant REST API
type Qdrant struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	httpClient *http.Client
}

// QdrantOption is a functional option for Qdrant client
type QdrantOption func(*Qdrant)

func WithQdrantAPIKey(apiKey string) QdrantOption {
	return func(x *Qdrant) {
		x.apiKey = apiKey
	}
}

func WithQdrantCollection(collection string) QdrantOption {
	return func(x *Qdrant) {
		x.collection = collection
	}
}

func WithQdrantHTTPClient(client *http.Client) QdrantOption {
	return func(x *Qdrant) {
		x.httpClient = client
	}
}

// NewQdrant creates a Qdrant client for the endpoint, e.g. https://xxx.cloud.qdrant.io:6333
func NewQdrant(baseURL string, opts ...QdrantOption) *Qdrant {
	x := &Qdrant{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: DefaultQdrantCollection,
		dimensions: model.EmbeddingDimensions,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

type qdrantPayload struct {
	AssetID *uint64 `json:"asset_id,omitempty"`
	URI     string  `json:"uri,omitempty"`
	Owner   string  `json:"owner,omitempty"`
}

type qdrantPoint struct {
	ID      uint64        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantScoredPoint struct {
	ID      json.Number   `json:"id"`
	Score   float64       `json:"score"`
	Payload qdrantPayload `json:"payload"`
}

func (x *Qdrant) collectionPath(elem ...string) string {
	return x.baseURL + "/collections/" + url.PathEscape(x.collection) + strings.Join(elem, "")
}

// do sends a request and returns the status code. Response body is decoded
// into out only for 2xx responses.
func (x *Qdrant) do(ctx context.Context, method, endpoint string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, goerr.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to create request", goerr.V("url", endpoint))
	}
	req.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		req.Header.Set("api-key", x.apiKey)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to send request", goerr.V("method", method), goerr.V("url", endpoint))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, goerr.Wrap(err, "failed to decode response", goerr.V("url", endpoint))
		}
	}
	return resp.StatusCode, nil
}

func (x *Qdrant) EnsureCollection(ctx context.Context) (bool, error) {
	code, err := x.do(ctx, http.MethodGet, x.collectionPath(), nil, nil)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
	default:
		return false, goerr.New("unexpected status of collection lookup",
			goerr.V("collection", x.collection), goerr.V("status", code))
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     x.dimensions,
			"distance": qdrantDistance,
		},
	}
	code, err = x.do(ctx, http.MethodPut, x.collectionPath(), req, nil)
	if err != nil {
		return false, err
	}
	if code != http.StatusOK {
		return false, goerr.New("failed to create collection",
			goerr.V("collection", x.collection), goerr.V("status", code))
	}
	return true, nil
}

func (x *Qdrant) PointExists(ctx context.Context, id model.AssetID) (bool, error) {
	code, err := x.do(ctx, http.MethodGet, x.collectionPath("/points/", id.String()), nil, nil)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, goerr.New("unexpected status of point lookup",
			goerr.V("asset_id", id), goerr.V("status", code))
	}
}

func (x *Qdrant) Upsert(ctx context.Context, point *model.EmbeddingPoint) error {
	if len(point.Vector) != x.dimensions {
		return goerr.New("vector dimension mismatch",
			goerr.V("asset_id", point.ID),
			goerr.V("expected", x.dimensions),
			goerr.V("actual", len(point.Vector)))
	}

	assetID := uint64(point.ID)
	p := qdrantPoint{
		ID:     assetID,
		Vector: point.Vector,
		Payload: qdrantPayload{
			AssetID: &assetID,
			URI:     point.URI,
		},
	}
	if point.Owner != nil {
		p.Payload.Owner = point.Owner.Hex()
	}

	req := map[string]any{"points": []qdrantPoint{p}}
	code, err := x.do(ctx, http.MethodPut, x.collectionPath("/points?wait=true"), req, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return goerr.New("failed to upsert point", goerr.V("asset_id", point.ID), goerr.V("status", code))
	}
	return nil
}

func (x *Qdrant) Search(ctx context.Context, vector []float32, limit int) ([]*model.Hit, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	var resp struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	code, err := x.do(ctx, http.MethodPost, x.collectionPath("/points/search"), req, &resp)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, goerr.New("failed to search points", goerr.V("status", code))
	}

	hits := make([]*model.Hit, 0, len(resp.Result))
	for _, p := range resp.Result {
		hit := &model.Hit{
			Score: p.Score,
			URI:   p.Payload.URI,
		}
		if p.Payload.AssetID != nil {
			hit.AssetID = model.AssetID(*p.Payload.AssetID)
		} else {
			id, err := p.ID.Int64()
			if err != nil {
				return nil, goerr.Wrap(err, "point id is not numeric", goerr.V("id", p.ID.String()))
			}
			hit.AssetID = model.AssetID(id)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

