package interfaces

import (
	"context"

	"github.com/m-mizutani/realia/pkg/model"
)

// VectorIndex is the similarity search store of asset embeddings
type VectorIndex interface {
	// EnsureCollection creates the collection if missing. Idempotent.
	EnsureCollection(ctx context.Context) (created bool, err error)

	// PointExists reports whether an embedding for the asset is stored
	PointExists(ctx context.Context, id model.AssetID) (bool, error)

	// Upsert stores the embedding point
	Upsert(ctx context.Context, point *model.EmbeddingPoint) error

	// Search returns up to limit hits ordered by descending similarity
	Search(ctx context.Context, vector []float32, limit int) ([]*model.Hit, error)
}

// Embedder turns base64 encoded image bytes into a normalized vector
type Embedder interface {
	Embed(ctx context.Context, imageBase64 string) ([]float32, error)
}

// URIEmbedder resolves an asset or request URI all the way to its embedding
type URIEmbedder interface {
	EmbedURI(ctx context.Context, uri string) ([]float32, error)
}

// DecisionRecorder appends submitted decisions to an audit trail
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, record *model.DecisionRecord) error
}
