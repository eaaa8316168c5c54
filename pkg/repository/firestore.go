package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	embeddingField = "embedding"
	distanceField  = "vector_distance"
)

// Firestore holds the client shared by the Firestore backed index and
// processed-set
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to the given Firestore database
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

// Index returns a vector index stored in the named collection
func (f *Firestore) Index(collection string) *FirestoreIndex {
	return &FirestoreIndex{client: f.client, collection: collection}
}

// Processed returns a durable processed-set for the agent address
func (f *Firestore) Processed(collection string, agent common.Address) *FirestoreProcessed {
	return &FirestoreProcessed{client: f.client, collection: collection, agent: agent}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

var _ interfaces.VectorIndex = (*FirestoreIndex)(nil)

// FirestoreIndex keeps one document per asset with a Vector32 embedding and
// answers searches with Firestore vector search. The vector index on the
// embedding field must be provisioned beforehand.
type FirestoreIndex struct {
	client     *firestore.Client
	collection string
}

type pointDoc struct {
	AssetID   int64              `firestore:"asset_id"`
	URI       string             `firestore:"uri"`
	Owner     string             `firestore:"owner,omitempty"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	CreatedAt time.Time          `firestore:"created_at"`
}

// EnsureCollection never creates anything: Firestore collections exist
// implicitly.
func (x *FirestoreIndex) EnsureCollection(ctx context.Context) (bool, error) {
	return false, nil
}

func (x *FirestoreIndex) PointExists(ctx context.Context, id model.AssetID) (bool, error) {
	_, err := x.client.Collection(x.collection).Doc(id.String()).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to get point", goerr.V("asset_id", id))
	}
	return true, nil
}

func (x *FirestoreIndex) Upsert(ctx context.Context, point *model.EmbeddingPoint) error {
	doc := pointDoc{
		AssetID:   int64(point.ID),
		URI:       point.URI,
		Embedding: firestore.Vector32(point.Vector),
		CreatedAt: time.Now().UTC(),
	}
	if point.Owner != nil {
		doc.Owner = point.Owner.Hex()
	}

	if _, err := x.client.Collection(x.collection).Doc(point.ID.String()).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to set point", goerr.V("asset_id", point.ID))
	}
	return nil
}

func (x *FirestoreIndex) Search(ctx context.Context, vector []float32, limit int) ([]*model.Hit, error) {
	query := x.client.Collection(x.collection).FindNearest(
		embeddingField,
		firestore.Vector32(vector),
		limit,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField},
	)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var hits []*model.Hit
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate nearest points")
		}

		var doc pointDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode point", goerr.V("doc_id", snap.Ref.ID))
		}

		distance, err := toFloat(snap.Data()[distanceField])
		if err != nil {
			return nil, goerr.Wrap(err, "invalid vector distance", goerr.V("doc_id", snap.Ref.ID))
		}

		assetID := model.AssetID(doc.AssetID)
		if doc.AssetID == 0 {
			if n, err := strconv.ParseUint(snap.Ref.ID, 10, 64); err == nil {
				assetID = model.AssetID(n)
			}
		}

		hits = append(hits, &model.Hit{
			AssetID: assetID,
			Score:   1 - distance,
			URI:     doc.URI,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	default:
		return 0, goerr.New("unexpected distance type", goerr.V("type", fmt.Sprintf("%T", v)))
	}
}

var _ interfaces.ProcessedSet = (*FirestoreProcessed)(nil)

// FirestoreProcessed is a processed-set that survives restarts
type FirestoreProcessed struct {
	client     *firestore.Client
	collection string
	agent      common.Address
}

type attemptDoc struct {
	RequestID int64     `firestore:"request_id"`
	Agent     string    `firestore:"agent"`
	TxHash    string    `firestore:"tx_hash"`
	MarkedAt  time.Time `firestore:"marked_at"`
	Confirmed bool      `firestore:"confirmed"`
}

func (x *FirestoreProcessed) docID(id model.RequestID) string {
	return x.agent.Hex() + "_" + id.String()
}

func (x *FirestoreProcessed) Contains(ctx context.Context, id model.RequestID) (bool, error) {
	snap, err := x.client.Collection(x.collection).Doc(x.docID(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to get attempt", goerr.V("request_id", id))
	}

	var doc attemptDoc
	if err := snap.DataTo(&doc); err != nil {
		return false, goerr.Wrap(err, "failed to decode attempt", goerr.V("request_id", id))
	}
	return doc.Confirmed, nil
}

func (x *FirestoreProcessed) Mark(ctx context.Context, id model.RequestID, txHash common.Hash) error {
	doc := attemptDoc{
		RequestID: int64(id),
		Agent:     x.agent.Hex(),
		TxHash:    txHash.Hex(),
		MarkedAt:  time.Now().UTC(),
	}
	if _, err := x.client.Collection(x.collection).Doc(x.docID(id)).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to set attempt", goerr.V("request_id", id))
	}
	return nil
}

func (x *FirestoreProcessed) Confirm(ctx context.Context, id model.RequestID) error {
	update := map[string]any{
		"request_id":   int64(id),
		"agent":        x.agent.Hex(),
		"confirmed":    true,
		"confirmed_at": time.Now().UTC(),
	}
	if _, err := x.client.Collection(x.collection).Doc(x.docID(id)).Set(ctx, update, firestore.MergeAll); err != nil {
		return goerr.Wrap(err, "failed to confirm attempt", goerr.V("request_id", id))
	}
	return nil
}

func (x *FirestoreProcessed) Forget(ctx context.Context, id model.RequestID) error {
	if _, err := x.client.Collection(x.collection).Doc(x.docID(id)).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete attempt", goerr.V("request_id", id))
	}
	return nil
}
