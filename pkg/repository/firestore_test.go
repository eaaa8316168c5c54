package repository_test

import (
	"context"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/repository"
)

func setupFirestore(t *testing.T) *repository.Firestore {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")

	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	fs, err := repository.NewFirestore(context.Background(), projectID, databaseID)
	gt.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	return fs
}

func randomVector(rng *rand.Rand) []float32 {
	v := make([]float32, model.EmbeddingDimensions)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestFirestoreIndexUpsertAndExists(t *testing.T) {
	fs := setupFirestore(t)
	ctx := context.Background()
	index := fs.Index("test_points")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	id := model.AssetID(rng.Int63n(1 << 40))

	exists, err := index.PointExists(ctx, id)
	gt.NoError(t, err)
	gt.False(t, exists)

	gt.NoError(t, index.Upsert(ctx, &model.EmbeddingPoint{
		ID:     id,
		Vector: randomVector(rng),
		URI:    "ipfs://test-" + id.String(),
	}))

	exists, err = index.PointExists(ctx, id)
	gt.NoError(t, err)
	gt.True(t, exists)
}

func TestFirestoreIndexSearch(t *testing.T) {
	fs := setupFirestore(t)
	ctx := context.Background()
	index := fs.Index("test_points")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	vector := randomVector(rng)
	id := model.AssetID(rng.Int63n(1 << 40))

	gt.NoError(t, index.Upsert(ctx, &model.EmbeddingPoint{ID: id, Vector: vector, URI: "ipfs://search"}))

	hits, err := index.Search(ctx, vector, 5)
	gt.NoError(t, err)
	gt.A(t, hits).Longer(0)
	gt.Equal(t, hits[0].AssetID, id)
	gt.True(t, hits[0].Score > 0.99)
}

func TestFirestoreProcessed(t *testing.T) {
	fs := setupFirestore(t)
	ctx := context.Background()

	agent := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	processed := fs.Processed("test_attempts", agent)

	id := model.RequestID(time.Now().UnixNano())
	ok, err := processed.Contains(ctx, id)
	gt.NoError(t, err)
	gt.False(t, ok)

	gt.NoError(t, processed.Mark(ctx, id, common.HexToHash("0x01")))
	ok, err = processed.Contains(ctx, id)
	gt.NoError(t, err)
	gt.False(t, ok)

	gt.NoError(t, processed.Confirm(ctx, id))
	ok, err = processed.Contains(ctx, id)
	gt.NoError(t, err)
	gt.True(t, ok)

	// a new submission replaces the confirmed attempt
	gt.NoError(t, processed.Mark(ctx, id, common.HexToHash("0x02")))
	ok, err = processed.Contains(ctx, id)
	gt.NoError(t, err)
	gt.False(t, ok)

	gt.NoError(t, processed.Forget(ctx, id))
	ok, err = processed.Contains(ctx, id)
	gt.NoError(t, err)
	gt.False(t, ok)
}
