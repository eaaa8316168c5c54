package model

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// EmbeddingDimensions is the length of every image embedding
const EmbeddingDimensions = 512

// AssetID is the token id of a minted NFT
type AssetID uint64

func (x AssetID) String() string {
	return strconv.FormatUint(uint64(x), 10)
}

type Asset struct {
	ID    AssetID
	URI   string
	Owner common.Address
}

// EmbeddingPoint is the vector index entry of one asset. Created once and
// never updated.
type EmbeddingPoint struct {
	ID     AssetID
	Vector []float32
	URI    string
	Owner  *common.Address
}

// Hit is a single similarity search result
type Hit struct {
	AssetID AssetID
	Score   float64
	URI     string
}
