package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/realia/pkg/model"
)

// RequestEvent is a decoded VerificationRequested log
type RequestEvent struct {
	RequestID   model.RequestID
	Requester   common.Address
	BlockNumber uint64
}

// MintEvent is a decoded Minted log
type MintEvent struct {
	AssetID     model.AssetID
	Owner       common.Address
	BlockNumber uint64
}

// Registry covers the registration bootstrap against the Factory contract and
// the stake token
type Registry interface {
	// Address returns the operating EVM address of this agent
	Address() common.Address

	// GetRegistration reads the agent record for the operating address
	GetRegistration(ctx context.Context) (*model.Registration, error)

	// MinStake reads the minimum stake amount
	MinStake(ctx context.Context) (*big.Int, error)

	// StakeToken reads the stake token contract address
	StakeToken(ctx context.Context) (common.Address, error)

	// TokenBalance reads the operating address' balance of token
	TokenBalance(ctx context.Context, token common.Address) (*big.Int, error)

	// ApproveStake lets the Factory spend amount of token and waits for the receipt
	ApproveStake(ctx context.Context, token common.Address, amount *big.Int) (*model.Receipt, error)

	// RegisterAgent registers the identity and waits for the receipt
	RegisterAgent(ctx context.Context, registryKey string) (*model.Receipt, error)

	// UpdateAgentKey replaces the registered identity and waits for the receipt
	UpdateAgentKey(ctx context.Context, registryKey string) (*model.Receipt, error)
}

// Verifier covers the reads and writes of the reconciliation loop
type Verifier interface {
	Address() common.Address

	// PendingRequests is the batch "list pending" read
	PendingRequests(ctx context.Context) ([]*model.Candidate, error)

	// HasResponded is the authoritative dedup check for this agent
	HasResponded(ctx context.Context, id model.RequestID) (bool, error)

	// GetRequest reads the full request record
	GetRequest(ctx context.Context, id model.RequestID) (*model.VerificationRequest, error)

	// SubmitResponse sends the decision and returns the transaction hash
	// without waiting for it to be mined
	SubmitResponse(ctx context.Context, decision *model.Decision) (common.Hash, error)

	// WaitReceipt waits for a submitted transaction to be mined
	WaitReceipt(ctx context.Context, txHash common.Hash) (*model.Receipt, error)
}

// AssetSource covers the reads of the embedding sync loop
type AssetSource interface {
	// ListAssets is the batch "list assets" read
	ListAssets(ctx context.Context) ([]*model.Asset, error)

	// AssetURI reads the metadata URI of one asset
	AssetURI(ctx context.Context, id model.AssetID) (string, error)
}

// EventSource reads contract logs over an inclusive block range
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	RequestEvents(ctx context.Context, from, to uint64) ([]*RequestEvent, error)
	MintEvents(ctx context.Context, from, to uint64) ([]*MintEvent, error)
}

// Chain is the full gateway implemented by adapter.Chain
type Chain interface {
	Registry
	Verifier
	AssetSource
	EventSource
}
