package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/realia/pkg/model"
)

// ProcessedSet remembers requests this agent has attempted. It is an
// optimization only; the registry's hasAgentResponded read stays the source
// of truth. An attempt is skippable only after its receipt confirmed it, so a
// dropped or still pending transaction never hides a request.
type ProcessedSet interface {
	// Contains reports whether the request has a confirmed attempt
	Contains(ctx context.Context, id model.RequestID) (bool, error)

	// Mark records that a response transaction was submitted
	Mark(ctx context.Context, id model.RequestID, txHash common.Hash) error

	// Confirm records that the submitted transaction was mined successfully
	Confirm(ctx context.Context, id model.RequestID) error

	// Forget removes the attempt so the request becomes eligible again
	Forget(ctx context.Context, id model.RequestID) error
}
