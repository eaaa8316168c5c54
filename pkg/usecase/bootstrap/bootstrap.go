package bootstrap

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/utils/logging"
)

var (
	// ErrInsufficientStake means the stake token balance is below the minimum
	// stake. The agent must not start.
	ErrInsufficientStake = goerr.New("insufficient stake token balance")

	// ErrTransactionReverted is returned for any bootstrap transaction that
	// was mined with a failed status
	ErrTransactionReverted = goerr.New("transaction reverted")
)

// UseCase makes sure the agent is staked and registered under its current
// identity before any loop starts
type UseCase struct {
	registry interfaces.Registry
	identity string
}

// New creates a bootstrap UseCase. identity is the registry key the agent
// must be registered with.
func New(registry interfaces.Registry, identity string) *UseCase {
	return &UseCase{
		registry: registry,
		identity: identity,
	}
}

// Run executes the bootstrap sequence and returns the resulting
// registration. Every error is fatal for the process.
func (u *UseCase) Run(ctx context.Context) (*model.Registration, error) {
	if u.identity == "" {
		return nil, goerr.New("agent identity is empty")
	}

	logger := logging.From(ctx).With("evm_address", u.registry.Address().Hex())

	reg, err := u.registry.GetRegistration(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read agent registration")
	}

	if reg.IsStaked {
		if reg.RegistryKey == u.identity {
			logger.Info("agent already registered", "identity", u.identity, "verified_count", reg.VerifiedCount)
			return reg, nil
		}

		logger.Info("registered identity differs, updating",
			"registered", reg.RegistryKey,
			"current", u.identity)

		receipt, err := u.registry.UpdateAgentKey(ctx, u.identity)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to update agent identity")
		}
		if err := checkReceipt(receipt, "updateAgentAddress"); err != nil {
			return nil, err
		}
		logger.Info("agent identity updated", "tx_hash", receipt.TxHash.Hex())

		return u.reload(ctx)
	}

	minStake, err := u.registry.MinStake(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read minimum stake")
	}

	token, err := u.registry.StakeToken(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read stake token")
	}

	balance, err := u.registry.TokenBalance(ctx, token)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read stake token balance", goerr.V("token", token.Hex()))
	}

	logger.Info("agent not staked",
		"min_stake", minStake.String(),
		"balance", balance.String(),
		"token", token.Hex())

	if balance.Cmp(minStake) < 0 {
		return nil, goerr.Wrap(ErrInsufficientStake, "balance is below the minimum stake",
			goerr.V("balance", balance.String()),
			goerr.V("min_stake", minStake.String()),
			goerr.V("token", token.Hex()))
	}

	// An approval that succeeds before a failed register stays in place; the
	// next start repeats both steps.
	receipt, err := u.registry.ApproveStake(ctx, token, minStake)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to approve stake")
	}
	if err := checkReceipt(receipt, "approve"); err != nil {
		return nil, err
	}
	logger.Info("stake approved", "tx_hash", receipt.TxHash.Hex())

	receipt, err = u.registry.RegisterAgent(ctx, u.identity)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to register agent")
	}
	if err := checkReceipt(receipt, "registerAgent"); err != nil {
		return nil, err
	}
	logger.Info("agent registered", "tx_hash", receipt.TxHash.Hex(), "identity", u.identity)

	return u.reload(ctx)
}

func (u *UseCase) reload(ctx context.Context) (*model.Registration, error) {
	reg, err := u.registry.GetRegistration(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read agent registration")
	}
	return reg, nil
}

func checkReceipt(receipt *model.Receipt, method string) error {
	if receipt == nil || !receipt.Success {
		var txHash string
		if receipt != nil {
			txHash = receipt.TxHash.Hex()
		}
		return goerr.Wrap(ErrTransactionReverted, "bootstrap transaction failed",
			goerr.V("method", method),
			goerr.V("tx_hash", txHash))
	}
	return nil
}
