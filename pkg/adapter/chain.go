package adapter

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/utils/logging"
)

var (
	//go:embed abi/factory.json
	factoryABIJSON string

	//go:embed abi/nft.json
	nftABIJSON string

	//go:embed abi/erc20.json
	erc20ABIJSON string

	factoryABI = mustParseABI(factoryABIJSON)
	nftABI     = mustParseABI(nftABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

const (
	// DefaultReceiptTimeout is the ceiling of a single receipt wait
	DefaultReceiptTimeout = 120 * time.Second

	// DefaultRPCTimeout bounds every other RPC round trip
	DefaultRPCTimeout = 15 * time.Second

	receiptPollInterval = time.Second

	eventVerificationRequested = "VerificationRequested"
	eventMinted                = "Minted"
)

var ErrValueOverflow = goerr.New("on-chain value does not fit uint64")

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainBackend is the part of an Ethereum RPC client the gateway needs.
// *ethclient.Client satisfies it.
type ChainBackend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainConfig holds the contract addresses and signing key of the gateway
type ChainConfig struct {
	FactoryAddress common.Address
	NFTAddress     common.Address
	PrivateKey     *ecdsa.PrivateKey
	ReceiptTimeout time.Duration
	RPCTimeout     time.Duration
}

var _ interfaces.Chain = (*Chain)(nil)

// Chain is the RPC facade over the Factory, NFT and stake token contracts.
// Transactions are submitted one at a time so concurrent callers never race
// on the account nonce.
type Chain struct {
	backend ChainBackend
	cfg     ChainConfig
	from    common.Address
	chainID *big.Int

	factory *bind.BoundContract
	nft     *bind.BoundContract

	sendMu sync.Mutex
}

// NewChain dials the RPC endpoint and builds the gateway. HTTP requests are
// also capped by the RPC timeout at the transport.
func NewChain(ctx context.Context, rpcURL string, cfg ChainConfig) (*Chain, error) {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}

	rpcClient, err := rpc.DialOptions(ctx, rpcURL,
		rpc.WithHTTPClient(&http.Client{Timeout: cfg.RPCTimeout}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to dial rpc endpoint")
	}
	client := ethclient.NewClient(rpcClient)

	chain, err := NewChainWithBackend(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return chain, nil
}

// NewChainWithBackend builds the gateway over an existing backend
func NewChainWithBackend(ctx context.Context, backend ChainBackend, cfg ChainConfig) (*Chain, error) {
	if cfg.PrivateKey == nil {
		return nil, goerr.New("private key is required")
	}
	if cfg.FactoryAddress == (common.Address{}) {
		return nil, goerr.New("factory address is required")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}

	idCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()
	chainID, err := backend.ChainID(idCtx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chain id")
	}

	return &Chain{
		backend: backend,
		cfg:     cfg,
		from:    crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		chainID: chainID,
		factory: bind.NewBoundContract(cfg.FactoryAddress, factoryABI, backend, backend, backend),
		nft:     bind.NewBoundContract(cfg.NFTAddress, nftABI, backend, backend, backend),
	}, nil
}

// ParsePrivateKey decodes a hex encoded secp256k1 key with or without 0x prefix
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, goerr.Wrap(err, "invalid private key")
	}
	return key, nil
}

func (x *Chain) Address() common.Address {
	return x.from
}

// Close releases the RPC connection when the backend holds one
func (x *Chain) Close() error {
	if c, ok := x.backend.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

func (x *Chain) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx, From: x.from}
}

func (x *Chain) call(ctx context.Context, contract *bind.BoundContract, method string, args ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.RPCTimeout)
	defer cancel()

	var out []any
	if err := contract.Call(x.callOpts(ctx), &out, method, args...); err != nil {
		return nil, goerr.Wrap(err, "failed to call contract", goerr.V("method", method))
	}
	return out, nil
}

func (x *Chain) erc20(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, erc20ABI, x.backend, x.backend, x.backend)
}

// Registry reads

func (x *Chain) GetRegistration(ctx context.Context) (*model.Registration, error) {
	out, err := x.call(ctx, x.factory, "agents", x.from)
	if err != nil {
		return nil, err
	}
	return decodeRegistration(out)
}

func (x *Chain) MinStake(ctx context.Context) (*big.Int, error) {
	out, err := x.call(ctx, x.factory, "MIN_AGENT_STAKING")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (x *Chain) StakeToken(ctx context.Context) (common.Address, error) {
	out, err := x.call(ctx, x.factory, "PYUSD")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (x *Chain) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	out, err := x.call(ctx, x.erc20(token), "balanceOf", x.from)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Registry writes

func (x *Chain) ApproveStake(ctx context.Context, token common.Address, amount *big.Int) (*model.Receipt, error) {
	return x.transactAndWait(ctx, x.erc20(token), "approve", x.cfg.FactoryAddress, amount)
}

func (x *Chain) RegisterAgent(ctx context.Context, registryKey string) (*model.Receipt, error) {
	return x.transactAndWait(ctx, x.factory, "registerAgent", registryKey)
}

func (x *Chain) UpdateAgentKey(ctx context.Context, registryKey string) (*model.Receipt, error) {
	return x.transactAndWait(ctx, x.factory, "updateAgentAddress", registryKey)
}

// Verifier

func (x *Chain) PendingRequests(ctx context.Context) ([]*model.Candidate, error) {
	out, err := x.call(ctx, x.factory, "syncPendingVerifications")
	if err != nil {
		return nil, err
	}
	return decodePending(out)
}

func (x *Chain) HasResponded(ctx context.Context, id model.RequestID) (bool, error) {
	out, err := x.call(ctx, x.factory, "hasAgentResponded", new(big.Int).SetUint64(uint64(id)), x.from)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (x *Chain) GetRequest(ctx context.Context, id model.RequestID) (*model.VerificationRequest, error) {
	out, err := x.call(ctx, x.factory, "verificationRequests", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return nil, err
	}
	return decodeRequest(id, out)
}

func (x *Chain) SubmitResponse(ctx context.Context, decision *model.Decision) (common.Hash, error) {
	if err := decision.Result.Validate(); err != nil {
		return common.Hash{}, err
	}

	tx, err := x.transact(ctx, x.factory, "responseVerification",
		new(big.Int).SetUint64(uint64(decision.RequestID)),
		uint8(decision.Result),
		new(big.Int).SetUint64(uint64(decision.MatchedAssetID)),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// WaitReceipt polls for the receipt until it is mined or the receipt timeout
// elapses.
func (x *Chain) WaitReceipt(ctx context.Context, txHash common.Hash) (*model.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := x.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return &model.Receipt{
				TxHash:      txHash,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logging.From(ctx).Debug("receipt not available yet", "tx_hash", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, goerr.Wrap(ctx.Err(), "receipt wait aborted", goerr.V("tx_hash", txHash.Hex()))
		case <-ticker.C:
		}
	}
}

// AssetSource

func (x *Chain) ListAssets(ctx context.Context) ([]*model.Asset, error) {
	out, err := x.call(ctx, x.factory, "syncAgent")
	if err != nil {
		return nil, err
	}
	return decodeAssets(out)
}

func (x *Chain) AssetURI(ctx context.Context, id model.AssetID) (string, error) {
	out, err := x.call(ctx, x.nft, "tokenURI", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// EventSource

func (x *Chain) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.RPCTimeout)
	defer cancel()

	n, err := x.backend.BlockNumber(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to get latest block")
	}
	return n, nil
}

func (x *Chain) RequestEvents(ctx context.Context, from, to uint64) ([]*interfaces.RequestEvent, error) {
	logs, err := x.filterLogs(ctx, x.cfg.FactoryAddress, factoryABI.Events[eventVerificationRequested].ID, from, to)
	if err != nil {
		return nil, err
	}

	events := make([]*interfaces.RequestEvent, 0, len(logs))
	for _, log := range logs {
		ev, err := decodeRequestEvent(log)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (x *Chain) MintEvents(ctx context.Context, from, to uint64) ([]*interfaces.MintEvent, error) {
	logs, err := x.filterLogs(ctx, x.cfg.NFTAddress, nftABI.Events[eventMinted].ID, from, to)
	if err != nil {
		return nil, err
	}

	events := make([]*interfaces.MintEvent, 0, len(logs))
	for _, log := range logs {
		ev, err := decodeMintEvent(log)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (x *Chain) filterLogs(ctx context.Context, addr common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{topic}},
	}
	ctx, cancel := context.WithTimeout(ctx, x.cfg.RPCTimeout)
	defer cancel()

	logs, err := x.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to filter logs",
			goerr.V("address", addr.Hex()),
			goerr.V("from", from),
			goerr.V("to", to))
	}
	return logs, nil
}

// transactions

func (x *Chain) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*types.Transaction, error) {
	x.sendMu.Lock()
	defer x.sendMu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(x.cfg.PrivateKey, x.chainID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create transactor")
	}
	sendCtx, cancel := context.WithTimeout(ctx, x.cfg.RPCTimeout)
	defer cancel()
	opts.Context = sendCtx

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to send transaction", goerr.V("method", method))
	}

	logging.From(ctx).Info("transaction submitted",
		"method", method,
		"tx_hash", tx.Hash().Hex(),
		"nonce", tx.Nonce())
	return tx, nil
}

func (x *Chain) transactAndWait(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*model.Receipt, error) {
	tx, err := x.transact(ctx, contract, method, args...)
	if err != nil {
		return nil, err
	}
	return x.WaitReceipt(ctx, tx.Hash())
}

// decoders

func toUint64(v *big.Int, field string) (uint64, error) {
	if v == nil || !v.IsUint64() {
		return 0, goerr.Wrap(ErrValueOverflow, "invalid integer", goerr.V("field", field), goerr.V("value", v.String()))
	}
	return v.Uint64(), nil
}

func decodeRegistration(out []any) (*model.Registration, error) {
	if len(out) != 4 {
		return nil, goerr.New("unexpected agents output", goerr.V("length", len(out)))
	}

	verified, err := toUint64(*abi.ConvertType(out[2], new(*big.Int)).(**big.Int), "verifiedCount")
	if err != nil {
		return nil, err
	}

	return &model.Registration{
		RegistryKey:   *abi.ConvertType(out[0], new(string)).(*string),
		EVMAddress:    *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		VerifiedCount: verified,
		IsStaked:      *abi.ConvertType(out[3], new(bool)).(*bool),
	}, nil
}

func decodeRequest(id model.RequestID, out []any) (*model.VerificationRequest, error) {
	if len(out) != 4 {
		return nil, goerr.New("unexpected verificationRequests output", goerr.V("length", len(out)))
	}

	requestTime, err := toUint64(*abi.ConvertType(out[3], new(*big.Int)).(**big.Int), "requestTime")
	if err != nil {
		return nil, err
	}

	return &model.VerificationRequest{
		ID:          id,
		Requester:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		ImageURI:    *abi.ConvertType(out[1], new(string)).(*string),
		Processed:   *abi.ConvertType(out[2], new(bool)).(*bool),
		RequestTime: time.Unix(int64(requestTime), 0).UTC(),
	}, nil
}

func decodePending(out []any) ([]*model.Candidate, error) {
	if len(out) != 5 {
		return nil, goerr.New("unexpected syncPendingVerifications output", goerr.V("length", len(out)))
	}

	ids := *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int)
	users := *abi.ConvertType(out[2], new([]common.Address)).(*[]common.Address)
	uris := *abi.ConvertType(out[3], new([]string)).(*[]string)
	counts := *abi.ConvertType(out[4], new([]*big.Int)).(*[]*big.Int)

	if len(users) != len(ids) || len(uris) != len(ids) || len(counts) != len(ids) {
		return nil, goerr.New("pending arrays have different lengths",
			goerr.V("ids", len(ids)),
			goerr.V("users", len(users)),
			goerr.V("uris", len(uris)),
			goerr.V("counts", len(counts)))
	}

	candidates := make([]*model.Candidate, 0, len(ids))
	for i := range ids {
		id, err := toUint64(ids[i], "requestIds")
		if err != nil {
			return nil, err
		}
		count, err := toUint64(counts[i], "responseCounts")
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &model.Candidate{
			ID:            model.RequestID(id),
			Requester:     users[i],
			ImageURI:      uris[i],
			ResponseCount: count,
		})
	}
	return candidates, nil
}

func decodeAssets(out []any) ([]*model.Asset, error) {
	if len(out) != 3 {
		return nil, goerr.New("unexpected syncAgent output", goerr.V("length", len(out)))
	}

	ids := *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int)
	uris := *abi.ConvertType(out[2], new([]string)).(*[]string)
	if len(ids) != len(uris) {
		return nil, goerr.New("asset arrays have different lengths",
			goerr.V("ids", len(ids)),
			goerr.V("uris", len(uris)))
	}

	assets := make([]*model.Asset, 0, len(ids))
	for i := range ids {
		id, err := toUint64(ids[i], "nftIds")
		if err != nil {
			return nil, err
		}
		assets = append(assets, &model.Asset{ID: model.AssetID(id), URI: uris[i]})
	}
	return assets, nil
}

func decodeRequestEvent(log types.Log) (*interfaces.RequestEvent, error) {
	values, err := factoryABI.Unpack(eventVerificationRequested, log.Data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to unpack VerificationRequested",
			goerr.V("tx_hash", log.TxHash.Hex()))
	}
	if len(values) != 2 {
		return nil, goerr.New("unexpected VerificationRequested fields", goerr.V("length", len(values)))
	}

	id, err := toUint64(*abi.ConvertType(values[1], new(*big.Int)).(**big.Int), "requestId")
	if err != nil {
		return nil, err
	}

	return &interfaces.RequestEvent{
		RequestID:   model.RequestID(id),
		Requester:   *abi.ConvertType(values[0], new(common.Address)).(*common.Address),
		BlockNumber: log.BlockNumber,
	}, nil
}

func decodeMintEvent(log types.Log) (*interfaces.MintEvent, error) {
	values, err := nftABI.Unpack(eventMinted, log.Data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to unpack Minted", goerr.V("tx_hash", log.TxHash.Hex()))
	}
	if len(values) != 2 {
		return nil, goerr.New("unexpected Minted fields", goerr.V("length", len(values)))
	}

	id, err := toUint64(*abi.ConvertType(values[1], new(*big.Int)).(**big.Int), "tokenId")
	if err != nil {
		return nil, err
	}

	return &interfaces.MintEvent{
		AssetID:     model.AssetID(id),
		Owner:       *abi.ConvertType(values[0], new(common.Address)).(*common.Address),
		BlockNumber: log.BlockNumber,
	}, nil
}
