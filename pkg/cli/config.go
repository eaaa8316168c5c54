package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/adapter"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/policy"
	"github.com/m-mizutani/realia/pkg/repository"
	"github.com/m-mizutani/realia/pkg/service/media"
	"github.com/m-mizutani/realia/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const (
	indexBackendQdrant    = "qdrant"
	indexBackendFirestore = "firestore"

	processedStoreMemory    = "memory"
	processedStoreFirestore = "firestore"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Chain
	rpcURL         string
	factoryAddress string
	nftAddress     string
	privateKey     string
	receiptTimeout time.Duration
	rpcTimeout     time.Duration

	// Agent identity
	agentSeed     string
	agentIdentity string

	// Vector index
	indexBackend     string
	qdrantURL        string
	qdrantAPIKey     string
	qdrantCollection string

	// Firestore
	project             string
	database            string
	indexCollection     string
	processedStore      string
	processedCollection string

	// Media and embedding
	embeddingURL string
	gatewayHost  string
	enableGCS    bool

	// Policy
	policyFile string
	regoDir    string

	// Audit trail
	auditProject string
	auditDataset string
	auditTable   string

	firestore *repository.Firestore
	closers   []func() error
}

// loggingFlags returns flags for the logger with destination config
func loggingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("REALIA_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       logging.FormatConsole,
			Sources:     cli.EnvVars("REALIA_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// chainFlags returns flags for the RPC endpoint, contracts and signing key
func chainFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "rpc-url",
			Usage:       "Ethereum JSON-RPC endpoint",
			Sources:     cli.EnvVars("REALIA_RPC_URL"),
			Destination: &cfg.rpcURL,
		},
		&cli.StringFlag{
			Name:        "factory-address",
			Usage:       "Factory (registry) contract address",
			Sources:     cli.EnvVars("REALIA_FACTORY_ADDRESS"),
			Destination: &cfg.factoryAddress,
		},
		&cli.StringFlag{
			Name:        "nft-address",
			Usage:       "NFT contract address",
			Sources:     cli.EnvVars("REALIA_NFT_ADDRESS"),
			Destination: &cfg.nftAddress,
		},
		&cli.StringFlag{
			Name:        "private-key",
			Usage:       "Hex encoded private key of the agent wallet",
			Sources:     cli.EnvVars("REALIA_PRIVATE_KEY"),
			Destination: &cfg.privateKey,
		},
		&cli.DurationFlag{
			Name:        "receipt-timeout",
			Usage:       "Maximum time to wait for a transaction receipt",
			Value:       adapter.DefaultReceiptTimeout,
			Sources:     cli.EnvVars("REALIA_RECEIPT_TIMEOUT"),
			Destination: &cfg.receiptTimeout,
		},
		&cli.DurationFlag{
			Name:        "rpc-timeout",
			Usage:       "Maximum time of a single RPC call other than the receipt wait",
			Value:       adapter.DefaultRPCTimeout,
			Sources:     cli.EnvVars("REALIA_RPC_TIMEOUT"),
			Destination: &cfg.rpcTimeout,
		},
	}
}

// identityFlags returns flags for the off-chain agent identity
func identityFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "agent-seed",
			Usage:       "Wallet seed the agent identity is derived from",
			Sources:     cli.EnvVars("REALIA_AGENT_SEED"),
			Destination: &cfg.agentSeed,
		},
		&cli.StringFlag{
			Name:        "agent-identity",
			Usage:       "Agent identity registered on-chain (overrides agent-seed)",
			Sources:     cli.EnvVars("REALIA_AGENT_IDENTITY"),
			Destination: &cfg.agentIdentity,
		},
	}
}

// firestoreFlags returns flags for the Firestore database
func firestoreFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// indexFlags returns flags for the vector index and the embedding provider
func indexFlags(cfg *config) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "index-backend",
			Usage:       "Vector index backend (qdrant, firestore)",
			Value:       indexBackendQdrant,
			Sources:     cli.EnvVars("REALIA_INDEX_BACKEND"),
			Destination: &cfg.indexBackend,
		},
		&cli.StringFlag{
			Name:        "qdrant-url",
			Usage:       "Qdrant base URL",
			Sources:     cli.EnvVars("REALIA_QDRANT_URL"),
			Destination: &cfg.qdrantURL,
		},
		&cli.StringFlag{
			Name:        "qdrant-api-key",
			Usage:       "Qdrant API key",
			Sources:     cli.EnvVars("REALIA_QDRANT_API_KEY"),
			Destination: &cfg.qdrantAPIKey,
		},
		&cli.StringFlag{
			Name:        "qdrant-collection",
			Usage:       "Qdrant collection name",
			Value:       adapter.DefaultQdrantCollection,
			Sources:     cli.EnvVars("REALIA_QDRANT_COLLECTION"),
			Destination: &cfg.qdrantCollection,
		},
		&cli.StringFlag{
			Name:        "index-collection",
			Usage:       "Firestore collection holding embeddings",
			Value:       "embeddings",
			Sources:     cli.EnvVars("REALIA_INDEX_COLLECTION"),
			Destination: &cfg.indexCollection,
		},
		&cli.StringFlag{
			Name:        "embedding-url",
			Usage:       "Image embedding endpoint",
			Sources:     cli.EnvVars("REALIA_EMBEDDING_URL"),
			Destination: &cfg.embeddingURL,
		},
		&cli.StringFlag{
			Name:        "gateway-host",
			Usage:       "Gateway host content-addressed URIs are rewritten to",
			Value:       media.DefaultGatewayHost,
			Sources:     cli.EnvVars("REALIA_GATEWAY_HOST"),
			Destination: &cfg.gatewayHost,
		},
		&cli.BoolFlag{
			Name:        "enable-gcs",
			Usage:       "Fetch gs:// media through Cloud Storage",
			Sources:     cli.EnvVars("REALIA_ENABLE_GCS"),
			Destination: &cfg.enableGCS,
		},
	}
	return append(flags, firestoreFlags(cfg)...)
}

// policyFlags returns flags for the decision policy
func policyFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy-file",
			Usage:       "YAML file overriding thresholds and top_k",
			Sources:     cli.EnvVars("REALIA_POLICY_FILE"),
			Destination: &cfg.policyFile,
		},
		&cli.StringFlag{
			Name:        "rego-dir",
			Usage:       "Directory of Rego policies replacing the threshold policy",
			Sources:     cli.EnvVars("REALIA_REGO_DIR"),
			Destination: &cfg.regoDir,
		},
	}
}

// stateFlags returns flags for the processed-set and the audit trail
func stateFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "processed-store",
			Usage:       "Where attempted requests are remembered (memory, firestore)",
			Value:       processedStoreMemory,
			Sources:     cli.EnvVars("REALIA_PROCESSED_STORE"),
			Destination: &cfg.processedStore,
		},
		&cli.StringFlag{
			Name:        "processed-collection",
			Usage:       "Firestore collection holding attempted requests",
			Value:       "attempts",
			Sources:     cli.EnvVars("REALIA_PROCESSED_COLLECTION"),
			Destination: &cfg.processedCollection,
		},
		&cli.StringFlag{
			Name:        "audit-project",
			Usage:       "BigQuery project of the decision audit table (defaults to project)",
			Sources:     cli.EnvVars("REALIA_AUDIT_PROJECT"),
			Destination: &cfg.auditProject,
		},
		&cli.StringFlag{
			Name:        "audit-dataset",
			Usage:       "BigQuery dataset of the decision audit table",
			Sources:     cli.EnvVars("REALIA_AUDIT_DATASET"),
			Destination: &cfg.auditDataset,
		},
		&cli.StringFlag{
			Name:        "audit-table",
			Usage:       "BigQuery table of the decision audit trail",
			Value:       "decisions",
			Sources:     cli.EnvVars("REALIA_AUDIT_TABLE"),
			Destination: &cfg.auditTable,
		},
	}
}

// setupLogger builds the logger from flags and attaches it to ctx
func (cfg *config) setupLogger(ctx context.Context) (context.Context, error) {
	logger, err := logging.NewWithFormat(cfg.logLevel, cfg.logFormat, os.Stderr)
	if err != nil {
		return ctx, goerr.Wrap(err, "failed to create logger")
	}
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// close releases every client opened by the builders
func (cfg *config) close(ctx context.Context) {
	for i := len(cfg.closers) - 1; i >= 0; i-- {
		if err := cfg.closers[i](); err != nil {
			logging.From(ctx).Warn("failed to close client", "error", err)
		}
	}
	cfg.closers = nil
	cfg.firestore = nil
}

// newChain creates the chain gateway
func (cfg *config) newChain(ctx context.Context) (*adapter.Chain, error) {
	if cfg.rpcURL == "" {
		return nil, goerr.New("rpc-url is required")
	}
	if cfg.factoryAddress == "" {
		return nil, goerr.New("factory-address is required")
	}
	if cfg.privateKey == "" {
		return nil, goerr.New("private-key is required")
	}

	chainCfg, err := cfg.chainConfig()
	if err != nil {
		return nil, err
	}

	chain, err := adapter.NewChain(ctx, cfg.rpcURL, chainCfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chain gateway", goerr.V("rpc_url", cfg.rpcURL))
	}
	cfg.closers = append(cfg.closers, chain.Close)
	return chain, nil
}

func (cfg *config) chainConfig() (adapter.ChainConfig, error) {
	var chainCfg adapter.ChainConfig

	if !common.IsHexAddress(cfg.factoryAddress) {
		return chainCfg, goerr.New("factory-address is not a hex address", goerr.V("address", cfg.factoryAddress))
	}
	chainCfg.FactoryAddress = common.HexToAddress(cfg.factoryAddress)

	if cfg.nftAddress != "" {
		if !common.IsHexAddress(cfg.nftAddress) {
			return chainCfg, goerr.New("nft-address is not a hex address", goerr.V("address", cfg.nftAddress))
		}
		chainCfg.NFTAddress = common.HexToAddress(cfg.nftAddress)
	}

	key, err := adapter.ParsePrivateKey(cfg.privateKey)
	if err != nil {
		return chainCfg, err
	}
	chainCfg.PrivateKey = key
	chainCfg.ReceiptTimeout = cfg.receiptTimeout
	chainCfg.RPCTimeout = cfg.rpcTimeout

	return chainCfg, nil
}

// resolveIdentity returns the explicit identity or derives it from the seed
func (cfg *config) resolveIdentity() (string, error) {
	if cfg.agentIdentity != "" {
		return cfg.agentIdentity, nil
	}
	if cfg.agentSeed == "" {
		return "", goerr.New("agent-identity or agent-seed is required")
	}
	return model.DeriveAgentIdentity(cfg.agentSeed)
}

func (cfg *config) newFirestore(ctx context.Context) (*repository.Firestore, error) {
	if cfg.firestore != nil {
		return cfg.firestore, nil
	}
	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	fs, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	cfg.firestore = fs
	cfg.closers = append(cfg.closers, fs.Close)
	return fs, nil
}

// newIndex creates the vector index selected by index-backend
func (cfg *config) newIndex(ctx context.Context) (interfaces.VectorIndex, error) {
	switch cfg.indexBackend {
	case indexBackendQdrant:
		if cfg.qdrantURL == "" {
			return nil, goerr.New("qdrant-url is required")
		}
		opts := []adapter.QdrantOption{adapter.WithQdrantCollection(cfg.qdrantCollection)}
		if cfg.qdrantAPIKey != "" {
			opts = append(opts, adapter.WithQdrantAPIKey(cfg.qdrantAPIKey))
		}
		return adapter.NewQdrant(cfg.qdrantURL, opts...), nil

	case indexBackendFirestore:
		if cfg.indexCollection == "" {
			return nil, goerr.New("index-collection is required")
		}
		fs, err := cfg.newFirestore(ctx)
		if err != nil {
			return nil, err
		}
		return fs.Index(cfg.indexCollection), nil

	default:
		return nil, goerr.New("unknown index backend", goerr.V("index_backend", cfg.indexBackend))
	}
}

// newResolver creates the media resolver feeding the embedding provider
func (cfg *config) newResolver(ctx context.Context) (*media.Resolver, error) {
	if cfg.embeddingURL == "" {
		return nil, goerr.New("embedding-url is required")
	}

	var fetcherOpts []adapter.FetcherOption
	if cfg.enableGCS {
		storage, err := adapter.NewStorage(ctx)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		fetcherOpts = append(fetcherOpts, adapter.WithFetcherStorage(storage))
	}

	embedder := adapter.NewEmbeddingClient(cfg.embeddingURL)
	return media.New(adapter.NewFetcher(fetcherOpts...), embedder,
		media.WithGatewayHost(cfg.gatewayHost)), nil
}

// newClassifier creates the decision policy and returns the search depth it
// expects
func (cfg *config) newClassifier(ctx context.Context) (policy.Classifier, int, error) {
	th := policy.DefaultThresholds()
	if cfg.policyFile != "" {
		loaded, err := policy.LoadThresholds(cfg.policyFile)
		if err != nil {
			return nil, 0, err
		}
		th = loaded
	}

	if cfg.regoDir != "" {
		classifier, err := policy.NewRegoClassifier(ctx, cfg.regoDir)
		if err != nil {
			return nil, 0, goerr.Wrap(err, "failed to load rego policies")
		}
		return classifier, th.TopK, nil
	}

	return policy.NewThresholdClassifier(th), th.TopK, nil
}

// newProcessed creates the local processed-set of the agent
func (cfg *config) newProcessed(ctx context.Context, agent common.Address) (interfaces.ProcessedSet, error) {
	switch cfg.processedStore {
	case processedStoreMemory:
		return repository.NewMemory(), nil

	case processedStoreFirestore:
		if cfg.processedCollection == "" {
			return nil, goerr.New("processed-collection is required")
		}
		fs, err := cfg.newFirestore(ctx)
		if err != nil {
			return nil, err
		}
		return fs.Processed(cfg.processedCollection, agent), nil

	default:
		return nil, goerr.New("unknown processed store", goerr.V("processed_store", cfg.processedStore))
	}
}

// newRecorder creates the decision audit trail. It returns nil when no audit
// dataset is configured.
func (cfg *config) newRecorder(ctx context.Context) (interfaces.DecisionRecorder, error) {
	if cfg.auditDataset == "" {
		return nil, nil
	}
	if cfg.auditTable == "" {
		return nil, goerr.New("audit-table is required")
	}

	project := cfg.auditProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("audit-project or project is required")
	}

	bq, err := adapter.NewBigQuery(ctx, project, adapter.WithBigQueryTable(cfg.auditDataset, cfg.auditTable))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create audit recorder")
	}
	cfg.closers = append(cfg.closers, bq.Close)

	created, err := bq.EnsureTable(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare audit table")
	}
	logging.From(ctx).Info("audit table ready",
		slog.String("dataset", cfg.auditDataset),
		slog.String("table", cfg.auditTable),
		slog.Bool("created", created))

	return bq, nil
}
