package assetsync

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultMintInterval = 5 * time.Second
	DefaultConcurrency  = 1
)

// PointStore is the part of the vector index the sync needs
type PointStore interface {
	PointExists(ctx context.Context, id model.AssetID) (bool, error)
	Upsert(ctx context.Context, point *model.EmbeddingPoint) error
}

// UseCase keeps an embedding point for every minted asset. Points are
// created once; the existence check makes every path idempotent.
type UseCase struct {
	assets   interfaces.AssetSource
	index    PointStore
	embedder interfaces.URIEmbedder

	interval    time.Duration
	concurrency int
}

type Option func(*UseCase)

func WithInterval(d time.Duration) Option {
	return func(uc *UseCase) {
		uc.interval = d
	}
}

func WithConcurrency(n int) Option {
	return func(uc *UseCase) {
		uc.concurrency = n
	}
}

func New(assets interfaces.AssetSource, index PointStore, embedder interfaces.URIEmbedder, opts ...Option) *UseCase {
	uc := &UseCase{
		assets:      assets,
		index:       index,
		embedder:    embedder,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.concurrency < 1 {
		uc.concurrency = 1
	}
	return uc
}

// Report counts what one pass did
type Report struct {
	Listed   int
	Existing int
	Upserted int
	Failed   int
}

func (r *Report) add(o outcome) {
	switch o {
	case outcomeExisting:
		r.Existing++
	case outcomeUpserted:
		r.Upserted++
	case outcomeFailed:
		r.Failed++
	}
}

type outcome int

const (
	outcomeExisting outcome = iota
	outcomeUpserted
	outcomeFailed
)

// SyncOnce lists every asset and embeds those missing from the index. Only a
// listing failure is returned.
func (uc *UseCase) SyncOnce(ctx context.Context) (*Report, error) {
	assets, err := uc.assets.ListAssets(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list assets")
	}

	report := &Report{Listed: len(assets)}
	uc.embedAll(ctx, assets, report)

	if report.Upserted > 0 || report.Failed > 0 {
		logging.From(ctx).Info("asset sync finished",
			"listed", report.Listed,
			"upserted", report.Upserted,
			"existing", report.Existing,
			"failed", report.Failed)
	}
	return report, nil
}

func (uc *UseCase) embedAll(ctx context.Context, assets []*model.Asset, report *Report) {
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(uc.concurrency)

	for _, asset := range assets {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			o := uc.embedAsset(ctx, asset)
			mu.Lock()
			report.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
}

func (uc *UseCase) embedAsset(ctx context.Context, asset *model.Asset) outcome {
	logger := logging.From(ctx).With("asset_id", asset.ID.String())

	exists, err := uc.index.PointExists(ctx, asset.ID)
	if err != nil {
		logger.Warn("failed to check point", "error", err)
		return outcomeFailed
	}
	if exists {
		return outcomeExisting
	}

	vector, err := uc.embedder.EmbedURI(ctx, asset.URI)
	if err != nil {
		logger.Warn("failed to embed asset", "uri", asset.URI, "error", err)
		return outcomeFailed
	}

	point := &model.EmbeddingPoint{
		ID:     asset.ID,
		Vector: vector,
		URI:    asset.URI,
	}
	if asset.Owner != (common.Address{}) {
		owner := asset.Owner
		point.Owner = &owner
	}

	if err := uc.index.Upsert(ctx, point); err != nil {
		logger.Warn("failed to upsert point", "error", err)
		return outcomeFailed
	}

	logger.Info("asset embedded", "uri", asset.URI)
	return outcomeUpserted
}

// Run performs a sync pass every interval until ctx is cancelled
func (uc *UseCase) Run(ctx context.Context) {
	logger := logging.From(ctx)
	logger.Info("asset sync loop started", "interval", uc.interval)

	for {
		if ctx.Err() != nil {
			logger.Info("asset sync loop stopped")
			return
		}

		if _, err := uc.SyncOnce(ctx); err != nil {
			logger.Error("asset sync failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("asset sync loop stopped")
			return
		case <-time.After(uc.interval):
		}
	}
}
