package assetsync

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/utils/logging"
)

const defaultMaxBlockRange = 2000

// MintEventReader reads Minted logs
type MintEventReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	MintEvents(ctx context.Context, from, to uint64) ([]*interfaces.MintEvent, error)
}

// MintWatcher embeds freshly minted assets without waiting for the next
// batch pass. It shares the existence check with SyncOnce.
type MintWatcher struct {
	uc       *UseCase
	events   MintEventReader
	interval time.Duration
	next     uint64
	maxRange uint64
}

type MintOption func(*MintWatcher)

func WithMintInterval(d time.Duration) MintOption {
	return func(x *MintWatcher) {
		x.interval = d
	}
}

// NewMintWatcher starts watching from the block after the current head
func (uc *UseCase) NewMintWatcher(ctx context.Context, events MintEventReader, opts ...MintOption) (*MintWatcher, error) {
	head, err := events.LatestBlock(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get starting block")
	}

	x := &MintWatcher{
		uc:       uc,
		events:   events,
		interval: DefaultMintInterval,
		next:     head + 1,
		maxRange: defaultMaxBlockRange,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// DrainOnce embeds the assets minted since the previous drain
func (x *MintWatcher) DrainOnce(ctx context.Context) (*Report, error) {
	head, err := x.events.LatestBlock(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get latest block")
	}

	report := &Report{}
	if head < x.next {
		return report, nil
	}

	to := head
	if to-x.next+1 > x.maxRange {
		to = x.next + x.maxRange - 1
	}

	events, err := x.events.MintEvents(ctx, x.next, to)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read mint events",
			goerr.V("from", x.next),
			goerr.V("to", to))
	}
	x.next = to + 1

	assets := make([]*model.Asset, 0, len(events))
	for _, ev := range events {
		logger := logging.From(ctx).With("asset_id", ev.AssetID.String())
		logger.Info("asset minted", "owner", ev.Owner.Hex(), "block", ev.BlockNumber)

		uri, err := x.uc.assets.AssetURI(ctx, ev.AssetID)
		if err != nil {
			logger.Warn("failed to read asset uri", "error", err)
			report.Failed++
			continue
		}
		assets = append(assets, &model.Asset{ID: ev.AssetID, URI: uri, Owner: ev.Owner})
	}

	report.Listed = len(events)
	x.uc.embedAll(ctx, assets, report)
	return report, nil
}

// Run drains mint events every interval until ctx is cancelled
func (x *MintWatcher) Run(ctx context.Context) {
	logger := logging.From(ctx)
	logger.Info("mint watcher started", "interval", x.interval, "from_block", x.next)

	for {
		if ctx.Err() != nil {
			logger.Info("mint watcher stopped")
			return
		}

		if _, err := x.DrainOnce(ctx); err != nil {
			logger.Error("mint drain failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("mint watcher stopped")
			return
		case <-time.After(x.interval):
		}
	}
}
