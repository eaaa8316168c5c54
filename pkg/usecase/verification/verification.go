package verification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/policy"
	"github.com/m-mizutani/realia/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultConcurrency = 1
)

// Searcher is the part of the vector index the loop needs
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]*model.Hit, error)
}

// UseCase is the verification reconciliation loop. It discovers requests,
// skips those this agent already answered, classifies the rest by image
// similarity and submits the verdict on-chain.
type UseCase struct {
	discovery  Discovery
	verifier   interfaces.Verifier
	embedder   interfaces.URIEmbedder
	index      Searcher
	classifier policy.Classifier
	processed  interfaces.ProcessedSet
	recorder   interfaces.DecisionRecorder

	interval    time.Duration
	concurrency int
	topK        int
	now         func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

func WithInterval(d time.Duration) Option {
	return func(uc *UseCase) {
		uc.interval = d
	}
}

// WithConcurrency sets how many requests of one tick are processed at once.
// With 1 they are processed in discovery order.
func WithConcurrency(n int) Option {
	return func(uc *UseCase) {
		uc.concurrency = n
	}
}

func WithTopK(k int) Option {
	return func(uc *UseCase) {
		uc.topK = k
	}
}

// WithRecorder appends every submitted decision to an audit trail
func WithRecorder(r interfaces.DecisionRecorder) Option {
	return func(uc *UseCase) {
		uc.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a verification UseCase
func New(
	discovery Discovery,
	verifier interfaces.Verifier,
	embedder interfaces.URIEmbedder,
	index Searcher,
	classifier policy.Classifier,
	processed interfaces.ProcessedSet,
	opts ...Option,
) *UseCase {
	uc := &UseCase{
		discovery:   discovery,
		verifier:    verifier,
		embedder:    embedder,
		index:       index,
		classifier:  classifier,
		processed:   processed,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		topK:        policy.DefaultTopK,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	if uc.concurrency < 1 {
		uc.concurrency = 1
	}
	if uc.topK < 1 {
		uc.topK = policy.DefaultTopK
	}

	return uc
}

// Outcome is what happened to one candidate in a tick
type Outcome int

const (
	OutcomeSkippedLocal Outcome = iota
	OutcomeAlreadyResponded
	OutcomeAlreadyProcessed
	OutcomeConfirmed
	OutcomeReverted
	OutcomeUnconfirmed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkippedLocal:
		return "skipped_local"
	case OutcomeAlreadyResponded:
		return "already_responded"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	case OutcomeUnconfirmed:
		return "unconfirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the request needs no further attempt from this
// agent. Failed, reverted and unconfirmed requests are retried.
func (o Outcome) Settled() bool {
	switch o {
	case OutcomeSkippedLocal, OutcomeAlreadyResponded, OutcomeAlreadyProcessed, OutcomeConfirmed:
		return true
	default:
		return false
	}
}

// TickReport summarizes one reconciliation tick
type TickReport struct {
	TickID     string
	Discovered int
	Outcomes   map[model.RequestID]Outcome
}

// Count returns how many candidates ended with outcome o
func (r *TickReport) Count(o Outcome) int {
	n := 0
	for _, v := range r.Outcomes {
		if v == o {
			n++
		}
	}
	return n
}

// Submitted returns how many response transactions were sent in the tick
func (r *TickReport) Submitted() int {
	return r.Count(OutcomeConfirmed) + r.Count(OutcomeReverted) + r.Count(OutcomeUnconfirmed)
}

// Run performs a tick every interval until ctx is cancelled. Tick failures
// are logged and retried on the next interval.
func (uc *UseCase) Run(ctx context.Context) {
	logger := logging.From(ctx)
	logger.Info("verification loop started", "interval", uc.interval, "concurrency", uc.concurrency)

	for {
		if ctx.Err() != nil {
			logger.Info("verification loop stopped")
			return
		}

		if _, err := uc.RunOnce(ctx); err != nil {
			logger.Error("verification tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("verification loop stopped")
			return
		case <-time.After(uc.interval):
		}
	}
}

// RunOnce discovers candidates and drives each through the pipeline. Only a
// discovery failure is returned; per-request failures are logged and
// reported in the TickReport.
func (uc *UseCase) RunOnce(ctx context.Context) (*TickReport, error) {
	report := &TickReport{
		TickID:   uuid.NewString(),
		Outcomes: map[model.RequestID]Outcome{},
	}
	ctx, logger := logging.WithAttrs(ctx, "tick_id", report.TickID)

	candidates, err := uc.discovery.Next(ctx)
	if err != nil {
		return report, goerr.Wrap(err, "failed to discover requests", goerr.V("tick_id", report.TickID))
	}
	candidates = uniqueCandidates(candidates)
	report.Discovered = len(candidates)

	if len(candidates) > 0 {
		logger.Debug("discovered requests", "count", len(candidates))
	}

	var mu sync.Mutex
	record := func(id model.RequestID, o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		report.Outcomes[id] = o
	}

	var eg errgroup.Group
	eg.SetLimit(uc.concurrency)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if uc.concurrency == 1 {
			record(c.ID, uc.handle(ctx, c))
			continue
		}
		eg.Go(func() error {
			record(c.ID, uc.handle(ctx, c))
			return nil
		})
	}
	_ = eg.Wait()

	if settler, ok := uc.discovery.(Settler); ok {
		for id, o := range report.Outcomes {
			if o.Settled() {
				settler.Settle(id)
			}
		}
	}

	if report.Discovered > 0 {
		logger.Info("verification tick finished",
			"discovered", report.Discovered,
			"submitted", report.Submitted(),
			"confirmed", report.Count(OutcomeConfirmed),
			"failed", report.Count(OutcomeFailed)+report.Count(OutcomeReverted))
	}

	return report, nil
}

func uniqueCandidates(candidates []*model.Candidate) []*model.Candidate {
	seen := make(map[model.RequestID]struct{}, len(candidates))
	out := make([]*model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// handle runs one candidate and converts any error into a logged outcome
func (uc *UseCase) handle(ctx context.Context, c *model.Candidate) Outcome {
	ctx, logger := logging.WithAttrs(ctx, "request_id", c.ID.String())

	outcome, err := uc.process(ctx, c)
	if err != nil {
		logger.Warn("failed to process verification request", "outcome", outcome.String(), "error", err)
	}
	return outcome
}

func (uc *UseCase) process(ctx context.Context, c *model.Candidate) (Outcome, error) {
	logger := logging.From(ctx)

	marked, err := uc.processed.Contains(ctx, c.ID)
	if err != nil {
		logger.Warn("failed to read processed-set, falling back to on-chain check", "error", err)
	}
	if marked {
		return OutcomeSkippedLocal, nil
	}

	responded, err := uc.verifier.HasResponded(ctx, c.ID)
	if err != nil {
		return OutcomeFailed, goerr.Wrap(err, "failed to check response state")
	}
	if responded {
		return OutcomeAlreadyResponded, nil
	}

	logger.Info("processing verification request",
		"requester", c.Requester.Hex(),
		"response_count", c.ResponseCount)

	req, err := uc.verifier.GetRequest(ctx, c.ID)
	if err != nil {
		return OutcomeFailed, goerr.Wrap(err, "failed to get request record")
	}
	if req.Processed {
		logger.Info("request already processed on-chain")
		return OutcomeAlreadyProcessed, nil
	}

	uri := req.ImageURI
	if uri == "" {
		uri = c.ImageURI
	}
	if uri == "" {
		return OutcomeFailed, goerr.New("request has no image uri")
	}

	vector, err := uc.embedder.EmbedURI(ctx, uri)
	if err != nil {
		return OutcomeFailed, goerr.Wrap(err, "failed to embed request image", goerr.V("uri", uri))
	}

	hits, err := uc.index.Search(ctx, vector, uc.topK)
	if err != nil {
		return OutcomeFailed, goerr.Wrap(err, "failed to search similar assets")
	}

	decision, err := uc.classifier.Classify(ctx, c.ID, hits)
	if err != nil {
		return OutcomeFailed, goerr.Wrap(err, "failed to classify request")
	}

	logger.Info("classified request",
		"result", decision.Result.String(),
		"matched_asset_id", decision.MatchedAssetID.String(),
		"score", decision.Score,
		"hits", len(hits))

	txHash, err := uc.verifier.SubmitResponse(ctx, decision)
	if err != nil {
		return OutcomeFailed, goerr.Wrap(err, "failed to submit response")
	}

	// The transaction is out; finish the bookkeeping even if shutdown begins.
	ctx = context.WithoutCancel(ctx)

	if err := uc.processed.Mark(ctx, c.ID, txHash); err != nil {
		logger.Warn("failed to mark request as attempted", "error", err)
	}

	// An unconfirmed attempt stays pending in the processed-set, so the next
	// tick falls through to the on-chain response check.
	receipt, err := uc.verifier.WaitReceipt(ctx, txHash)
	if err != nil {
		return OutcomeUnconfirmed, goerr.Wrap(err, "failed to confirm response", goerr.V("tx_hash", txHash.Hex()))
	}

	uc.recordDecision(ctx, decision, receipt)

	if !receipt.Success {
		if err := uc.processed.Forget(ctx, c.ID); err != nil {
			logger.Warn("failed to unmark reverted request", "error", err)
		}
		return OutcomeReverted, goerr.New("response transaction reverted",
			goerr.V("tx_hash", txHash.Hex()),
			goerr.V("block", receipt.BlockNumber))
	}

	if err := uc.processed.Confirm(ctx, c.ID); err != nil {
		logger.Warn("failed to confirm request in processed-set", "error", err)
	}

	logger.Info("response confirmed",
		"tx_hash", txHash.Hex(),
		"block", receipt.BlockNumber,
		"result", decision.Result.String())
	return OutcomeConfirmed, nil
}

func (uc *UseCase) recordDecision(ctx context.Context, decision *model.Decision, receipt *model.Receipt) {
	if uc.recorder == nil {
		return
	}

	record := &model.DecisionRecord{
		Decision:  *decision,
		Agent:     uc.verifier.Address(),
		TxHash:    receipt.TxHash,
		Success:   receipt.Success,
		DecidedAt: uc.now().UTC(),
	}
	if err := uc.recorder.RecordDecision(ctx, record); err != nil {
		logging.From(ctx).Warn("failed to record decision", "error", err)
	}
}
