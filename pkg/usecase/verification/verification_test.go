package verification_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"github.com/m-mizutani/realia/pkg/policy"
	"github.com/m-mizutani/realia/pkg/repository"
	"github.com/m-mizutani/realia/pkg/usecase/verification"
)

var agentAddr = common.HexToAddress("0x00000000000000000000000000000000000000a0")

type mockVerifier struct {
	mu        sync.Mutex
	requests  map[model.RequestID]*model.VerificationRequest
	responded map[model.RequestID]bool
	revert    map[model.RequestID]bool
	waitErr   error

	submitted      []*model.Decision
	respondedCalls int
}

func newMockVerifier(ids ...model.RequestID) *mockVerifier {
	m := &mockVerifier{
		requests:  map[model.RequestID]*model.VerificationRequest{},
		responded: map[model.RequestID]bool{},
		revert:    map[model.RequestID]bool{},
	}
	for _, id := range ids {
		m.requests[id] = &model.VerificationRequest{ID: id, ImageURI: "ipfs://req-" + id.String()}
	}
	return m
}

func (m *mockVerifier) Address() common.Address { return agentAddr }

func (m *mockVerifier) PendingRequests(ctx context.Context) ([]*model.Candidate, error) {
	return nil, nil
}

func (m *mockVerifier) HasResponded(ctx context.Context, id model.RequestID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respondedCalls++
	return m.responded[id], nil
}

func (m *mockVerifier) GetRequest(ctx context.Context, id model.RequestID) (*model.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, errors.New("request not found")
	}
	return req, nil
}

func (m *mockVerifier) SubmitResponse(ctx context.Context, decision *model.Decision) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, decision)
	return common.BigToHash(new(big.Int).SetUint64(uint64(decision.RequestID) + 0x1000)), nil
}

func (m *mockVerifier) WaitReceipt(ctx context.Context, txHash common.Hash) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waitErr != nil {
		return nil, m.waitErr
	}

	id := model.RequestID(txHash.Big().Uint64() - 0x1000)
	success := !m.revert[id]
	if success {
		// the registry remembers the response once it is mined
		m.responded[id] = true
	}
	return &model.Receipt{TxHash: txHash, Success: success, BlockNumber: 10}, nil
}

func (m *mockVerifier) submittedIDs() []model.RequestID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]model.RequestID, 0, len(m.submitted))
	for _, d := range m.submitted {
		ids = append(ids, d.RequestID)
	}
	return ids
}

type mockEmbedder struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (m *mockEmbedder) EmbedURI(ctx context.Context, uri string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, uri)
	if m.fail[uri] {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{1, 0, 0}, nil
}

type mockSearcher struct {
	hits []*model.Hit
}

func (m *mockSearcher) Search(ctx context.Context, vector []float32, limit int) ([]*model.Hit, error) {
	return m.hits, nil
}

type staticDiscovery struct {
	candidates []*model.Candidate
	err        error
}

func (d *staticDiscovery) Next(ctx context.Context) ([]*model.Candidate, error) {
	return d.candidates, d.err
}

type mockRecorder struct {
	records []*model.DecisionRecord
}

func (m *mockRecorder) RecordDecision(ctx context.Context, record *model.DecisionRecord) error {
	m.records = append(m.records, record)
	return nil
}

func candidates(ids ...model.RequestID) []*model.Candidate {
	out := make([]*model.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.Candidate{ID: id})
	}
	return out
}

type fixture struct {
	verifier  *mockVerifier
	embedder  *mockEmbedder
	searcher  *mockSearcher
	discovery *staticDiscovery
	processed *repository.Memory
}

func newFixture(ids ...model.RequestID) *fixture {
	return &fixture{
		verifier:  newMockVerifier(ids...),
		embedder:  &mockEmbedder{fail: map[string]bool{}},
		searcher:  &mockSearcher{hits: []*model.Hit{{AssetID: 42, Score: 0.96}}},
		discovery: &staticDiscovery{candidates: candidates(ids...)},
		processed: repository.NewMemory(),
	}
}

func (f *fixture) useCase(opts ...verification.Option) *verification.UseCase {
	return f.useCaseWith(f.discovery, opts...)
}

func (f *fixture) useCaseWith(discovery verification.Discovery, opts ...verification.Option) *verification.UseCase {
	return verification.New(
		discovery,
		f.verifier,
		f.embedder,
		f.searcher,
		policy.NewThresholdClassifier(policy.DefaultThresholds()),
		f.processed,
		opts...,
	)
}

func TestRunOnceSubmitsDecision(t *testing.T) {
	f := newFixture(1)
	recorder := &mockRecorder{}
	uc := f.useCase(verification.WithRecorder(recorder))

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.NotEqual(t, report.TickID, "")
	gt.Equal(t, report.Discovered, 1)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeConfirmed)

	gt.A(t, f.verifier.submitted).Length(1)
	decision := f.verifier.submitted[0]
	gt.Equal(t, decision.Result, model.ResultVerified)
	gt.Equal(t, decision.MatchedAssetID, model.AssetID(42))

	gt.Equal(t, f.embedder.calls, []string{"ipfs://req-1"})

	gt.A(t, recorder.records).Length(1)
	gt.Equal(t, recorder.records[0].Agent, agentAddr)
	gt.True(t, recorder.records[0].Success)
}

func TestRunOnceIdempotentDedup(t *testing.T) {
	f := newFixture(1, 2)
	f.verifier.responded[2] = true
	uc := f.useCase()

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeConfirmed)
	gt.Equal(t, report.Outcomes[2], verification.OutcomeAlreadyResponded)
	gt.Equal(t, f.verifier.submittedIDs(), []model.RequestID{1})

	// already responded ids are not added to the local set
	marked, err := f.processed.Contains(context.Background(), 2)
	gt.NoError(t, err)
	gt.False(t, marked)

	// second tick: #1 is skipped locally and #2 by the registry
	report, err = uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeSkippedLocal)
	gt.Equal(t, report.Outcomes[2], verification.OutcomeAlreadyResponded)
	gt.Equal(t, report.Submitted(), 0)
	gt.Equal(t, f.verifier.submittedIDs(), []model.RequestID{1})
}

func TestRunOnceRespondedAfterRestart(t *testing.T) {
	f := newFixture(1)
	uc := f.useCase()

	_, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)

	// a fresh process has an empty local set; the registry check prevents a resubmission
	f.processed = repository.NewMemory()
	uc = f.useCase()

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeAlreadyResponded)
	gt.A(t, f.verifier.submitted).Length(1)
}

func TestRunOncePerItemIsolation(t *testing.T) {
	f := newFixture(1, 2, 3)
	f.embedder.fail["ipfs://req-2"] = true
	uc := f.useCase()

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeConfirmed)
	gt.Equal(t, report.Outcomes[2], verification.OutcomeFailed)
	gt.Equal(t, report.Outcomes[3], verification.OutcomeConfirmed)
	gt.Equal(t, f.verifier.submittedIDs(), []model.RequestID{1, 3})

	marked, err := f.processed.Contains(context.Background(), 2)
	gt.NoError(t, err)
	gt.False(t, marked)

	// #2 is picked up again once the embedding service recovers
	f.embedder.fail["ipfs://req-2"] = false
	report, err = uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[2], verification.OutcomeConfirmed)
	gt.Equal(t, f.verifier.submittedIDs(), []model.RequestID{1, 3, 2})
}

func TestRunOnceProcessedFlagAborts(t *testing.T) {
	f := newFixture(1)
	f.verifier.requests[1].Processed = true
	uc := f.useCase()

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeAlreadyProcessed)
	gt.A(t, f.verifier.submitted).Length(0)
	gt.A(t, f.embedder.calls).Length(0)
}

func TestRunOnceRevertKeepsEligible(t *testing.T) {
	f := newFixture(1)
	f.verifier.revert[1] = true
	uc := f.useCase()

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeReverted)

	marked, err := f.processed.Contains(context.Background(), 1)
	gt.NoError(t, err)
	gt.False(t, marked)

	f.verifier.revert[1] = false
	report, err = uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeConfirmed)
	gt.A(t, f.verifier.submitted).Length(2)
}

func TestRunOnceUnconfirmedNotSkipped(t *testing.T) {
	t.Run("mined later", func(t *testing.T) {
		f := newFixture(1)
		f.verifier.waitErr = errors.New("receipt timeout")

		report, err := f.useCase().RunOnce(context.Background())
		gt.NoError(t, err)
		gt.Equal(t, report.Outcomes[1], verification.OutcomeUnconfirmed)

		marked, err := f.processed.Contains(context.Background(), 1)
		gt.NoError(t, err)
		gt.False(t, marked)

		// the transaction lands after the timeout; a restarted loop sharing
		// the durable set learns it from the registry
		f.verifier.responded[1] = true
		report, err = f.useCase().RunOnce(context.Background())
		gt.NoError(t, err)
		gt.Equal(t, report.Outcomes[1], verification.OutcomeAlreadyResponded)
		gt.A(t, f.verifier.submitted).Length(1)
	})

	t.Run("dropped", func(t *testing.T) {
		f := newFixture(1)
		f.verifier.waitErr = errors.New("receipt timeout")

		report, err := f.useCase().RunOnce(context.Background())
		gt.NoError(t, err)
		gt.Equal(t, report.Outcomes[1], verification.OutcomeUnconfirmed)

		// the transaction never landed; the request is answered again
		f.verifier.waitErr = nil
		report, err = f.useCase().RunOnce(context.Background())
		gt.NoError(t, err)
		gt.Equal(t, report.Outcomes[1], verification.OutcomeConfirmed)
		gt.A(t, f.verifier.submitted).Length(2)

		marked, err := f.processed.Contains(context.Background(), 1)
		gt.NoError(t, err)
		gt.True(t, marked)
	})
}

func TestRunOnceEventModePerItemIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1, 2, 3)
	f.embedder.fail["ipfs://req-2"] = true

	events := &mockEvents{head: 10}
	discovery, err := verification.NewEventDiscovery(ctx, events)
	gt.NoError(t, err)
	uc := f.useCaseWith(discovery)

	events.head = 11
	events.events = []*interfaces.RequestEvent{
		{RequestID: 1, BlockNumber: 11},
		{RequestID: 2, BlockNumber: 11},
		{RequestID: 3, BlockNumber: 11},
	}

	report, err := uc.RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[1], verification.OutcomeConfirmed)
	gt.Equal(t, report.Outcomes[2], verification.OutcomeFailed)
	gt.Equal(t, report.Outcomes[3], verification.OutcomeConfirmed)

	// no new block; #2 is yielded again from the retry set
	f.embedder.fail["ipfs://req-2"] = false
	report, err = uc.RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Discovered, 1)
	gt.Equal(t, report.Outcomes[2], verification.OutcomeConfirmed)
	gt.Equal(t, f.verifier.submittedIDs(), []model.RequestID{1, 3, 2})

	report, err = uc.RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Discovered, 0)
}

func TestRunOnceEventModeRetriesUnconfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(5)
	f.verifier.waitErr = errors.New("receipt timeout")

	events := &mockEvents{head: 1}
	discovery, err := verification.NewEventDiscovery(ctx, events)
	gt.NoError(t, err)
	uc := f.useCaseWith(discovery)

	events.head = 2
	events.events = []*interfaces.RequestEvent{{RequestID: 5, BlockNumber: 2}}

	report, err := uc.RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[5], verification.OutcomeUnconfirmed)

	f.verifier.waitErr = nil
	f.verifier.responded[5] = true
	report, err = uc.RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, report.Outcomes[5], verification.OutcomeAlreadyResponded)
	gt.A(t, f.verifier.submitted).Length(1)
}

func TestRunOnceEmptySearch(t *testing.T) {
	f := newFixture(1)
	f.searcher.hits = nil
	uc := f.useCase()

	_, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.A(t, f.verifier.submitted).Length(1)
	gt.Equal(t, f.verifier.submitted[0].Result, model.ResultNotVerified)
	gt.Equal(t, f.verifier.submitted[0].MatchedAssetID, model.AssetID(0))
}

func TestRunOnceDiscoveryFailure(t *testing.T) {
	f := newFixture()
	f.discovery.err = errors.New("rpc unavailable")
	uc := f.useCase()

	_, err := uc.RunOnce(context.Background())
	gt.Error(t, err)
}

func TestRunOnceDuplicateCandidates(t *testing.T) {
	f := newFixture(1)
	f.discovery.candidates = candidates(1, 1, 1)
	uc := f.useCase(verification.WithConcurrency(3))

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Discovered, 1)
	gt.A(t, f.verifier.submitted).Length(1)
}

func TestRunOnceConcurrent(t *testing.T) {
	ids := []model.RequestID{1, 2, 3, 4, 5, 6, 7, 8}
	f := newFixture(ids...)
	f.embedder.fail["ipfs://req-4"] = true
	uc := f.useCase(verification.WithConcurrency(4))

	report, err := uc.RunOnce(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, report.Count(verification.OutcomeConfirmed), 7)
	gt.Equal(t, report.Count(verification.OutcomeFailed), 1)
	gt.A(t, f.verifier.submitted).Length(7)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(1)
	uc := f.useCase(verification.WithInterval(10 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		uc.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	gt.Equal(t, f.verifier.submittedIDs(), []model.RequestID{1})
}

type mockEvents struct {
	head   uint64
	events []*interfaces.RequestEvent
	err    error
	ranges [][2]uint64
}

func (m *mockEvents) LatestBlock(ctx context.Context) (uint64, error) {
	return m.head, nil
}

func (m *mockEvents) RequestEvents(ctx context.Context, from, to uint64) ([]*interfaces.RequestEvent, error) {
	m.ranges = append(m.ranges, [2]uint64{from, to})
	if m.err != nil {
		return nil, m.err
	}
	var out []*interfaces.RequestEvent
	for _, ev := range m.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestEventDiscovery(t *testing.T) {
	ctx := context.Background()
	events := &mockEvents{
		head: 100,
		events: []*interfaces.RequestEvent{
			{RequestID: 1, BlockNumber: 100},
			{RequestID: 2, BlockNumber: 101},
			{RequestID: 3, BlockNumber: 103},
		},
	}

	discovery, err := verification.NewEventDiscovery(ctx, events)
	gt.NoError(t, err)
	gt.Equal(t, discovery.Cursor(), uint64(101))

	// nothing new yet
	got, err := discovery.Next(ctx)
	gt.NoError(t, err)
	gt.A(t, got).Length(0)

	events.head = 103
	got, err = discovery.Next(ctx)
	gt.NoError(t, err)
	gt.A(t, got).Length(2)
	gt.Equal(t, got[0].ID, model.RequestID(2))
	gt.Equal(t, got[1].ID, model.RequestID(3))
	gt.Equal(t, discovery.Cursor(), uint64(104))

	// unsettled requests are yielded again without re-reading old blocks
	got, err = discovery.Next(ctx)
	gt.NoError(t, err)
	gt.A(t, got).Length(2)
	gt.A(t, events.ranges).Length(1)

	discovery.Settle(2)
	discovery.Settle(3)
	got, err = discovery.Next(ctx)
	gt.NoError(t, err)
	gt.A(t, got).Length(0)
}

func TestEventDiscoveryDedupsRepeatedEvents(t *testing.T) {
	ctx := context.Background()
	events := &mockEvents{head: 0}

	discovery, err := verification.NewEventDiscovery(ctx, events)
	gt.NoError(t, err)

	events.head = 2
	events.events = []*interfaces.RequestEvent{
		{RequestID: 9, BlockNumber: 1},
		{RequestID: 9, BlockNumber: 2},
	}
	got, err := discovery.Next(ctx)
	gt.NoError(t, err)
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].ID, model.RequestID(9))
}

func TestEventDiscoveryRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	events := &mockEvents{head: 10}

	discovery, err := verification.NewEventDiscovery(ctx, events)
	gt.NoError(t, err)

	events.head = 11
	events.events = []*interfaces.RequestEvent{{RequestID: 1, BlockNumber: 11}}
	_, err = discovery.Next(ctx)
	gt.NoError(t, err)

	events.head = 12
	events.err = errors.New("rpc down")
	_, err = discovery.Next(ctx)
	gt.Error(t, err)
	gt.Equal(t, discovery.Cursor(), uint64(12))

	// the retry set survives the failed read
	events.err = nil
	got, err := discovery.Next(ctx)
	gt.NoError(t, err)
	gt.Equal(t, events.ranges[len(events.ranges)-1], [2]uint64{12, 12})
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].ID, model.RequestID(1))
}

func TestEventDiscoveryMaxRange(t *testing.T) {
	ctx := context.Background()
	events := &mockEvents{head: 0}

	discovery, err := verification.NewEventDiscovery(ctx, events, verification.WithMaxBlockRange(5))
	gt.NoError(t, err)

	events.head = 20
	_, err = discovery.Next(ctx)
	gt.NoError(t, err)
	gt.Equal(t, events.ranges[0], [2]uint64{1, 5})
	gt.Equal(t, discovery.Cursor(), uint64(6))
}

type mockLister struct {
	candidates []*model.Candidate
	err        error
}

func (m *mockLister) PendingRequests(ctx context.Context) ([]*model.Candidate, error) {
	return m.candidates, m.err
}

func TestBatchDiscovery(t *testing.T) {
	lister := &mockLister{candidates: candidates(4, 5)}
	discovery := verification.NewBatchDiscovery(lister)

	got, err := discovery.Next(context.Background())
	gt.NoError(t, err)
	gt.A(t, got).Length(2)

	lister.err = errors.New("rpc down")
	_, err = discovery.Next(context.Background())
	gt.Error(t, err)
}
