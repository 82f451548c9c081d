package escrowflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundflow/native/funding"
	"fundflow/services/ledger"
)

const signerAddr = "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H"

var testNow = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func testDraft() *funding.Draft {
	start := testNow.Add(day(10))
	return &funding.Draft{
		Title:         "Community solar",
		Category:      string(funding.CategoryEnvironment),
		Description:   "Rooftop panels for the community centre.",
		FundingAmount: big.NewRat(9000, 1),
		Milestones: []funding.Milestone{
			{Title: "Survey", StartDate: start, EndDate: start.Add(day(14))},
			{Title: "Install", StartDate: start.Add(day(14)), EndDate: start.Add(day(44))},
			{Title: "Report", StartDate: start.Add(day(44)), EndDate: start.Add(day(51))},
		},
		DistributeEqually: true,
		Team:              []funding.TeamMember{{Name: "Ada", Role: "Organizer"}},
		Contact:           funding.Contact{Email: "solar@example.org"},
	}
}

type fakeInitializer struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
	resp    *ledger.InitResponse
	err     error
	last    ledger.EscrowDeployment
}

func (f *fakeInitializer) InitializeEscrow(ctx context.Context, d ledger.EscrowDeployment) (*ledger.InitResponse, error) {
	f.calls.Add(1)
	f.last = d
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &ledger.InitResponse{Status: ledger.StatusSuccess, UnsignedTransaction: "AAAAunsigned"}, nil
}

type fakeWallet struct {
	addr  string
	calls int
	err   error
}

func (w *fakeWallet) Address() string { return w.addr }

func (w *fakeWallet) SignTransaction(_ context.Context, req ledger.SignRequest) (*ledger.SignResponse, error) {
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	return &ledger.SignResponse{SignedTransaction: "signed:" + req.UnsignedTransaction}, nil
}

type fakeSubmitter struct {
	calls int
	resp  *ledger.SubmitResponse
	err   error
}

func (f *fakeSubmitter) SubmitTransaction(context.Context, ledger.SubmitRequest) (*ledger.SubmitResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &ledger.SubmitResponse{Status: ledger.StatusSuccess, ContractID: "CESCROW1", TransactionHash: "abc123"}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []ledger.FundingRecord
	err     error
}

func (f *fakeRecorder) RecordFunding(_ context.Context, rec ledger.FundingRecord) (*ledger.RecordResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, rec)
	return &ledger.RecordResponse{Success: true}, nil
}

type harness struct {
	now      time.Time
	init     *fakeInitializer
	wallet   *fakeWallet
	submit   *fakeSubmitter
	recorder *fakeRecorder
	machine  *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:      testNow,
		init:     &fakeInitializer{},
		wallet:   &fakeWallet{addr: signerAddr},
		submit:   &fakeSubmitter{},
		recorder: &fakeRecorder{},
	}
	m, err := New(h.wallet, Collaborators{Initializer: h.init, Submitter: h.submit, Recorder: h.recorder},
		WithClock(func() time.Time { return h.now }),
		WithIDGenerator(func() string { return "eng-1" }),
		WithPlatformFee(1.5),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	h.machine = m
	return h
}

func TestSubmitMovesToSigning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))

	snap := h.machine.Snapshot()
	require.Equal(t, StateSigning, snap.State)
	require.Equal(t, "AAAAunsigned", snap.Deployment.UnsignedTransaction)
	require.Equal(t, "eng-1", h.init.last.EngagementID)
	require.Equal(t, ledger.SingleSignerRoles(signerAddr), h.init.last.Roles)
	require.Len(t, h.init.last.Milestones, 3)
	for _, ms := range h.init.last.Milestones {
		require.Equal(t, "3000", ms.Amount)
	}
	require.Equal(t, 1.5, h.init.last.PlatformFeePercent)
}

func TestSubmitValidationFailureStaysInForm(t *testing.T) {
	h := newHarness(t)
	draft := testDraft()
	draft.Milestones[1].EndDate = draft.Milestones[1].StartDate.Add(day(3))

	err := h.machine.Submit(context.Background(), draft)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, funding.ErrInvalidDraft)
	require.True(t, verr.Result.Has(funding.CodeDurationTooShort))

	snap := h.machine.Snapshot()
	require.Equal(t, StateForm, snap.State)
	require.NotNil(t, snap.Draft)
	require.Equal(t, "Community solar", snap.Draft.Title)
	require.NotEmpty(t, snap.Violations)
	require.Zero(t, h.init.calls.Load())
}

func TestSubmitRequiresAmountsWhenNotSplitEqually(t *testing.T) {
	h := newHarness(t)
	draft := testDraft()
	draft.DistributeEqually = false

	err := h.machine.Submit(context.Background(), draft)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for i := range draft.Milestones {
		require.Len(t, verr.Result.ByIndex(i), 1)
		require.Equal(t, funding.CodeAmountInvalid, verr.Result.ByIndex(i)[0].Code)
	}
	require.Equal(t, StateForm, h.machine.State())
	require.Zero(t, h.init.calls.Load())
}

func TestSubmitFailureReturnsToForm(t *testing.T) {
	h := newHarness(t)
	h.init.resp = &ledger.InitResponse{Status: ledger.StatusFailed, Message: "trustline missing"}

	err := h.machine.Submit(context.Background(), testDraft())
	require.ErrorIs(t, err, ledger.ErrRejected)
	snap := h.machine.Snapshot()
	require.Equal(t, StateForm, snap.State)
	require.Equal(t, ledger.KindRejected, snap.ErrorKind)
	require.NotNil(t, snap.Draft)

	h.init.resp = &ledger.InitResponse{Status: ledger.StatusSuccess}
	err = h.machine.Submit(context.Background(), testDraft())
	require.ErrorIs(t, err, ledger.ErrMalformedResponse)
	require.Equal(t, StateForm, h.machine.State())

	h.init.resp = nil
	h.init.err = context.DeadlineExceeded
	err = h.machine.Submit(context.Background(), testDraft())
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	require.Equal(t, StateForm, h.machine.State())
}

func TestSubmitRejectsInvalidSigner(t *testing.T) {
	h := newHarness(t)
	h.wallet.addr = "GSHORT"
	h.now = testNow.Add(time.Minute)
	require.ErrorIs(t, h.machine.Submit(context.Background(), testDraft()), ErrInvalidSigner)
	snap := h.machine.Snapshot()
	require.Equal(t, StateForm, snap.State)
	require.Equal(t, testNow.Add(time.Minute), snap.UpdatedAt)
	require.ErrorIs(t, snap.Error, ErrInvalidSigner)
	require.Zero(t, h.init.calls.Load())
}

func TestSubmitOnlyFromForm(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	require.ErrorIs(t, h.machine.Submit(context.Background(), testDraft()), ErrInvalidTransition)
	require.EqualValues(t, 1, h.init.calls.Load())
}

func TestReentrantSubmitIsNoop(t *testing.T) {
	h := newHarness(t)
	h.init.started = make(chan struct{}, 1)
	h.init.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.machine.Submit(context.Background(), testDraft()) }()
	<-h.init.started

	require.True(t, h.machine.Snapshot().Submitting)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	require.NoError(t, h.machine.Sign(context.Background()))

	close(h.init.release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, h.init.calls.Load())
	require.Equal(t, StateSigning, h.machine.State())
	require.Zero(t, h.wallet.calls)
}

func TestSignSubmitsAndPersists(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	require.NoError(t, h.machine.Sign(context.Background()))

	snap := h.machine.Snapshot()
	require.Equal(t, StateSuccess, snap.State)
	require.Equal(t, "CESCROW1", snap.Deployment.ContractID)
	require.Len(t, h.recorder.records, 1)
	rec := h.recorder.records[0]
	require.Equal(t, "CESCROW1", rec.ContractID)
	require.Equal(t, "CESCROW1", rec.EscrowAddress)
	require.Equal(t, "abc123", rec.TransactionHash)
	require.Equal(t, signerAddr, rec.Owner)
	require.Equal(t, "Community solar", rec.Draft.Title)
}

func TestSignUserCancelReturnsToSigning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	h.wallet.err = &ledger.SignerError{Reason: ledger.SignerRejected}

	err := h.machine.Sign(context.Background())
	require.ErrorIs(t, err, ledger.ErrUserCancelled)
	require.Equal(t, StateSigning, h.machine.State())
	require.Zero(t, h.submit.calls)

	h.wallet.err = nil
	require.NoError(t, h.machine.Sign(context.Background()))
	require.Equal(t, StateSuccess, h.machine.State())
	require.EqualValues(t, 1, h.init.calls.Load())
}

func TestConfirmingWithoutContractReturnsToSigning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	h.submit.resp = &ledger.SubmitResponse{Status: ledger.StatusSuccess}

	err := h.machine.Sign(context.Background())
	require.ErrorIs(t, err, ledger.ErrMalformedResponse)
	require.Equal(t, StateSigning, h.machine.State())
	require.Empty(t, h.recorder.records)

	h.submit.resp = nil
	h.submit.err = errors.New("connection reset")
	err = h.machine.Sign(context.Background())
	require.Error(t, err)
	require.Equal(t, StateSigning, h.machine.State())
	require.EqualValues(t, 1, h.init.calls.Load())
}

func TestPersistFailureKeepsContractAndRetries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	h.recorder.err = &ledger.HTTPStatusError{StatusCode: 503}

	err := h.machine.Sign(context.Background())
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	snap := h.machine.Snapshot()
	require.Equal(t, StateConfirming, snap.State)
	require.Equal(t, "CESCROW1", snap.Deployment.ContractID)
	require.False(t, snap.Submitting)

	h.recorder.err = nil
	require.NoError(t, h.machine.RetryPersist(context.Background()))
	require.Equal(t, StateSuccess, h.machine.State())
	require.Equal(t, 1, h.submit.calls)
	require.Len(t, h.recorder.records, 1)
}

func TestRetryPersistRequiresSubmittedEscrow(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.machine.RetryPersist(context.Background()), ErrInvalidTransition)
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t)
	h.init.started = make(chan struct{}, 1)
	h.init.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.machine.Submit(context.Background(), testDraft()) }()
	<-h.init.started
	require.NoError(t, h.machine.Cancel())
	close(h.init.release)

	require.ErrorIs(t, <-done, ErrAbandoned)
	require.Equal(t, StateAbandoned, h.machine.State())
	require.NoError(t, h.machine.Cancel())
}

func TestCancelAfterSuccessIsRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Submit(context.Background(), testDraft()))
	require.NoError(t, h.machine.Sign(context.Background()))
	require.ErrorIs(t, h.machine.Cancel(), ErrInvalidTransition)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StateForm, StateInitializing))
	require.ErrorIs(t, ValidateTransition(StateForm, StateSigning), ErrInvalidTransition)
	require.ErrorIs(t, ValidateTransition(StateForm, StateSuccess), ErrInvalidTransition)
	require.NoError(t, ValidateTransition(StateInitializing, StateSigning))
	require.NoError(t, ValidateTransition(StateInitializing, StateForm))
	require.ErrorIs(t, ValidateTransition(StateInitializing, StateConfirming), ErrInvalidTransition)
	require.NoError(t, ValidateTransition(StateConfirming, StateSigning))
	require.ErrorIs(t, ValidateTransition(StateSuccess, StateForm), ErrInvalidTransition)
	require.True(t, StateSuccess.Terminal())
	require.False(t, StateSigning.Terminal())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, Collaborators{})
	require.Error(t, err)
	_, err = New(&fakeWallet{addr: signerAddr}, Collaborators{Initializer: &fakeInitializer{}})
	require.Error(t, err)
}
