package publication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundflow/native/prize"
	"fundflow/native/wallet"
	"fundflow/services/ledger"
)

const (
	addrAda  = "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H"
	addrBo   = "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ"
	addrCleo = "GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7"
)

var testNow = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func rank(n int) *int { return &n }

func testTiers() []prize.Tier {
	return []prize.Tier{
		{Position: "1st", Amount: big.NewRat(5000, 1), Currency: "USDC"},
		{Position: "Second place", Amount: big.NewRat(3000, 1), Currency: "USDC"},
		{Position: "3", Amount: big.NewRat(1000, 1)},
	}
}

func testWinners() []prize.Winner {
	return []prize.Winner{
		{ID: "w-2", Name: "Bo", ProjectName: "Seedling", Rank: rank(2)},
		{ID: "w-1", Name: "Ada", ProjectName: "Lighthouse", Rank: rank(1)},
		{ID: "w-3", Name: "Cleo", ProjectName: "Relay", Rank: rank(3)},
		{ID: "w-9", Name: "Dev", ProjectName: "Late entry", Rank: rank(9)},
		{ID: "w-x", Name: "Unranked"},
	}
}

type fakeMilestones struct {
	mu    sync.Mutex
	subs  []ledger.MilestoneSubmission
	fail  map[string]error
	reply *ledger.MilestoneResponse
}

func (f *fakeMilestones) SubmitMilestone(_ context.Context, sub ledger.MilestoneSubmission) (*ledger.MilestoneResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	if err := f.fail[sub.Receiver]; err != nil {
		return nil, err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return &ledger.MilestoneResponse{Success: true}, nil
}

type fakeLatch struct {
	mu       sync.Mutex
	set      map[string]bool
	loadErr  error
	claimErr error
	claims   int
}

func (f *fakeLatch) MilestonesCreated(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return false, f.loadErr
	}
	return f.set[id], nil
}

func (f *fakeLatch) ClaimMilestones(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.set[id] {
		return false, nil
	}
	if f.set == nil {
		f.set = make(map[string]bool)
	}
	f.set[id] = true
	return true, nil
}

type fakeAnnouncer struct {
	err   error
	posts []Announcement
}

func (f *fakeAnnouncer) PublishAnnouncement(_ context.Context, a Announcement) error {
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, a)
	return nil
}

type fakePayouts struct {
	recorded map[string][]Payout
}

func (f *fakePayouts) RecordPayouts(_ context.Context, escrowID string, payouts []Payout) error {
	if f.recorded == nil {
		f.recorded = make(map[string][]Payout)
	}
	f.recorded[escrowID] = payouts
	return nil
}

type fakeInspector struct {
	state *ledger.EscrowState
}

func (f *fakeInspector) GetEscrow(context.Context, string) (*ledger.EscrowState, error) {
	return f.state, nil
}

type fixture struct {
	milestones *fakeMilestones
	latch      *fakeLatch
	announcer  *fakeAnnouncer
	payouts    *fakePayouts
}

func newFixture() *fixture {
	return &fixture{
		milestones: &fakeMilestones{},
		latch:      &fakeLatch{},
		announcer:  &fakeAnnouncer{},
		payouts:    &fakePayouts{},
	}
}

func (f *fixture) deps() Collaborators {
	return Collaborators{Milestones: f.milestones, Latch: f.latch, Announcer: f.announcer, Payouts: f.payouts}
}

func (f *fixture) open(t *testing.T, escrow Escrow, tiers []prize.Tier) *Machine {
	t.Helper()
	m, err := New(escrow, testWinners(), tiers, f.deps(),
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	return m
}

func fundedEscrow() Escrow {
	return Escrow{ContractID: "CESCROW1", EngagementID: "eng-1", Funded: true, Currency: "XLM"}
}

func toPreview(t *testing.T, m *Machine, addrs map[string]string) {
	t.Helper()
	for id, addr := range addrs {
		require.NoError(t, m.SetWalletAddress(id, addr))
	}
	require.NoError(t, m.CompleteWallets())
	require.NoError(t, m.SetAnnouncement("Congratulations to our winners!"))
	require.NoError(t, m.CompleteAnnouncement())
}

func TestUnfundedEscrowBlocksWallets(t *testing.T) {
	f := newFixture()
	escrow := fundedEscrow()
	escrow.Funded = false
	m := f.open(t, escrow, testTiers())
	for id, addr := range map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo} {
		require.NoError(t, m.SetWalletAddress(id, addr))
	}

	require.ErrorIs(t, m.CompleteWallets(), ErrEscrowNotFunded)
	require.Equal(t, StepWallets, m.State().Step)
	report := m.Wallets()
	require.False(t, report.Funded)
	require.Equal(t, []string{ErrEscrowNotFunded.Error()}, report.Blocking)
}

func TestInspectorRefreshesFunding(t *testing.T) {
	f := newFixture()
	escrow := fundedEscrow()
	escrow.Funded = false
	escrow.Currency = ""
	deps := f.deps()
	deps.Inspector = &fakeInspector{state: &ledger.EscrowState{ContractID: "CESCROW1", Funded: true, Currency: "USDC"}}
	m, err := New(escrow, testWinners(), testTiers(), deps, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))

	require.True(t, m.Wallets().Funded)
	require.Equal(t, "USDC", m.State().Escrow.Currency)
}

func TestWalletsReportsEligibleWinnersInRankOrder(t *testing.T) {
	f := newFixture()
	m := f.open(t, fundedEscrow(), testTiers())
	require.NoError(t, m.SetWalletAddress("w-2", "  bad-address "))

	report := m.Wallets()
	require.Len(t, report.Entries, 3)
	require.Equal(t, "w-1", report.Entries[0].WinnerID)
	require.Equal(t, "5000", report.Entries[0].Amount)
	require.Equal(t, "USDC", report.Entries[0].Currency)
	require.Equal(t, "XLM", report.Entries[2].Currency)
	require.Equal(t, "bad-address", report.Entries[1].Address)
	require.False(t, report.Entries[1].Valid)

	err := m.CompleteWallets()
	var incomplete *IncompleteWalletsError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, []string{"w-1", "w-3"}, incomplete.WinnerIDs)

	require.ErrorIs(t, m.SetWalletAddress("w-9", addrAda), ErrUnknownWinner)
}

func TestMissingTierBlocksWholeBatch(t *testing.T) {
	f := newFixture()
	tiers := []prize.Tier{
		{Position: "1st", Amount: big.NewRat(5000, 1)},
		{Position: "3rd", Amount: big.NewRat(1000, 1)},
		{Position: "4th", Amount: big.NewRat(500, 1)},
	}
	m := f.open(t, fundedEscrow(), tiers)
	for id, addr := range map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo} {
		require.NoError(t, m.SetWalletAddress(id, addr))
	}

	err := m.CompleteWallets()
	var missing *MissingPrizeTierError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []int{2}, missing.Ranks)
	require.Equal(t, StepWallets, m.State().Step)
	require.Empty(t, f.milestones.subs)
}

func TestDuplicateTierRanksRejected(t *testing.T) {
	f := newFixture()
	tiers := []prize.Tier{
		{Position: "1st", Amount: big.NewRat(5000, 1)},
		{Position: "First place", Amount: big.NewRat(4000, 1)},
	}
	_, err := New(fundedEscrow(), testWinners(), tiers, f.deps())
	var dup *prize.DuplicateRankError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, 1, dup.Rank)
}

func TestTierWithoutAmountRejected(t *testing.T) {
	f := newFixture()
	for name, amount := range map[string]*big.Rat{"missing": nil, "zero": new(big.Rat), "negative": big.NewRat(-5, 1)} {
		t.Run(name, func(t *testing.T) {
			tiers := testTiers()
			tiers[1].Amount = amount
			_, err := New(fundedEscrow(), testWinners(), tiers, f.deps())
			require.ErrorIs(t, err, prize.ErrInvalidTier)
			require.ErrorContains(t, err, "Second place")
		})
	}

	tiers := append(testTiers(), prize.Tier{Position: "Honourable mention", Amount: big.NewRat(100, 1)})
	_, err := New(fundedEscrow(), testWinners(), tiers, f.deps())
	require.NoError(t, err)
}

func TestPublishIsolatesInvalidAddress(t *testing.T) {
	f := newFixture()
	m := f.open(t, fundedEscrow(), testTiers())
	toPreview(t, m, map[string]string{"w-1": addrAda, "w-2": "GNOTANADDRESS", "w-3": addrCleo})

	result, err := m.Publish(context.Background())
	require.NoError(t, err)
	require.True(t, result.Announced)
	require.Len(t, f.milestones.subs, 2)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "w-2", result.Errors[0].WinnerID)
	require.ErrorIs(t, result.Err(), wallet.ErrInvalidAddress)

	first := f.milestones.subs[0]
	require.Equal(t, "CESCROW1", first.EscrowID)
	require.Equal(t, addrAda, first.Receiver)
	require.Equal(t, "5000", first.Amount)
	require.Equal(t, ledger.MilestoneKey("CESCROW1", "w-1", addrAda, "5000"), first.IdempotencyKey)
	require.Equal(t, "1000", f.milestones.subs[1].Amount)

	require.True(t, f.latch.set["CESCROW1"])
	require.Len(t, f.payouts.recorded["CESCROW1"], 3)
	require.Equal(t, PayoutInvalidAddress, f.payouts.recorded["CESCROW1"][1].Status)
	require.Len(t, f.announcer.posts, 1)
	require.Equal(t, StepPublished, m.State().Step)
}

func TestPublishIsolatesLedgerFailure(t *testing.T) {
	f := newFixture()
	f.milestones.fail = map[string]error{addrBo: &ledger.HTTPStatusError{StatusCode: 502}}
	m := f.open(t, fundedEscrow(), testTiers())
	toPreview(t, m, map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo})

	result, err := m.Publish(context.Background())
	require.NoError(t, err)
	require.Len(t, f.milestones.subs, 3)
	require.Len(t, result.Errors, 1)
	require.ErrorIs(t, result.Errors[0], ledger.ErrUnavailable)
	require.True(t, f.latch.set["CESCROW1"])
}

func TestAnnouncementRetryDoesNotRepeatMilestones(t *testing.T) {
	f := newFixture()
	f.announcer.err = &ledger.HTTPStatusError{StatusCode: 503}
	m := f.open(t, fundedEscrow(), testTiers())
	toPreview(t, m, map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo})

	_, err := m.Publish(context.Background())
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	st := m.State()
	require.Equal(t, StepPreview, st.Step)
	require.True(t, st.MilestonesCreated)
	require.Equal(t, ledger.KindUnavailable, st.ErrorKind)
	require.Len(t, f.milestones.subs, 3)

	f.announcer.err = nil
	result, err := m.Publish(context.Background())
	require.NoError(t, err)
	require.True(t, result.Announced)
	require.Len(t, f.milestones.subs, 3)
	require.Equal(t, 1, f.latch.claims)
	require.Equal(t, StepPublished, m.State().Step)
}

func TestLatchFailureSubmitsNothing(t *testing.T) {
	f := newFixture()
	f.latch.claimErr = errors.New("disk full")
	m := f.open(t, fundedEscrow(), testTiers())
	toPreview(t, m, map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo})

	_, err := m.Publish(context.Background())
	require.ErrorIs(t, err, ledger.ErrInternal)
	require.Empty(t, f.milestones.subs)
	require.Empty(t, f.announcer.posts)
	st := m.State()
	require.Equal(t, StepPreview, st.Step)
	require.False(t, st.MilestonesCreated)

	f.latch.claimErr = nil
	_, err = m.Publish(context.Background())
	require.NoError(t, err)
	require.Len(t, f.milestones.subs, 3)
	require.Equal(t, 2, f.latch.claims)
}

func TestConcurrentSessionsCreateMilestonesOnce(t *testing.T) {
	f := newFixture()
	addrs := map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo}
	first := f.open(t, fundedEscrow(), testTiers())
	second := f.open(t, fundedEscrow(), testTiers())
	toPreview(t, first, addrs)
	toPreview(t, second, addrs)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, m := range []*Machine{first, second} {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Publish(context.Background())
		}()
	}
	wg.Wait()

	require.Len(t, f.milestones.subs, 3)
	require.Equal(t, 2, f.latch.claims)
	require.Len(t, f.announcer.posts, 1)
	loser := first
	if errs[0] == nil {
		require.ErrorIs(t, errs[1], ErrMilestonesLocked)
		loser = second
	} else {
		require.ErrorIs(t, errs[0], ErrMilestonesLocked)
		require.NoError(t, errs[1])
	}
	st := loser.State()
	require.Equal(t, StepPreview, st.Step)
	require.True(t, st.MilestonesCreated)

	result, err := loser.Publish(context.Background())
	require.NoError(t, err)
	require.True(t, result.Announced)
	require.Empty(t, result.Payouts)
	require.Len(t, f.milestones.subs, 3)
	require.Equal(t, 2, f.latch.claims)
}

func TestReopenWithLatchSkipsWallets(t *testing.T) {
	f := newFixture()
	f.latch.set = map[string]bool{"CESCROW1": true}
	m := f.open(t, fundedEscrow(), testTiers())

	st := m.State()
	require.Equal(t, StepAnnouncement, st.Step)
	require.True(t, st.MilestonesCreated)
	require.ErrorIs(t, m.Back(), ErrMilestonesLocked)
	require.ErrorIs(t, m.SetWalletAddress("w-1", addrAda), ErrMilestonesLocked)

	require.NoError(t, m.SetAnnouncement("Results are in"))
	require.NoError(t, m.CompleteAnnouncement())
	_, err := m.Publish(context.Background())
	require.NoError(t, err)
	require.Empty(t, f.milestones.subs)
	require.Len(t, f.announcer.posts, 1)
	require.Equal(t, "Results are in", f.announcer.posts[0].Message)
}

func TestStepNavigation(t *testing.T) {
	f := newFixture()
	m := f.open(t, fundedEscrow(), testTiers())
	require.ErrorIs(t, m.Back(), ErrInvalidStep)
	_, err := m.Publish(context.Background())
	require.ErrorIs(t, err, ErrInvalidStep)

	for id, addr := range map[string]string{"w-1": addrAda, "w-2": addrBo, "w-3": addrCleo} {
		require.NoError(t, m.SetWalletAddress(id, addr))
	}
	require.NoError(t, m.CompleteWallets())
	require.ErrorIs(t, m.CompleteAnnouncement(), ErrAnnouncementRequired)
	require.NoError(t, m.SetAnnouncement("Hello"))
	require.NoError(t, m.CompleteAnnouncement())

	preview := m.Preview()
	require.Equal(t, "Hello", preview.Message)
	require.Len(t, preview.Winners, 3)
	require.Equal(t, 2, preview.Winners[1].Rank)

	require.NoError(t, m.Back())
	require.Equal(t, StepAnnouncement, m.State().Step)
	require.NoError(t, m.Back())
	require.Equal(t, StepWallets, m.State().Step)
}

func TestOperationsRequireOpen(t *testing.T) {
	f := newFixture()
	m, err := New(fundedEscrow(), testWinners(), testTiers(), f.deps())
	require.NoError(t, err)
	require.ErrorIs(t, m.SetWalletAddress("w-1", addrAda), ErrNotOpened)
	require.ErrorIs(t, m.CompleteWallets(), ErrNotOpened)

	f.latch.loadErr = context.DeadlineExceeded
	require.ErrorIs(t, m.Open(context.Background()), ledger.ErrUnavailable)
	require.ErrorIs(t, m.CompleteWallets(), ErrNotOpened)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StepWallets, StepAnnouncement))
	require.ErrorIs(t, ValidateTransition(StepWallets, StepPublished), ErrInvalidStep)
	require.NoError(t, ValidateTransition(StepPreview, StepPublished))
	require.ErrorIs(t, ValidateTransition(StepPublished, StepPreview), ErrInvalidStep)
}
