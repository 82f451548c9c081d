// Package publication runs the winner publication wizard: collect winner
// wallets, write the announcement, preview, then create one escrow
// milestone per winner and publish the results.
package publication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"fundflow/native/funding"
	"fundflow/native/prize"
	"fundflow/native/wallet"
	"fundflow/observability"
	"fundflow/services/ledger"
)

const workflowName = "winner_publication"

type entry struct {
	winner  prize.Winner
	rank    int
	tier    prize.Tier
	hasTier bool
}

// Machine is the publication wizard of one escrow.
type Machine struct {
	escrow     Escrow
	entries    []entry
	deps       Collaborators
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.WorkflowMetrics
	instrument ledger.Instrument

	mu           sync.Mutex
	opened       bool
	step         Step
	addresses    map[string]string
	announcement string
	latched      bool
	payouts      []Payout
	winnerErrs   []*WinnerMilestoneError
	payoutsSaved bool
	busy         bool
	lastErr      error
	updatedAt    time.Time
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.WorkflowMetrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// New prepares the wizard for the given escrow. Tiers that resolve to the
// same rank or carry no positive amount are rejected; winners outside the
// tier range are ignored.
func New(escrow Escrow, winners []prize.Winner, tiers []prize.Tier, deps Collaborators, opts ...Option) (*Machine, error) {
	escrow.ContractID = strings.TrimSpace(escrow.ContractID)
	if escrow.ContractID == "" {
		return nil, errors.New("publication: escrow contract id required")
	}
	switch {
	case deps.Milestones == nil:
		return nil, errors.New("publication: milestone submitter required")
	case deps.Latch == nil:
		return nil, errors.New("publication: latch store required")
	case deps.Announcer == nil:
		return nil, errors.New("publication: announcement publisher required")
	}
	if _, err := prize.IndexTiers(tiers); err != nil {
		var dup *prize.DuplicateRankError
		if errors.As(err, &dup) || errors.Is(err, prize.ErrInvalidTier) {
			return nil, err
		}
	}
	eligible := prize.EligibleWinners(winners, len(tiers))
	entries := make([]entry, len(eligible))
	for i, w := range eligible {
		tier, ok := prize.FindTierForRank(tiers, *w.Rank)
		entries[i] = entry{winner: w, rank: *w.Rank, tier: tier, hasTier: ok}
	}
	m := &Machine{
		escrow:    escrow,
		entries:   entries,
		deps:      deps,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
		metrics:   observability.Workflow(),
		step:      StepWallets,
		addresses: make(map[string]string, len(entries)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", workflowName), slog.String("escrow_id", escrow.ContractID))
	m.instrument = ledger.NewInstrument("fundflow/services/publication", m.logger, m.metrics, m.now)
	m.updatedAt = m.now()
	return m, nil
}

// Open loads the persisted milestones latch and, when an inspector is
// configured, refreshes the funding status of the escrow. A set latch
// starts the wizard at the announcement step.
func (m *Machine) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.busy || m.opened {
		m.mu.Unlock()
		return nil
	}
	m.busy = true
	escrowID := m.escrow.ContractID
	m.mu.Unlock()

	var latched bool
	err := m.instrument.Call(ctx, ledger.OpLatch, m.attrs(), func(ctx context.Context) error {
		var callErr error
		latched, callErr = m.deps.Latch.MilestonesCreated(ctx, escrowID)
		return callErr
	})
	var state *ledger.EscrowState
	if err == nil && m.deps.Inspector != nil {
		err = m.instrument.Call(ctx, ledger.OpInspect, m.attrs(), func(ctx context.Context) error {
			var callErr error
			state, callErr = m.deps.Inspector.GetEscrow(ctx, escrowID)
			if callErr != nil {
				return callErr
			}
			if state == nil {
				return ledger.Malformed(ledger.OpInspect, "escrow state")
			}
			return nil
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if err != nil {
		m.lastErr = err
		m.touch()
		return err
	}
	if state != nil {
		m.escrow.Funded = state.Funded
		if m.escrow.Currency == "" {
			m.escrow.Currency = state.Currency
		}
	}
	m.opened = true
	m.lastErr = nil
	if latched {
		m.latched = true
		m.logger.Info("milestones already created; skipping wallets")
		m.transition(StepAnnouncement)
	}
	m.touch()
	return nil
}

// WalletEntry describes one eligible winner on the wallets step.
type WalletEntry struct {
	WinnerID    string `json:"winnerId"`
	Name        string `json:"name"`
	ProjectName string `json:"projectName"`
	Rank        int    `json:"rank"`
	Position    string `json:"position,omitempty"`
	HasTier     bool   `json:"hasTier"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Address     string `json:"address"`
	Valid       bool   `json:"valid"`
}

// WalletsReport is the wallets step view. Blocking lists the reasons the
// step cannot be completed.
type WalletsReport struct {
	Funded   bool          `json:"funded"`
	Entries  []WalletEntry `json:"entries"`
	Blocking []string      `json:"blocking,omitempty"`
}

// Wallets reports every eligible winner with its tier and address status.
func (m *Machine) Wallets() WalletsReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := WalletsReport{Funded: m.escrow.Funded, Entries: make([]WalletEntry, len(m.entries))}
	for i, e := range m.entries {
		addr := m.addresses[e.winner.ID]
		we := WalletEntry{
			WinnerID:    e.winner.ID,
			Name:        e.winner.Name,
			ProjectName: e.winner.ProjectName,
			Rank:        e.rank,
			HasTier:     e.hasTier,
			Address:     addr,
			Valid:       wallet.ValidAddress(addr),
		}
		if e.hasTier {
			we.Position = e.tier.Position
			we.Amount = funding.FormatAmount(e.tier.Amount)
			we.Currency = m.currency(e.tier)
		}
		report.Entries[i] = we
	}
	if err := m.checkWallets(); err != nil {
		for _, e := range unjoin(err) {
			report.Blocking = append(report.Blocking, e.Error())
		}
	}
	return report
}

// SetWalletAddress records the payout address of an eligible winner. An
// empty address clears it.
func (m *Machine) SetWalletAddress(winnerID, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	if m.latched {
		return ErrMilestonesLocked
	}
	if m.step != StepWallets {
		return fmt.Errorf("%w: wallets are edited on the %s step", ErrInvalidStep, StepWallets)
	}
	if !m.eligible(winnerID) {
		return fmt.Errorf("%w: %s", ErrUnknownWinner, winnerID)
	}
	addr = wallet.Normalize(addr)
	if addr == "" {
		delete(m.addresses, winnerID)
	} else {
		m.addresses[winnerID] = addr
	}
	m.touch()
	return nil
}

// CompleteWallets leaves the wallets step. It fails while the escrow is
// unfunded, when an eligible winner has no prize tier and when an eligible
// winner has no address. Malformed addresses do not block; those winners
// fail individually at publish.
func (m *Machine) CompleteWallets() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	if m.step != StepWallets {
		return fmt.Errorf("%w: complete wallets from %s", ErrInvalidStep, m.step)
	}
	if err := m.checkWallets(); err != nil {
		m.lastErr = err
		m.touch()
		return err
	}
	m.lastErr = nil
	m.transition(StepAnnouncement)
	return nil
}

// checkWallets must be called with mu held.
func (m *Machine) checkWallets() error {
	if !m.escrow.Funded {
		return ErrEscrowNotFunded
	}
	var missingTier *MissingPrizeTierError
	var incomplete *IncompleteWalletsError
	for _, e := range m.entries {
		if !e.hasTier {
			if missingTier == nil {
				missingTier = &MissingPrizeTierError{}
			}
			missingTier.Ranks = append(missingTier.Ranks, e.rank)
			missingTier.WinnerIDs = append(missingTier.WinnerIDs, e.winner.ID)
		}
		if m.addresses[e.winner.ID] == "" {
			if incomplete == nil {
				incomplete = &IncompleteWalletsError{}
			}
			incomplete.WinnerIDs = append(incomplete.WinnerIDs, e.winner.ID)
		}
	}
	switch {
	case missingTier != nil && incomplete != nil:
		return errors.Join(missingTier, incomplete)
	case missingTier != nil:
		return missingTier
	case incomplete != nil:
		return incomplete
	}
	return nil
}

// SetAnnouncement stores the announcement text.
func (m *Machine) SetAnnouncement(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepAnnouncement {
		return fmt.Errorf("%w: announcement is edited on the %s step", ErrInvalidStep, StepAnnouncement)
	}
	m.announcement = text
	m.touch()
	return nil
}

// CompleteAnnouncement moves to the preview once a message is present.
func (m *Machine) CompleteAnnouncement() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepAnnouncement {
		return fmt.Errorf("%w: complete announcement from %s", ErrInvalidStep, m.step)
	}
	if strings.TrimSpace(m.announcement) == "" {
		m.lastErr = ErrAnnouncementRequired
		return ErrAnnouncementRequired
	}
	m.lastErr = nil
	m.transition(StepPreview)
	return nil
}

// Back returns to the previous step. The wallets step cannot be revisited
// once milestones were created.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return fmt.Errorf("%w: publish in flight", ErrInvalidStep)
	}
	switch m.step {
	case StepPreview:
		m.transition(StepAnnouncement)
	case StepAnnouncement:
		if m.latched {
			return ErrMilestonesLocked
		}
		m.transition(StepWallets)
	default:
		return fmt.Errorf("%w: no step before %s", ErrInvalidStep, m.step)
	}
	return nil
}

// PreviewWinner is one resolved winner of the preview.
type PreviewWinner struct {
	WinnerID    string `json:"winnerId"`
	Name        string `json:"name"`
	ProjectName string `json:"projectName"`
	Rank        int    `json:"rank"`
	Position    string `json:"position"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Address     string `json:"address"`
	Valid       bool   `json:"valid"`
}

// PreviewReport is what will be published.
type PreviewReport struct {
	EscrowID string          `json:"escrowId"`
	Currency string          `json:"currency"`
	Message  string          `json:"message"`
	Winners  []PreviewWinner `json:"winners"`
}

// Preview resolves winners, amounts and the announcement text.
func (m *Machine) Preview() PreviewReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PreviewReport{
		EscrowID: m.escrow.ContractID,
		Currency: m.escrow.Currency,
		Message:  m.announcement,
		Winners:  m.previewWinners(),
	}
}

// previewWinners must be called with mu held.
func (m *Machine) previewWinners() []PreviewWinner {
	out := make([]PreviewWinner, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.hasTier {
			continue
		}
		addr := m.addresses[e.winner.ID]
		out = append(out, PreviewWinner{
			WinnerID:    e.winner.ID,
			Name:        e.winner.Name,
			ProjectName: e.winner.ProjectName,
			Rank:        e.rank,
			Position:    e.tier.Position,
			Amount:      funding.FormatAmount(e.tier.Amount),
			Currency:    m.currency(e.tier),
			Address:     addr,
			Valid:       wallet.ValidAddress(addr),
		})
	}
	return out
}

// PublishResult lists the per-winner milestone outcomes.
type PublishResult struct {
	Payouts   []Payout
	Errors    []*WinnerMilestoneError
	Announced bool
}

// Err joins the per-winner failures, nil when every milestone was created.
func (r PublishResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Publish claims the milestones latch, creates the winner milestones,
// persists the payouts, then publishes the announcement. Milestones are
// only created by the call that claims the latch; when another session
// holds it Publish returns ErrMilestonesLocked without submitting anything
// and a later Publish only announces. Winner failures are isolated and
// reported in the result. Any failure stays on the preview step;
// publishing again only repeats the steps that did not complete.
func (m *Machine) Publish(ctx context.Context) (PublishResult, error) {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		m.logger.Debug("publish ignored while in flight")
		return PublishResult{}, nil
	}
	if !m.opened {
		m.mu.Unlock()
		return PublishResult{}, ErrNotOpened
	}
	if m.step != StepPreview {
		step := m.step
		m.mu.Unlock()
		return PublishResult{}, fmt.Errorf("%w: publish from %s", ErrInvalidStep, step)
	}
	m.busy = true
	m.lastErr = nil
	latched := m.latched
	addresses := make(map[string]string, len(m.addresses))
	for k, v := range m.addresses {
		addresses[k] = v
	}
	escrowID := m.escrow.ContractID
	m.mu.Unlock()

	if !latched {
		var claimed bool
		err := m.instrument.Call(ctx, ledger.OpLatch, m.attrs(), func(ctx context.Context) error {
			var callErr error
			claimed, callErr = m.deps.Latch.ClaimMilestones(ctx, escrowID)
			return callErr
		})
		if err != nil {
			return m.finishPublish(err)
		}
		m.mu.Lock()
		m.latched = true
		m.mu.Unlock()
		if !claimed {
			m.logger.Warn("milestones claimed by another session; skipping creation")
			return m.finishPublish(fmt.Errorf("%w: claimed by another session", ErrMilestonesLocked))
		}

		payouts, winnerErrs := m.createMilestones(ctx, addresses)
		m.mu.Lock()
		m.payouts = payouts
		m.winnerErrs = winnerErrs
		m.mu.Unlock()
	}

	m.mu.Lock()
	needPayouts := !m.payoutsSaved && len(m.payouts) > 0 && m.deps.Payouts != nil
	payouts := append([]Payout(nil), m.payouts...)
	m.mu.Unlock()

	if needPayouts {
		err := m.instrument.Call(ctx, ledger.OpRecordPayout, m.attrs(), func(ctx context.Context) error {
			return m.deps.Payouts.RecordPayouts(ctx, escrowID, payouts)
		})
		if err != nil {
			return m.finishPublish(err)
		}
		m.mu.Lock()
		m.payoutsSaved = true
		m.mu.Unlock()
	}

	m.mu.Lock()
	announcement := Announcement{
		EscrowID:     escrowID,
		EngagementID: m.escrow.EngagementID,
		Message:      m.announcement,
		Winners:      m.previewWinners(),
		PublishedAt:  m.now(),
	}
	m.mu.Unlock()

	err := m.instrument.Call(ctx, ledger.OpAnnounce, m.attrs(), func(ctx context.Context) error {
		return m.deps.Announcer.PublishAnnouncement(ctx, announcement)
	})
	return m.finishPublish(err)
}

func (m *Machine) finishPublish(err error) (PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	result := PublishResult{
		Payouts: append([]Payout(nil), m.payouts...),
		Errors:  append([]*WinnerMilestoneError(nil), m.winnerErrs...),
	}
	if err != nil {
		m.lastErr = err
		m.touch()
		return result, err
	}
	result.Announced = true
	m.logger.Info("winners published",
		slog.Int("milestones", len(result.Payouts)-len(result.Errors)),
		slog.Int("failures", len(result.Errors)))
	m.transition(StepPublished)
	return result, nil
}

func (m *Machine) createMilestones(ctx context.Context, addresses map[string]string) ([]Payout, []*WinnerMilestoneError) {
	payouts := make([]Payout, 0, len(m.entries))
	var failures []*WinnerMilestoneError
	for _, e := range m.entries {
		receiver := wallet.Normalize(addresses[e.winner.ID])
		payout := Payout{WinnerID: e.winner.ID, Rank: e.rank, Receiver: receiver}
		if !e.hasTier {
			payout.Status = PayoutFailed
			werr := &WinnerMilestoneError{WinnerID: e.winner.ID, Receiver: receiver, Err: &MissingPrizeTierError{Ranks: []int{e.rank}, WinnerIDs: []string{e.winner.ID}}}
			payout.Error = werr.Error()
			payouts = append(payouts, payout)
			failures = append(failures, werr)
			m.metrics.RecordWinnerMilestone(string(PayoutFailed))
			continue
		}
		payout.Amount = funding.FormatAmount(e.tier.Amount)
		payout.Currency = m.currency(e.tier)
		if err := wallet.Validate(receiver); err != nil {
			payout.Status = PayoutInvalidAddress
			werr := &WinnerMilestoneError{WinnerID: e.winner.ID, Receiver: receiver, Err: err}
			payout.Error = werr.Error()
			payouts = append(payouts, payout)
			failures = append(failures, werr)
			m.metrics.RecordWinnerMilestone(string(PayoutInvalidAddress))
			m.logger.Warn("winner address invalid; milestone skipped", slog.String("winner_id", e.winner.ID))
			continue
		}
		payout.IdempotencyKey = ledger.MilestoneKey(m.escrow.ContractID, e.winner.ID, receiver, payout.Amount)
		submission := ledger.MilestoneSubmission{
			EscrowID:       m.escrow.ContractID,
			Description:    milestoneDescription(e),
			Amount:         payout.Amount,
			Receiver:       receiver,
			IdempotencyKey: payout.IdempotencyKey,
		}
		attrs := append(m.attrs(), attribute.String("fundflow.winner_id", e.winner.ID), attribute.Int("fundflow.rank", e.rank))
		err := m.instrument.Call(ctx, ledger.OpMilestone, attrs, func(ctx context.Context) error {
			resp, callErr := m.deps.Milestones.SubmitMilestone(ctx, submission)
			if callErr != nil {
				return callErr
			}
			if resp == nil || !resp.Success {
				msg := ""
				if resp != nil {
					msg = resp.Message
				}
				return ledger.Rejected(ledger.OpMilestone, msg)
			}
			return nil
		})
		if err != nil {
			payout.Status = PayoutFailed
			werr := &WinnerMilestoneError{WinnerID: e.winner.ID, Receiver: receiver, Err: err}
			payout.Error = ledger.UserMessage(err)
			failures = append(failures, werr)
			m.metrics.RecordWinnerMilestone(string(PayoutFailed))
		} else {
			payout.Status = PayoutCreated
			m.metrics.RecordWinnerMilestone(string(PayoutCreated))
		}
		payouts = append(payouts, payout)
	}
	return payouts, failures
}

func milestoneDescription(e entry) string {
	name := strings.TrimSpace(e.winner.Name)
	if project := strings.TrimSpace(e.winner.ProjectName); project != "" {
		name = fmt.Sprintf("%s (%s)", name, project)
	}
	return fmt.Sprintf("%s prize: %s", strings.TrimSpace(e.tier.Position), name)
}

// State is a read-only view of the wizard.
type State struct {
	Step              Step              `json:"step"`
	Escrow            Escrow            `json:"escrow"`
	Addresses         map[string]string `json:"addresses"`
	Announcement      string            `json:"announcement"`
	MilestonesCreated bool              `json:"milestonesCreated"`
	Payouts           []Payout          `json:"payouts,omitempty"`
	Publishing        bool              `json:"publishing"`
	Error             error             `json:"-"`
	ErrorKind         ledger.Kind       `json:"errorKind,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// State returns a snapshot of the wizard.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make(map[string]string, len(m.addresses))
	for k, v := range m.addresses {
		addrs[k] = v
	}
	st := State{
		Step:              m.step,
		Escrow:            m.escrow,
		Addresses:         addrs,
		Announcement:      m.announcement,
		MilestonesCreated: m.latched,
		Payouts:           append([]Payout(nil), m.payouts...),
		Publishing:        m.busy,
		Error:             m.lastErr,
		UpdatedAt:         m.updatedAt,
	}
	if m.lastErr != nil {
		var classified *ledger.Error
		if errors.As(m.lastErr, &classified) {
			st.ErrorKind = classified.Kind
			st.ErrorMessage = ledger.UserMessage(m.lastErr)
		} else {
			st.ErrorMessage = m.lastErr.Error()
		}
	}
	return st
}

func (m *Machine) eligible(winnerID string) bool {
	for _, e := range m.entries {
		if e.winner.ID == winnerID {
			return true
		}
	}
	return false
}

func (m *Machine) currency(t prize.Tier) string {
	if c := strings.TrimSpace(t.Currency); c != "" {
		return c
	}
	return m.escrow.Currency
}

// transition must be called with mu held.
func (m *Machine) transition(next Step) {
	from := m.step
	if err := ValidateTransition(from, next); err != nil {
		panic(err)
	}
	m.step = next
	m.touch()
	m.metrics.RecordTransition(workflowName, string(from), string(next))
	m.logger.Info("publication step", slog.String("from", string(from)), slog.String("to", string(next)))
}

func (m *Machine) touch() {
	m.updatedAt = m.now()
}

func (m *Machine) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fundflow.workflow", workflowName),
		attribute.String("fundflow.escrow_id", m.escrow.ContractID),
	}
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
