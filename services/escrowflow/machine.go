// Package escrowflow drives the deployment of an escrow for a new campaign:
// a validated draft is initialized as an escrow, signed by the operator's
// wallet, submitted to the ledger and finally persisted.
package escrowflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"fundflow/native/funding"
	"fundflow/native/wallet"
	"fundflow/observability"
	"fundflow/observability/logging"
	"fundflow/services/ledger"
)

const workflowName = "escrow_creation"

// Collaborators bundles the external services the machine drives.
type Collaborators struct {
	Initializer ledger.EscrowInitializer
	Submitter   ledger.TransactionSubmitter
	Recorder    ledger.FundingRecorder
}

func (c Collaborators) validate() error {
	switch {
	case c.Initializer == nil:
		return errors.New("escrowflow: escrow initializer required")
	case c.Submitter == nil:
		return errors.New("escrowflow: transaction submitter required")
	case c.Recorder == nil:
		return errors.New("escrowflow: funding recorder required")
	}
	return nil
}

// Machine is one escrow creation attempt. It is safe for concurrent use;
// overlapping calls while a collaborator call is in flight are no-ops.
type Machine struct {
	wallet     ledger.Wallet
	deps       Collaborators
	now        func() time.Time
	newID      func() string
	feePercent float64
	trustline  string
	owner      string
	logger     *slog.Logger
	metrics    *observability.WorkflowMetrics
	instrument ledger.Instrument

	mu         sync.Mutex
	state      State
	draft      *funding.Draft
	deployment *ledger.EscrowDeployment
	submission *ledger.SubmitResponse
	lastErr    error
	busy       bool
	updatedAt  time.Time
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock sets the clock used for validation and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator overrides engagement ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Machine) { m.newID = gen }
}

// WithPlatformFee sets the platform fee percentage of deployments.
func WithPlatformFee(percent float64) Option {
	return func(m *Machine) { m.feePercent = percent }
}

// WithTrustline sets the asset trustline address of deployments.
func WithTrustline(addr string) Option {
	return func(m *Machine) { m.trustline = strings.TrimSpace(addr) }
}

// WithOwner records the operator persisted with the funding record.
func WithOwner(owner string) Option {
	return func(m *Machine) { m.owner = strings.TrimSpace(owner) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.WorkflowMetrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// New builds a machine in the form state. The wallet is the signing
// capability of the creator; all escrow roles are bound to its address.
func New(w ledger.Wallet, deps Collaborators, opts ...Option) (*Machine, error) {
	if w == nil {
		return nil, errors.New("escrowflow: wallet required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		wallet:  w,
		deps:    deps,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		logger:  slog.Default(),
		metrics: observability.Workflow(),
		state:   StateForm,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", workflowName))
	m.instrument = ledger.NewInstrument("fundflow/services/escrowflow", m.logger, m.metrics, m.now)
	m.updatedAt = m.now()
	return m, nil
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State        State                    `json:"state"`
	Draft        *funding.Draft           `json:"draft,omitempty"`
	Deployment   *ledger.EscrowDeployment `json:"deployment,omitempty"`
	Submitting   bool                     `json:"submitting"`
	Error        error                    `json:"-"`
	ErrorKind    ledger.Kind              `json:"errorKind,omitempty"`
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	Violations   []funding.Violation      `json:"violations,omitempty"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// Snapshot returns the current state of the attempt.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		State:      m.state,
		Draft:      m.draft.Clone(),
		Deployment: m.deployment.Clone(),
		Submitting: m.busy,
		Error:      m.lastErr,
		UpdatedAt:  m.updatedAt,
	}
	if m.lastErr != nil {
		var verr *ValidationError
		if errors.As(m.lastErr, &verr) {
			snap.Violations = verr.Result.Violations
			snap.ErrorMessage = "The draft has validation errors."
		} else {
			snap.ErrorKind = ledger.KindOf(m.lastErr)
			snap.ErrorMessage = ledger.UserMessage(m.lastErr)
		}
	}
	return snap
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Submit validates the draft and requests escrow initialization. On
// success the machine waits in signing; on failure it returns to form with
// the draft retained. Calling Submit while an attempt is in flight does
// nothing.
func (m *Machine) Submit(ctx context.Context, draft *funding.Draft) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		m.logger.Debug("submit ignored while attempt in flight")
		return nil
	}
	if m.state != StateForm {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, state)
	}
	if draft == nil {
		m.mu.Unlock()
		return ErrDraftRequired
	}
	m.draft = draft.Clone()
	if res := funding.ValidateDraft(m.draft, m.now()); !res.OK() {
		m.lastErr = &ValidationError{Result: res}
		m.touch()
		err := m.lastErr
		m.mu.Unlock()
		return err
	}
	signer := wallet.Normalize(m.wallet.Address())
	if !wallet.ValidAddress(signer) {
		m.lastErr = ErrInvalidSigner
		m.touch()
		m.mu.Unlock()
		return ErrInvalidSigner
	}
	m.deployment = buildDeployment(m.newID(), signer, m.draft, m.feePercent, m.trustline)
	m.submission = nil
	m.lastErr = nil
	m.busy = true
	m.transition(StateInitializing)
	request := m.deployment.Clone()
	m.mu.Unlock()

	var resp *ledger.InitResponse
	err := m.instrument.Call(ctx, ledger.OpInitialize, m.attrs(request.EngagementID), func(ctx context.Context) error {
		var callErr error
		resp, callErr = m.deps.Initializer.InitializeEscrow(ctx, *request)
		if callErr != nil {
			return callErr
		}
		switch {
		case resp == nil:
			return ledger.Malformed(ledger.OpInitialize, "response")
		case !resp.Status.OK():
			return ledger.Rejected(ledger.OpInitialize, resp.Message)
		case strings.TrimSpace(resp.UnsignedTransaction) == "":
			return ledger.Malformed(ledger.OpInitialize, "unsigned transaction")
		}
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if m.state != StateInitializing {
		return ErrAbandoned
	}
	if err != nil {
		m.lastErr = err
		m.transition(StateForm)
		return err
	}
	m.deployment.UnsignedTransaction = resp.UnsignedTransaction
	m.logger.Info("escrow initialized",
		slog.String("engagement_id", m.deployment.EngagementID),
		logging.MaskField("unsigned_transaction", resp.UnsignedTransaction))
	m.transition(StateSigning)
	return nil
}

// Sign asks the wallet to sign the deployment transaction and submits it.
// It must be triggered by the operator. Signing or submission failures
// return to signing without repeating the deployment; a successful
// submission is persisted before the machine reaches success.
func (m *Machine) Sign(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		m.logger.Debug("sign ignored while attempt in flight")
		return nil
	}
	if m.state != StateSigning {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: sign from %s", ErrInvalidTransition, state)
	}
	engagementID := m.deployment.EngagementID
	unsigned := m.deployment.UnsignedTransaction
	signer := m.deployment.Roles.ReleaseSigner
	m.busy = true
	m.lastErr = nil
	m.transition(StateConfirming)
	m.mu.Unlock()

	var signed string
	err := m.instrument.Call(ctx, ledger.OpSign, m.attrs(engagementID), func(ctx context.Context) error {
		resp, callErr := m.wallet.SignTransaction(ctx, ledger.SignRequest{UnsignedTransaction: unsigned, SignerAddress: signer})
		if callErr != nil {
			return callErr
		}
		if resp == nil || strings.TrimSpace(resp.SignedTransaction) == "" {
			return ledger.Malformed(ledger.OpSign, "signed transaction")
		}
		signed = resp.SignedTransaction
		return nil
	})
	if err != nil {
		return m.failBackToSigning(err)
	}

	var submission *ledger.SubmitResponse
	err = m.instrument.Call(ctx, ledger.OpSubmit, m.attrs(engagementID), func(ctx context.Context) error {
		var callErr error
		submission, callErr = m.deps.Submitter.SubmitTransaction(ctx, ledger.SubmitRequest{SignedTransaction: signed})
		if callErr != nil {
			return callErr
		}
		switch {
		case submission == nil:
			return ledger.Malformed(ledger.OpSubmit, "response")
		case !submission.Status.OK():
			return ledger.Rejected(ledger.OpSubmit, submission.Message)
		case strings.TrimSpace(submission.ContractID) == "":
			return ledger.Malformed(ledger.OpSubmit, "contract identifier")
		}
		return nil
	})
	if err != nil {
		return m.failBackToSigning(err)
	}

	m.mu.Lock()
	if m.state != StateConfirming {
		m.busy = false
		m.mu.Unlock()
		m.logger.Warn("escrow submitted after attempt was abandoned", slog.String("contract_id", submission.ContractID))
		return ErrAbandoned
	}
	m.deployment.ContractID = strings.TrimSpace(submission.ContractID)
	m.deployment.TransactionHash = strings.TrimSpace(submission.TransactionHash)
	m.submission = submission
	m.mu.Unlock()

	return m.persist(ctx)
}

// RetryPersist re-issues funding record persistence after the escrow was
// submitted but the record could not be saved.
func (m *Machine) RetryPersist(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateConfirming || m.deployment == nil || m.deployment.ContractID == "" {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: persist from %s", ErrInvalidTransition, state)
	}
	m.busy = true
	m.lastErr = nil
	m.mu.Unlock()
	return m.persist(ctx)
}

// persist must be called with busy set and a contract identifier latched.
func (m *Machine) persist(ctx context.Context) error {
	m.mu.Lock()
	escrowAddress := strings.TrimSpace(m.submission.EscrowAddress)
	if escrowAddress == "" {
		escrowAddress = m.deployment.ContractID
	}
	owner := m.owner
	if owner == "" {
		owner = m.deployment.Roles.Approver
	}
	record := ledger.FundingRecord{
		EngagementID:    m.deployment.EngagementID,
		Owner:           owner,
		Draft:           m.draft.Clone(),
		ContractID:      m.deployment.ContractID,
		EscrowAddress:   escrowAddress,
		TransactionHash: m.deployment.TransactionHash,
	}
	m.mu.Unlock()

	err := m.instrument.Call(ctx, ledger.OpPersist, m.attrs(record.EngagementID), func(ctx context.Context) error {
		resp, callErr := m.deps.Recorder.RecordFunding(ctx, record)
		if callErr != nil {
			return callErr
		}
		if resp == nil || !resp.Success {
			msg := ""
			if resp != nil {
				msg = resp.Message
			}
			return ledger.Rejected(ledger.OpPersist, msg)
		}
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if m.state != StateConfirming {
		return ErrAbandoned
	}
	if err != nil {
		// The escrow exists on the ledger; stay in confirming so only the
		// record is retried.
		m.lastErr = err
		m.touch()
		return err
	}
	m.logger.Info("escrow deployed",
		slog.String("engagement_id", record.EngagementID),
		slog.String("contract_id", record.ContractID))
	m.transition(StateSuccess)
	return nil
}

// Cancel abandons the attempt. Side effects already applied on the ledger
// are not rolled back.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAbandoned {
		return nil
	}
	if err := ValidateTransition(m.state, StateAbandoned); err != nil {
		return err
	}
	if m.deployment != nil && m.deployment.UnsignedTransaction != "" && m.deployment.ContractID == "" {
		m.logger.Info("abandoning initialized escrow", slog.String("engagement_id", m.deployment.EngagementID))
	}
	m.transition(StateAbandoned)
	return nil
}

func (m *Machine) failBackToSigning(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if m.state != StateConfirming {
		return ErrAbandoned
	}
	m.lastErr = err
	m.transition(StateSigning)
	return err
}

// transition must be called with mu held.
func (m *Machine) transition(next State) {
	from := m.state
	if err := ValidateTransition(from, next); err != nil {
		// Callers check the source state first; reaching this is a bug.
		panic(err)
	}
	m.state = next
	m.touch()
	m.metrics.RecordTransition(workflowName, string(from), string(next))
	attrs := []any{slog.String("from", string(from)), slog.String("to", string(next))}
	if m.deployment != nil {
		attrs = append(attrs, slog.String("engagement_id", m.deployment.EngagementID))
	}
	m.logger.Info("escrow workflow transition", attrs...)
}

func (m *Machine) touch() {
	m.updatedAt = m.now()
}

func (m *Machine) attrs(engagementID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fundflow.workflow", workflowName),
		attribute.String("fundflow.engagement_id", engagementID),
	}
}
