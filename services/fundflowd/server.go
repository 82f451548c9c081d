package fundflowd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"fundflow/native/funding"
	"fundflow/native/prize"
	"fundflow/observability"
	"fundflow/services/escrowflow"
	"fundflow/services/fundflowd/store"
	"fundflow/services/ledger"
	"fundflow/services/publication"
)

const (
	maxBodyBytes = 1 << 20
	// publishTimeout bounds a publish batch once it no longer follows the
	// request context.
	publishTimeout = 5 * time.Minute
)

// Ledger is the escrow ledger as seen by the daemon.
type Ledger interface {
	ledger.EscrowInitializer
	ledger.TransactionSubmitter
	ledger.MilestoneSubmitter
	ledger.EscrowInspector
}

// Persistence is the backend store as seen by the daemon.
type Persistence interface {
	ledger.FundingRecorder
	publication.LatchStore
	publication.AnnouncementPublisher
	publication.PayoutRecorder
	Funding(ctx context.Context, contractID string) (*store.FundingRecord, error)
	Payouts(ctx context.Context, contractID string) ([]publication.Payout, error)
	Announcement(ctx context.Context, contractID string) (*publication.Announcement, error)
	Ping(ctx context.Context) error
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Ledger     Ledger
	Store      Persistence
	Auth       *Authenticator
	Escrow     EscrowConfig
	RateLimit  RateLimitConfig
	SessionTTL time.Duration
	Logger     *slog.Logger
	Metrics    *observability.WorkflowMetrics
	Now        func() time.Time
}

// Server exposes both funding workflows to authenticated operators.
type Server struct {
	ledger   Ledger
	store    Persistence
	auth     *Authenticator
	escrow   EscrowConfig
	logger   *slog.Logger
	metrics  *observability.WorkflowMetrics
	now      func() time.Time
	sessions *registry

	limit    RateLimitConfig
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	router http.Handler
}

// NewServer validates the dependencies and builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("fundflowd: ledger client required")
	case cfg.Store == nil:
		return nil, errors.New("fundflowd: store required")
	case cfg.Auth == nil:
		return nil, errors.New("fundflowd: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Workflow()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	s := &Server{
		ledger:   cfg.Ledger,
		store:    cfg.Store,
		auth:     cfg.Auth,
		escrow:   cfg.Escrow,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		sessions: newRegistry(cfg.SessionTTL, cfg.Now, cfg.Metrics),
		limit:    cfg.RateLimit,
		limiters: make(map[string]*rate.Limiter),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.rateLimit)

		api.Post("/campaigns", s.createCampaign)
		api.Route("/campaigns/{id}", func(c chi.Router) {
			c.Get("/", s.getCampaign)
			c.Put("/draft", s.resubmitCampaign)
			c.Post("/sign", s.signCampaign)
			c.Post("/persist", s.persistCampaign)
			c.Delete("/", s.cancelCampaign)
		})

		api.Post("/publications", s.createPublication)
		api.Route("/publications/{id}", func(p chi.Router) {
			p.Get("/", s.getPublication)
			p.Put("/wallets/{winnerID}", s.setWallet)
			p.Post("/wallets/complete", s.completeWallets)
			p.Put("/announcement", s.setAnnouncement)
			p.Post("/announcement/complete", s.completeAnnouncement)
			p.Get("/preview", s.preview)
			p.Post("/back", s.back)
			p.Post("/publish", s.publish)
			p.Delete("/", s.closePublication)
		})

		api.Get("/escrows/{contractID}/results", s.results)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, _ := OperatorFromContext(r.Context())
		if s.limit.RequestsPerSecond > 0 && !s.limiterFor(op.Subject).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(subject string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	limiter, ok := s.limiters[subject]
	if !ok {
		burst := s.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.limit.RequestsPerSecond), burst)
		s.limiters[subject] = limiter
	}
	return limiter
}

// campaigns

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	op, _ := OperatorFromContext(r.Context())
	var req draftPayload
	if !decode(w, r, &req) {
		return
	}
	machine, err := escrowflow.New(operatorSigner{address: op.Wallet}, escrowflow.Collaborators{
		Initializer: s.ledger,
		Submitter:   s.ledger,
		Recorder:    s.store,
	},
		escrowflow.WithOwner(op.Subject),
		escrowflow.WithPlatformFee(s.escrow.PlatformFeePercent),
		escrowflow.WithTrustline(s.escrow.TrustlineAddress),
		escrowflow.WithClock(s.now),
		escrowflow.WithLogger(s.logger),
		escrowflow.WithMetrics(s.metrics),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	session := s.sessions.addCampaign(op.Subject, machine)
	err = machine.Submit(r.Context(), req.toDraft(s.escrow.Currency))
	s.respondCampaign(w, session, err, http.StatusCreated)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	session, ok := s.campaignSession(w, r)
	if !ok {
		return
	}
	s.respondCampaign(w, session, nil, http.StatusOK)
}

func (s *Server) resubmitCampaign(w http.ResponseWriter, r *http.Request) {
	session, ok := s.campaignSession(w, r)
	if !ok {
		return
	}
	var req draftPayload
	if !decode(w, r, &req) {
		return
	}
	err := session.machine.Submit(r.Context(), req.toDraft(s.escrow.Currency))
	s.respondCampaign(w, session, err, http.StatusOK)
}

func (s *Server) signCampaign(w http.ResponseWriter, r *http.Request) {
	session, ok := s.campaignSession(w, r)
	if !ok {
		return
	}
	var req signPayload
	if !decode(w, r, &req) {
		return
	}
	ctx := withSignature(r.Context(), signature{signed: req.SignedTransaction, rejected: req.Rejected})
	err := session.machine.Sign(ctx)
	s.respondCampaign(w, session, err, http.StatusOK)
}

func (s *Server) persistCampaign(w http.ResponseWriter, r *http.Request) {
	session, ok := s.campaignSession(w, r)
	if !ok {
		return
	}
	err := session.machine.RetryPersist(r.Context())
	s.respondCampaign(w, session, err, http.StatusOK)
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	session, ok := s.campaignSession(w, r)
	if !ok {
		return
	}
	err := session.machine.Cancel()
	s.respondCampaign(w, session, err, http.StatusOK)
}

func (s *Server) campaignSession(w http.ResponseWriter, r *http.Request) (*campaignSession, bool) {
	op, _ := OperatorFromContext(r.Context())
	session, ok := s.sessions.campaign(chi.URLParam(r, "id"), op.Subject)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "campaign session not found")
	}
	return session, ok
}

func (s *Server) respondCampaign(w http.ResponseWriter, session *campaignSession, err error, okStatus int) {
	status := okStatus
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, newCampaignView(session.id, session.machine.Snapshot()))
}

// publications

func (s *Server) createPublication(w http.ResponseWriter, r *http.Request) {
	op, _ := OperatorFromContext(r.Context())
	var req publicationPayload
	if !decode(w, r, &req) {
		return
	}
	tiers, err := req.tiers()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_tiers", err.Error())
		return
	}
	record, err := s.store.Funding(r.Context(), req.Escrow.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "escrow has no funding record")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load funding record")
		return
	}
	if record.Owner != op.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "escrow belongs to another operator")
		return
	}
	escrow := req.Escrow
	escrow.EngagementID = record.EngagementID
	if escrow.Currency == "" {
		escrow.Currency = record.Currency
	}
	machine, err := publication.New(escrow, req.Winners, tiers, publication.Collaborators{
		Milestones: s.ledger,
		Latch:      s.store,
		Announcer:  s.store,
		Payouts:    s.store,
		Inspector:  s.ledger,
	},
		publication.WithClock(s.now),
		publication.WithLogger(s.logger),
		publication.WithMetrics(s.metrics),
	)
	if err != nil {
		writeError(w, statusFor(err), "invalid_publication", err.Error())
		return
	}
	if err := machine.Open(r.Context()); err != nil {
		writeError(w, statusFor(err), string(ledger.KindOf(err)), ledger.UserMessage(err))
		return
	}
	session, err := s.sessions.addPublication(op.Subject, machine)
	if err != nil {
		writeError(w, statusFor(err), "publication_open", err.Error())
		return
	}
	s.respondPublication(w, session, nil, http.StatusCreated)
}

func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	s.respondPublication(w, session, nil, http.StatusOK)
}

func (s *Server) setWallet(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	var req walletPayload
	if !decode(w, r, &req) {
		return
	}
	err := session.machine.SetWalletAddress(chi.URLParam(r, "winnerID"), req.Address)
	s.respondPublication(w, session, err, http.StatusOK)
}

func (s *Server) completeWallets(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	s.respondPublication(w, session, session.machine.CompleteWallets(), http.StatusOK)
}

func (s *Server) setAnnouncement(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	var req announcementPayload
	if !decode(w, r, &req) {
		return
	}
	s.respondPublication(w, session, session.machine.SetAnnouncement(req.Message), http.StatusOK)
}

func (s *Server) completeAnnouncement(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	s.respondPublication(w, session, session.machine.CompleteAnnouncement(), http.StatusOK)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.machine.Preview())
}

func (s *Server) back(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	s.respondPublication(w, session, session.machine.Back(), http.StatusOK)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	session, ok := s.publicationSession(w, r)
	if !ok {
		return
	}
	// A client disconnect must not abort the batch between milestones.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), publishTimeout)
	defer cancel()
	result, err := session.machine.Publish(ctx)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	view := publishView{publicationView: s.publicationView(session)}
	for _, failure := range result.Errors {
		view.Failures = append(view.Failures, winnerFailure{
			WinnerID: failure.WinnerID,
			Receiver: failure.Receiver,
			Reason:   failureReason(failure),
		})
	}
	writeJSON(w, status, view)
}

func (s *Server) closePublication(w http.ResponseWriter, r *http.Request) {
	op, _ := OperatorFromContext(r.Context())
	found, err := s.sessions.closePublication(chi.URLParam(r, "id"), op.Subject)
	switch {
	case !found:
		writeError(w, http.StatusNotFound, "not_found", "publication session not found")
	case err != nil:
		writeError(w, statusFor(err), "publishing", err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) publicationSession(w http.ResponseWriter, r *http.Request) (*publicationSession, bool) {
	op, _ := OperatorFromContext(r.Context())
	session, ok := s.sessions.publication(chi.URLParam(r, "id"), op.Subject)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "publication session not found")
	}
	return session, ok
}

func (s *Server) publicationView(session *publicationSession) publicationView {
	return publicationView{
		ID:      session.id,
		State:   session.machine.State(),
		Wallets: session.machine.Wallets(),
	}
}

func (s *Server) respondPublication(w http.ResponseWriter, session *publicationSession, err error, okStatus int) {
	status := okStatus
	view := s.publicationView(session)
	if err != nil {
		status = statusFor(err)
		if view.State.ErrorMessage == "" {
			view.State.ErrorMessage = err.Error()
		}
	}
	writeJSON(w, status, view)
}

// results returns the stored campaign, payouts and announcement of an
// escrow owned by the caller.
func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	op, _ := OperatorFromContext(r.Context())
	contractID := chi.URLParam(r, "contractID")
	record, err := s.store.Funding(r.Context(), contractID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "escrow has no funding record")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load funding record")
		return
	}
	if record.Owner != op.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "escrow belongs to another operator")
		return
	}
	draft, err := record.FundingDraft()
	if err != nil {
		s.logger.Error("stored draft unreadable", slog.String("contract_id", record.ContractID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "failed to decode funding draft")
		return
	}
	payouts, err := s.store.Payouts(r.Context(), record.ContractID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load payouts")
		return
	}
	announcement, err := s.store.Announcement(r.Context(), record.ContractID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load announcement")
		return
	}
	writeJSON(w, http.StatusOK, resultsView{
		ContractID:      record.ContractID,
		EngagementID:    record.EngagementID,
		EscrowAddress:   record.EscrowAddress,
		TransactionHash: record.TransactionHash,
		Campaign:        draftPayloadFrom(draft),
		Payouts:         payouts,
		Announcement:    announcement,
	})
}

func failureReason(err *publication.WinnerMilestoneError) string {
	var classified *ledger.Error
	if errors.As(err.Err, &classified) {
		return ledger.UserMessage(classified)
	}
	return err.Err.Error()
}

// statusFor maps workflow failures onto HTTP statuses.
func statusFor(err error) int {
	var (
		classified *ledger.Error
		missing    *publication.MissingPrizeTierError
		incomplete *publication.IncompleteWalletsError
		duplicate  *prize.DuplicateRankError
	)
	switch {
	case errors.Is(err, funding.ErrInvalidDraft),
		errors.Is(err, escrowflow.ErrInvalidSigner),
		errors.Is(err, publication.ErrEscrowNotFunded),
		errors.Is(err, publication.ErrUnknownWinner),
		errors.Is(err, publication.ErrAnnouncementRequired),
		errors.As(err, &missing),
		errors.As(err, &incomplete),
		errors.As(err, &duplicate),
		errors.Is(err, prize.ErrInvalidTier):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrowflow.ErrInvalidTransition),
		errors.Is(err, errPublicationOpen),
		errors.Is(err, errPublicationBusy),
		errors.Is(err, publication.ErrInvalidStep),
		errors.Is(err, publication.ErrMilestonesLocked),
		errors.Is(err, publication.ErrNotOpened):
		return http.StatusConflict
	case errors.Is(err, escrowflow.ErrAbandoned):
		return http.StatusGone
	case errors.As(err, &classified):
		switch classified.Kind {
		case ledger.KindUnavailable:
			return http.StatusServiceUnavailable
		case ledger.KindUserCancelled:
			return http.StatusConflict
		case ledger.KindMalformed, ledger.KindRejected:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "request body is not valid JSON for this endpoint")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
