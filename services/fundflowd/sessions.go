package fundflowd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundflow/observability"
	"fundflow/services/escrowflow"
	"fundflow/services/publication"
)

const (
	workflowCampaign    = "escrow_creation"
	workflowPublication = "winner_publication"
)

type campaignSession struct {
	id       string
	owner    string
	machine  *escrowflow.Machine
	lastSeen time.Time
}

type publicationSession struct {
	id         string
	owner      string
	contractID string
	machine    *publication.Machine
	lastSeen   time.Time
}

// errPublicationOpen is returned when an escrow already has a publication
// session that has not published yet.
var errPublicationOpen = errors.New("fundflowd: escrow already has an open publication session")

// errPublicationBusy is returned when closing a session that is publishing.
var errPublicationBusy = errors.New("fundflowd: publication session is publishing")

// registry keeps in-flight workflows in memory, one machine per session.
type registry struct {
	mu           sync.Mutex
	campaigns    map[string]*campaignSession
	publications map[string]*publicationSession
	ttl          time.Duration
	now          func() time.Time
	metrics      *observability.WorkflowMetrics
}

func newRegistry(ttl time.Duration, now func() time.Time, metrics *observability.WorkflowMetrics) *registry {
	return &registry{
		campaigns:    make(map[string]*campaignSession),
		publications: make(map[string]*publicationSession),
		ttl:          ttl,
		now:          now,
		metrics:      metrics,
	}
}

func (r *registry) addCampaign(owner string, m *escrowflow.Machine) *campaignSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &campaignSession{id: uuid.NewString(), owner: owner, machine: m, lastSeen: r.now()}
	r.campaigns[s.id] = s
	r.reportLocked()
	return s
}

// campaign returns the session when it exists and belongs to owner.
func (r *registry) campaign(id, owner string) (*campaignSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.campaigns[id]
	if !ok || s.owner != owner {
		return nil, false
	}
	s.lastSeen = r.now()
	return s, true
}

// addPublication registers m unless another session of the same escrow is
// still short of published.
func (r *registry) addPublication(owner string, m *publication.Machine) (*publicationSession, error) {
	contractID := m.State().Escrow.ContractID
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.publications {
		if other.contractID == contractID && other.machine.State().Step != publication.StepPublished {
			return nil, errPublicationOpen
		}
	}
	s := &publicationSession{id: uuid.NewString(), owner: owner, contractID: contractID, machine: m, lastSeen: r.now()}
	r.publications[s.id] = s
	r.reportLocked()
	return s, nil
}

// closePublication drops the session unless a publish is in flight.
func (r *registry) closePublication(id, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.publications[id]
	if !ok || s.owner != owner {
		return false, nil
	}
	if s.machine.State().Publishing {
		return true, errPublicationBusy
	}
	delete(r.publications, id)
	r.reportLocked()
	return true, nil
}

func (r *registry) publication(id, owner string) (*publicationSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.publications[id]
	if !ok || s.owner != owner {
		return nil, false
	}
	s.lastSeen = r.now()
	return s, true
}

// sweep drops sessions idle for longer than the TTL. Sessions with a call
// in flight are kept.
func (r *registry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for id, s := range r.campaigns {
		if s.lastSeen.Before(cutoff) && !s.machine.Snapshot().Submitting {
			delete(r.campaigns, id)
			removed++
		}
	}
	for id, s := range r.publications {
		if s.lastSeen.Before(cutoff) && !s.machine.State().Publishing {
			delete(r.publications, id)
			removed++
		}
	}
	r.reportLocked()
	return removed
}

// run sweeps periodically until ctx is done.
func (r *registry) run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *registry) reportLocked() {
	r.metrics.SetSessions(workflowCampaign, len(r.campaigns))
	r.metrics.SetSessions(workflowPublication, len(r.publications))
}
