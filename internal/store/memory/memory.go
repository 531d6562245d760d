// Package memory is an in-process store backend used by tests and by relayd
// when started with --store=memory.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// New returns a fresh set of in-memory repositories.
func New() store.Repos {
	return store.Repos{
		Attempts:  NewAttemptLog(),
		Endpoints: NewEndpoints(),
		Installs:  NewInstalls(),
		Commands:  NewCommands(),
	}
}

type AttemptLog struct {
	mu       sync.RWMutex
	now      func() time.Time
	events   map[string]delivery.Event
	attempts map[string]*delivery.Attempt
	chains   map[string][]string // chain id -> attempt ids in order
}

func NewAttemptLog() *AttemptLog {
	return &AttemptLog{
		now:      time.Now,
		events:   make(map[string]delivery.Event),
		attempts: make(map[string]*delivery.Attempt),
		chains:   make(map[string][]string),
	}
}

// SetClock overrides the time source used by retention purges.
func (l *AttemptLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *AttemptLog) RecordEvent(_ context.Context, ev delivery.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.events[ev.ID]
	if !ok {
		l.events[ev.ID] = ev
		return nil
	}
	if !prev.SameContent(ev) {
		return store.ErrEventConflict
	}
	return nil
}

func (l *AttemptLog) GetEvent(_ context.Context, eventID string) (delivery.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.events[eventID]
	if !ok {
		return delivery.Event{}, store.ErrNotFound
	}
	return ev, nil
}

func (l *AttemptLog) Record(_ context.Context, a *delivery.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.chains[a.ChainID]
	if len(ids) > 0 {
		last := l.attempts[ids[len(ids)-1]]
		if last.Status.Terminal() || a.AttemptNumber != last.AttemptNumber+1 {
			return store.ErrChainSequence
		}
	} else if a.AttemptNumber != 1 {
		return store.ErrChainSequence
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	l.attempts[a.ID] = &cp
	l.chains[a.ChainID] = append(ids, a.ID)
	return nil
}

func (l *AttemptLog) Finalize(_ context.Context, a *delivery.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.attempts[a.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != delivery.StatusPending {
		return store.ErrNotPending
	}
	cur.Status = a.Status
	cur.HTTPStatus = a.HTTPStatus
	cur.Duration = a.Duration
	cur.Reason = a.Reason
	cur.ErrorSummary = a.ErrorSummary
	cur.Signature = a.Signature
	cur.ScheduledRetryAt = a.ScheduledRetryAt
	cur.FinalizedAt = a.FinalizedAt
	return nil
}

func (l *AttemptLog) Get(_ context.Context, id string) (*delivery.Attempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (l *AttemptLog) List(_ context.Context, endpointID string, p store.Page) (store.AttemptPage, error) {
	var cursor *store.Cursor
	if p.Token != "" {
		c, err := store.DecodeCursor(p.Token)
		if err != nil {
			return store.AttemptPage{}, err
		}
		cursor = &c
	}

	l.mu.RLock()
	var matched []delivery.Attempt
	for _, a := range l.attempts {
		if a.EndpointID != endpointID {
			continue
		}
		if cursor != nil && !cursor.Before(*a) {
			continue
		}
		matched = append(matched, *a)
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	limit := p.Limit()
	page := store.AttemptPage{}
	if len(matched) > limit {
		page.NextToken = store.EncodeCursor(matched[limit-1])
		matched = matched[:limit]
	}
	page.Attempts = matched
	return page, nil
}

func (l *AttemptLog) Chain(_ context.Context, chainID string) ([]delivery.Attempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids, ok := l.chains[chainID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]delivery.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.attempts[id])
	}
	return out, nil
}

func (l *AttemptLog) PurgeOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	return l.purge(func(delivery.Attempt) bool { return true }, window)
}

func (l *AttemptLog) PurgeTenantOlderThan(ctx context.Context, tenantID string, window time.Duration) (int64, error) {
	return l.purge(func(a delivery.Attempt) bool { return a.TenantID == tenantID }, window)
}

func (l *AttemptLog) purge(match func(delivery.Attempt) bool, window time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	var removed int64
	for chainID, ids := range l.chains {
		newest := l.attempts[ids[len(ids)-1]]
		if !match(*newest) || !newest.CreatedAt.Before(cutoff) {
			continue
		}
		for _, id := range ids {
			delete(l.attempts, id)
			removed++
		}
		delete(l.chains, chainID)
	}

	referenced := make(map[string]bool, len(l.attempts))
	for _, a := range l.attempts {
		referenced[a.EventID] = true
	}
	for id, ev := range l.events {
		if !referenced[id] && ev.OccurredAt.Before(cutoff) {
			delete(l.events, id)
		}
	}
	return removed, nil
}

func (l *AttemptLog) OutcomeCounts(_ context.Context, since time.Time) ([]store.OutcomeCount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byEndpoint := make(map[string]*store.OutcomeCount)
	for _, a := range l.attempts {
		if a.FinalizedAt == nil || a.FinalizedAt.Before(since) {
			continue
		}
		ok, failed := store.CountsOutcome(*a)
		if !ok && !failed {
			continue
		}
		c, exists := byEndpoint[a.EndpointID]
		if !exists {
			c = &store.OutcomeCount{TenantID: a.TenantID, EndpointID: a.EndpointID}
			byEndpoint[a.EndpointID] = c
		}
		if ok {
			c.Successes++
		} else {
			c.Failures++
		}
	}

	out := make([]store.OutcomeCount, 0, len(byEndpoint))
	for _, c := range byEndpoint {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].EndpointID < out[j].EndpointID
	})
	return out, nil
}

func (l *AttemptLog) Resumable(_ context.Context) ([]delivery.Attempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []delivery.Attempt
	for _, ids := range l.chains {
		last := l.attempts[ids[len(ids)-1]]
		if !last.Status.Terminal() {
			out = append(out, *last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type Endpoints struct {
	mu   sync.RWMutex
	rows map[string]delivery.Endpoint
}

func NewEndpoints() *Endpoints {
	return &Endpoints{rows: make(map[string]delivery.Endpoint)}
}

func (e *Endpoints) Create(_ context.Context, ep *delivery.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ep.CreatedAt, ep.UpdatedAt = now, now
	if ep.Health.CircuitState == "" {
		ep.Health.CircuitState = delivery.CircuitClosed
	}
	e.rows[ep.ID] = cloneEndpoint(*ep)
	return nil
}

func (e *Endpoints) Get(_ context.Context, id string) (delivery.Endpoint, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.rows[id]
	if !ok {
		return delivery.Endpoint{}, store.ErrNotFound
	}
	return cloneEndpoint(ep), nil
}

func (e *Endpoints) ListSubscribed(_ context.Context, tenantID, eventType string) ([]delivery.Endpoint, error) {
	return e.filter(func(ep delivery.Endpoint) bool {
		return ep.TenantID == tenantID && ep.Enabled && ep.Subscribes(eventType)
	}), nil
}

func (e *Endpoints) ListByTenant(_ context.Context, tenantID string) ([]delivery.Endpoint, error) {
	return e.filter(func(ep delivery.Endpoint) bool { return ep.TenantID == tenantID }), nil
}

func (e *Endpoints) filter(keep func(delivery.Endpoint) bool) []delivery.Endpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []delivery.Endpoint
	for _, ep := range e.rows {
		if keep(ep) {
			out = append(out, cloneEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Endpoints) SetEnabled(_ context.Context, id string, enabled bool) error {
	return e.update(id, func(ep *delivery.Endpoint) { ep.Enabled = enabled })
}

func (e *Endpoints) RotateSecret(_ context.Context, id, ciphertext string) error {
	return e.update(id, func(ep *delivery.Endpoint) { ep.SecretCiphertext = ciphertext })
}

func (e *Endpoints) UpdateHealth(_ context.Context, id string, h delivery.Health) error {
	return e.update(id, func(ep *delivery.Endpoint) { ep.Health = h })
}

func (e *Endpoints) update(id string, fn func(*delivery.Endpoint)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&ep)
	ep.UpdatedAt = time.Now().UTC()
	e.rows[id] = ep
	return nil
}

func cloneEndpoint(ep delivery.Endpoint) delivery.Endpoint {
	ep.EventTypes = slices.Clone(ep.EventTypes)
	return ep
}

type Installs struct {
	mu   sync.RWMutex
	rows map[string]delivery.Install
}

func NewInstalls() *Installs {
	return &Installs{rows: make(map[string]delivery.Install)}
}

func (i *Installs) Create(_ context.Context, in *delivery.Install) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = time.Now().UTC()
	i.rows[in.ID] = *in
	return nil
}

func (i *Installs) Get(_ context.Context, id string) (delivery.Install, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	in, ok := i.rows[id]
	if !ok {
		return delivery.Install{}, store.ErrNotFound
	}
	return in, nil
}

type Commands struct {
	mu   sync.Mutex
	rows map[string]delivery.CommandRecord
}

func NewCommands() *Commands {
	return &Commands{rows: make(map[string]delivery.CommandRecord)}
}

func commandKey(installID, key string) string { return installID + "\x00" + key }

func (c *Commands) Claim(_ context.Context, rec delivery.CommandRecord) (*delivery.CommandRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := commandKey(rec.InstallID, rec.IdempotencyKey)
	if existing, ok := c.rows[k]; ok {
		return &existing, false, nil
	}
	rec.Status = delivery.CommandInProgress
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c.rows[k] = rec
	return nil, true, nil
}

func (c *Commands) Complete(_ context.Context, rec delivery.CommandRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := commandKey(rec.InstallID, rec.IdempotencyKey)
	cur, ok := c.rows[k]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = rec.Status
	cur.Result = rec.Result
	cur.Error = rec.Error
	cur.CompletedAt = rec.CompletedAt
	c.rows[k] = cur
	return nil
}

func (c *Commands) Get(_ context.Context, installID, key string) (*delivery.CommandRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.rows[commandKey(installID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}
