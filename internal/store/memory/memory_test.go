package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

func newAttempt(chain string, n int, status delivery.Status, at time.Time) *delivery.Attempt {
	ev := delivery.Event{ID: "evt_" + chain, TenantID: "tn_1", Type: "deal.updated"}
	a := delivery.NewAttempt(chain, ev, "ep_1", n, delivery.TriggerDispatch, at)
	if status != delivery.StatusPending {
		a.Finalize(status, 500, time.Millisecond, "http_5xx", "", nil, at)
	}
	return a
}

func TestAttemptLog_RecordEvent(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLog()
	ev := delivery.NewEvent("tn_1", "deal.updated", map[string]any{"amount": 42})
	require.NoError(t, l.RecordEvent(ctx, ev))

	reused := func(tenant, typ string, payload map[string]any) delivery.Event {
		e := delivery.NewEvent(tenant, typ, payload)
		e.ID = ev.ID
		return e
	}
	tests := []struct {
		name    string
		ev      delivery.Event
		wantErr error
	}{
		{"same event again", ev, nil},
		{"same content later", reused("tn_1", "deal.updated", map[string]any{"amount": 42}), nil},
		{"other tenant", reused("tn_2", "deal.updated", map[string]any{"amount": 42}), store.ErrEventConflict},
		{"other type", reused("tn_1", "deal.deleted", map[string]any{"amount": 42}), store.ErrEventConflict},
		{"other payload", reused("tn_1", "deal.updated", map[string]any{"amount": 7}), store.ErrEventConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, l.RecordEvent(ctx, tt.ev), tt.wantErr)
		})
	}

	got, err := l.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "tn_1", got.TenantID)
	assert.Equal(t, 42, got.Payload["amount"])
}

func TestAttemptLog_ChainSequence(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLog()
	now := time.Now()

	require.NoError(t, l.Record(ctx, newAttempt("ch_1", 1, delivery.StatusFailed, now)))

	tests := []struct {
		name    string
		attempt *delivery.Attempt
		wantErr error
	}{
		{"gap rejected", newAttempt("ch_1", 3, delivery.StatusPending, now), store.ErrChainSequence},
		{"duplicate number rejected", newAttempt("ch_1", 1, delivery.StatusPending, now), store.ErrChainSequence},
		{"new chain must start at one", newAttempt("ch_2", 2, delivery.StatusPending, now), store.ErrChainSequence},
		{"next number accepted", newAttempt("ch_1", 2, delivery.StatusAbandoned, now), nil},
		{"nothing after terminal", newAttempt("ch_1", 3, delivery.StatusPending, now), store.ErrChainSequence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Record(ctx, tt.attempt)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	chain, err := l.Chain(ctx, "ch_1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[0].AttemptNumber)
	assert.Equal(t, delivery.StatusAbandoned, chain[1].Status)
}

func TestAttemptLog_Finalize(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLog()
	a := newAttempt("ch_1", 1, delivery.StatusPending, time.Now())
	require.NoError(t, l.Record(ctx, a))

	a.Signature = "sha256=abc"
	a.Finalize(delivery.StatusSuccess, 200, 5*time.Millisecond, "", "", nil, time.Now())
	require.NoError(t, l.Finalize(ctx, a))

	got, err := l.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSuccess, got.Status)
	assert.Equal(t, 200, *got.HTTPStatus)
	assert.Equal(t, "sha256=abc", got.Signature)

	assert.ErrorIs(t, l.Finalize(ctx, a), store.ErrNotPending)
	assert.ErrorIs(t, l.Finalize(ctx, &delivery.Attempt{ID: "missing"}), store.ErrNotFound)
}

func TestAttemptLog_ListPages(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLog()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a := newAttempt("ch_"+string(rune('a'+i)), 1, delivery.StatusSuccess, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, l.Record(ctx, a))
	}

	first, err := l.List(ctx, "ep_1", store.Page{Size: 2})
	require.NoError(t, err)
	require.Len(t, first.Attempts, 2)
	assert.Equal(t, base.Add(4*time.Minute), first.Attempts[0].CreatedAt)
	require.NotEmpty(t, first.NextToken)

	second, err := l.List(ctx, "ep_1", store.Page{Size: 2, Token: first.NextToken})
	require.NoError(t, err)
	require.Len(t, second.Attempts, 2)
	assert.Equal(t, base.Add(2*time.Minute), second.Attempts[0].CreatedAt)

	third, err := l.List(ctx, "ep_1", store.Page{Size: 2, Token: second.NextToken})
	require.NoError(t, err)
	assert.Len(t, third.Attempts, 1)
	assert.Empty(t, third.NextToken)

	_, err = l.List(ctx, "ep_1", store.Page{Token: "%%%"})
	assert.ErrorIs(t, err, store.ErrInvalidPage)
}

func TestAttemptLog_Purge(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLog()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	old := now.Add(-48 * time.Hour)
	require.NoError(t, l.Record(ctx, newAttempt("old", 1, delivery.StatusFailed, old)))
	require.NoError(t, l.Record(ctx, newAttempt("old", 2, delivery.StatusAbandoned, old.Add(time.Hour))))
	// chain that started long ago but is still active is kept whole
	require.NoError(t, l.Record(ctx, newAttempt("mixed", 1, delivery.StatusFailed, old)))
	require.NoError(t, l.Record(ctx, newAttempt("mixed", 2, delivery.StatusPending, now)))

	other := newAttempt("other", 1, delivery.StatusSuccess, old)
	other.TenantID = "tn_2"
	require.NoError(t, l.Record(ctx, other))

	n, err := l.PurgeTenantOlderThan(ctx, "tn_1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = l.Chain(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	mixed, err := l.Chain(ctx, "mixed")
	require.NoError(t, err)
	assert.Len(t, mixed, 2)

	n, err = l.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAttemptLog_OutcomeCountsAndResumable(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLog()
	now := time.Now()

	require.NoError(t, l.Record(ctx, newAttempt("a", 1, delivery.StatusSuccess, now)))
	require.NoError(t, l.Record(ctx, newAttempt("b", 1, delivery.StatusFailed, now)))
	fast := newAttempt("c", 1, delivery.StatusPending, now)
	fast.Finalize(delivery.StatusFailed, 0, 0, "circuit_open", "circuit open", nil, now)
	require.NoError(t, l.Record(ctx, fast))
	require.NoError(t, l.Record(ctx, newAttempt("d", 1, delivery.StatusPending, now)))

	counts, err := l.OutcomeCounts(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, store.OutcomeCount{TenantID: "tn_1", EndpointID: "ep_1", Successes: 1, Failures: 1}, counts[0])

	resumable, err := l.Resumable(ctx)
	require.NoError(t, err)
	chains := map[string]bool{}
	for _, a := range resumable {
		chains[a.ChainID] = true
	}
	assert.Equal(t, map[string]bool{"b": true, "c": true, "d": true}, chains)
}

func TestEndpoints(t *testing.T) {
	ctx := context.Background()
	e := NewEndpoints()

	ep := &delivery.Endpoint{TenantID: "tn_1", URL: "https://a.example.com", EventTypes: []string{"deal.updated"}, Enabled: true}
	require.NoError(t, e.Create(ctx, ep))
	require.NotEmpty(t, ep.ID)
	assert.Equal(t, delivery.CircuitClosed, ep.Health.CircuitState)

	wild := &delivery.Endpoint{TenantID: "tn_1", URL: "https://b.example.com", EventTypes: []string{"*"}, Enabled: true}
	require.NoError(t, e.Create(ctx, wild))
	require.NoError(t, e.Create(ctx, &delivery.Endpoint{TenantID: "tn_2", URL: "https://c.example.com", EventTypes: []string{"deal.updated"}, Enabled: true}))

	subs, err := e.ListSubscribed(ctx, "tn_1", "deal.updated")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, e.SetEnabled(ctx, wild.ID, false))
	subs, _ = e.ListSubscribed(ctx, "tn_1", "deal.updated")
	assert.Len(t, subs, 1)

	require.NoError(t, e.UpdateHealth(ctx, ep.ID, delivery.Health{CircuitState: delivery.CircuitOpen, ConsecutiveFailures: 10}))
	require.NoError(t, e.RotateSecret(ctx, ep.ID, "v1:new"))
	got, err := e.Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.CircuitOpen, got.Health.CircuitState)
	assert.Equal(t, "v1:new", got.SecretCiphertext)

	_, err = e.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, e.SetEnabled(ctx, "missing", true), store.ErrNotFound)
}

func TestCommands_Claim(t *testing.T) {
	ctx := context.Background()
	c := NewCommands()
	rec := delivery.CommandRecord{InstallID: "in_1", IdempotencyKey: "k1", Command: "deal.update"}

	existing, claimed, err := c.Claim(ctx, rec)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	existing, claimed, err = c.Claim(ctx, rec)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, delivery.CommandInProgress, existing.Status)

	done := time.Now()
	rec.Status = delivery.CommandExecuted
	rec.Result = []byte(`{"ok":true}`)
	rec.CompletedAt = &done
	require.NoError(t, c.Complete(ctx, rec))

	got, err := c.Get(ctx, "in_1", "k1")
	require.NoError(t, err)
	assert.Equal(t, delivery.CommandExecuted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	// same key under another install is independent
	_, claimed, err = c.Claim(ctx, delivery.CommandRecord{InstallID: "in_2", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, claimed)
}
