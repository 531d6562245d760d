package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/alert"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/inbound"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeDispatcher struct {
	events   []delivery.Event
	replayed []string
	attempts *memory.AttemptLog
}

func (f *fakeDispatcher) DispatchEvent(_ context.Context, ev delivery.Event) {
	f.events = append(f.events, ev)
}

func (f *fakeDispatcher) Replay(ctx context.Context, id string) (*delivery.Attempt, error) {
	src, err := f.attempts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.replayed = append(f.replayed, id)
	a := delivery.NewAttempt("replay-chain", delivery.Event{ID: src.EventID, TenantID: src.TenantID}, src.EndpointID, 1, delivery.TriggerReplay, time.Now())
	a.ReplayOf = src.ID
	return a, nil
}

type fakePool struct {
	disabled []string
}

func (f *fakePool) DisableEndpoint(_ context.Context, id string) int {
	f.disabled = append(f.disabled, id)
	return 2
}

type fakeAlerts struct {
	err error
}

func (f fakeAlerts) Tick(context.Context) ([]alert.Alert, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []alert.Alert{{Rule: "spike", Scope: alert.ScopeTenant, TenantID: "tn_1", Failures: 12}}, nil
}

type harness struct {
	router     *gin.Engine
	repos      store.Repos
	attempts   *memory.AttemptLog
	endpoints  *memory.Endpoints
	breakers   *circuit.Registry
	dispatcher *fakeDispatcher
	pool       *fakePool
	box        *signing.SecretBox
	issuer     *auth.Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	issuer, err := auth.NewIssuer(privPEM, "harborrelay", "harborrelay-admin")
	require.NoError(t, err)
	pubPEM, err := issuer.PublicKeyPEM()
	require.NoError(t, err)
	validator, err := auth.NewJWTValidator(pubPEM, "harborrelay", "harborrelay-admin")
	require.NoError(t, err)

	box, err := signing.NewSecretBox(testMasterKey)
	require.NoError(t, err)

	attempts := memory.NewAttemptLog()
	endpoints := memory.NewEndpoints()
	installs := memory.NewInstalls()
	commands := memory.NewCommands()
	breakers := circuit.NewRegistry(circuit.DefaultConfig(), endpoints, nil)

	svc := inbound.NewService(inbound.Deps{
		Installs: installs,
		Commands: commands,
		Secrets:  box,
		Verifier: signing.NewVerifier(5 * time.Minute),
	})
	require.NoError(t, svc.Register("ping", inbound.PingHandler))

	h := &harness{
		repos:      store.Repos{Attempts: attempts, Endpoints: endpoints, Installs: installs, Commands: commands},
		attempts:   attempts,
		endpoints:  endpoints,
		breakers:   breakers,
		dispatcher: &fakeDispatcher{attempts: attempts},
		pool:       &fakePool{},
		box:        box,
		issuer:     issuer,
	}
	h.router = NewRouter(Deps{
		Endpoints:       endpoints,
		Installs:        installs,
		Attempts:        attempts,
		Secrets:         box,
		Breakers:        breakers,
		Pool:            h.pool,
		Dispatcher:      h.dispatcher,
		Alerts:          fakeAlerts{},
		Commands:        svc,
		Validator:       validator,
		RetentionWindow: 30 * 24 * time.Hour,
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		tok, err := h.issuer.Issue(tenant, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) createEndpoint(t *testing.T, tenant string) EndpointWithSecret {
	t.Helper()
	w := h.do(t, http.MethodPost, "/v1/endpoints", tenant, map[string]any{
		"url":         "https://hooks.example.com/relay",
		"event_types": []string{"deal.updated"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out EndpointWithSecret
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestCreateEndpoint(t *testing.T) {
	h := newHarness(t)
	out := h.createEndpoint(t, "tn_1")

	assert.NotEmpty(t, out.Endpoint.ID)
	assert.Equal(t, "tn_1", out.Endpoint.TenantID)
	assert.True(t, out.Endpoint.Enabled)
	assert.Contains(t, out.Secret, "whsec_")

	stored, err := h.endpoints.Get(context.Background(), out.Endpoint.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.SecretCiphertext, out.Secret, "secret must be stored encrypted")
	plain, err := h.box.Open(stored.SecretCiphertext)
	require.NoError(t, err)
	assert.Equal(t, out.Secret, plain)
}

func TestCreateEndpoint_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"plain http rejected", map[string]any{"url": "http://hooks.example.com", "event_types": []string{"a"}}},
		{"no event types", map[string]any{"url": "https://hooks.example.com", "event_types": []string{}}},
		{"missing url", map[string]any{"event_types": []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/v1/endpoints", "tn_1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", decodeError(t, w).Code)
		})
	}
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/endpoints", "", map[string]any{"url": "https://x.example.com", "event_types": []string{"a"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", decodeError(t, w).Code)
}

func TestEndpointLifecycle(t *testing.T) {
	h := newHarness(t)
	ep := h.createEndpoint(t, "tn_1")
	base := "/v1/endpoints/" + ep.Endpoint.ID

	w := h.do(t, http.MethodGet, base+"/health", "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hl EndpointHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hl))
	assert.Equal(t, delivery.CircuitClosed, hl.CircuitState)
	assert.True(t, hl.Enabled)

	w = h.do(t, http.MethodPost, base+"/disable", "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"endpoint_id":"`+ep.Endpoint.ID+`","enabled":false,"cancelled_deliveries":2}`, w.Body.String())
	assert.Equal(t, []string{ep.Endpoint.ID}, h.pool.disabled)
	stored, _ := h.endpoints.Get(context.Background(), ep.Endpoint.ID)
	assert.False(t, stored.Enabled)

	h.breakers.ForceOpen(context.Background(), ep.Endpoint.ID, "alert:spike")
	w = h.do(t, http.MethodPost, base+"/enable", "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, delivery.CircuitClosed, h.breakers.Snapshot(ep.Endpoint.ID).CircuitState, "enable resets the circuit")

	w = h.do(t, http.MethodPost, base+"/rotate-secret", "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rotated EndpointWithSecret
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEqual(t, ep.Secret, rotated.Secret)
	stored, _ = h.endpoints.Get(context.Background(), ep.Endpoint.ID)
	plain, err := h.box.Open(stored.SecretCiphertext)
	require.NoError(t, err)
	assert.Equal(t, rotated.Secret, plain)
}

func TestEndpointTenantIsolation(t *testing.T) {
	h := newHarness(t)
	ep := h.createEndpoint(t, "tn_1")

	for _, path := range []string{"/health", "/deliveries"} {
		w := h.do(t, http.MethodGet, "/v1/endpoints/"+ep.Endpoint.ID+path, "tn_other", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := h.do(t, http.MethodPost, "/v1/endpoints/"+ep.Endpoint.ID+"/disable", "tn_other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, h.pool.disabled)

	w = h.do(t, http.MethodGet, "/v1/endpoints/missing/health", "tn_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Code)
}

func (h *harness) seedAttempts(t *testing.T, endpointID, tenant string, n int) []*delivery.Attempt {
	t.Helper()
	ctx := context.Background()
	ev := delivery.NewEvent(tenant, "deal.updated", map[string]any{"id": 1})
	require.NoError(t, h.attempts.RecordEvent(ctx, ev))
	var out []*delivery.Attempt
	for i := 0; i < n; i++ {
		a := delivery.NewAttempt("chain-"+strconv.Itoa(i), ev, endpointID, 1, delivery.TriggerDispatch, time.Now().Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, h.attempts.Record(ctx, a))
		out = append(out, a)
	}
	return out
}

func TestListDeliveries_Pagination(t *testing.T) {
	h := newHarness(t)
	ep := h.createEndpoint(t, "tn_1")
	h.seedAttempts(t, ep.Endpoint.ID, "tn_1", 5)

	path := "/v1/endpoints/" + ep.Endpoint.ID + "/deliveries?limit=3"
	w := h.do(t, http.MethodGet, path, "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first store.AttemptPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Len(t, first.Attempts, 3)
	require.NotEmpty(t, first.NextToken)

	w = h.do(t, http.MethodGet, path+"&page_token="+first.NextToken, "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second store.AttemptPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Len(t, second.Attempts, 2)
	assert.Empty(t, second.NextToken)

	w = h.do(t, http.MethodGet, path+"&page_token=bad-token", "tn_1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/v1/endpoints/"+ep.Endpoint.ID+"/deliveries?limit=abc", "tn_1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryDelivery(t *testing.T) {
	h := newHarness(t)
	ep := h.createEndpoint(t, "tn_1")
	src := h.seedAttempts(t, ep.Endpoint.ID, "tn_1", 1)[0]

	w := h.do(t, http.MethodPost, "/v1/deliveries/"+src.ID+"/retry", "tn_1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var a delivery.Attempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, src.ID, a.ReplayOf)
	assert.Equal(t, []string{src.ID}, h.dispatcher.replayed)

	w = h.do(t, http.MethodPost, "/v1/deliveries/"+src.ID+"/retry", "tn_other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodPost, "/v1/deliveries/nope/retry", "tn_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublishEvent(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/events", "tn_1", map[string]any{
		"event_type": "deal.updated",
		"payload":    map[string]any{"id": 7},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, h.dispatcher.events, 1)
	ev := h.dispatcher.events[0]
	assert.Equal(t, "tn_1", ev.TenantID)
	assert.Equal(t, "deal.updated", ev.Type)
	assert.JSONEq(t, `{"event_id":"`+ev.ID+`"}`, w.Body.String())

	w = h.do(t, http.MethodPost, "/v1/events", "tn_1", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishEvent_ReusedEventID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := delivery.NewEvent("tn_1", "deal.updated", map[string]any{"id": float64(7)})
	ev.ID = "evt_shared"
	require.NoError(t, h.attempts.RecordEvent(ctx, ev))

	tests := []struct {
		name       string
		tenant     string
		payload    map[string]any
		wantStatus int
	}{
		{"other tenant", "tn_2", map[string]any{"id": 7}, http.StatusConflict},
		{"same tenant other payload", "tn_1", map[string]any{"id": 8}, http.StatusConflict},
		{"same event resent", "tn_1", map[string]any{"id": 7}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(h.dispatcher.events)
			w := h.do(t, http.MethodPost, "/v1/events", tt.tenant, map[string]any{
				"event_id":   "evt_shared",
				"event_type": "deal.updated",
				"payload":    tt.payload,
			})
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusConflict {
				assert.Contains(t, w.Body.String(), "event_conflict")
				assert.Len(t, h.dispatcher.events, before)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"default retention", "", http.StatusOK},
		{"explicit window", "?older_than=720h", http.StatusOK},
		{"all tenants", "?older_than=1h&all=true", http.StatusOK},
		{"bad duration", "?older_than=soon", http.StatusBadRequest},
		{"negative duration", "?older_than=-1h", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/v1/ops/purge"+tt.query, "tn_1", nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestAlertsTick(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/v1/ops/alerts/tick", "tn_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Count  int           `json:"count"`
		Alerts []alert.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "spike", out.Alerts[0].Rule)
}

func TestCommandEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	secret, err := signing.GenerateSecret()
	require.NoError(t, err)
	sealed, err := h.box.Seal(secret)
	require.NoError(t, err)
	install := delivery.Install{TenantID: "tn_1", SecretCiphertext: sealed, Enabled: true}
	require.NoError(t, h.repos.Installs.Create(ctx, &install))

	send := func(name, key string, body []byte, sign bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/commands/"+name, bytes.NewReader(body))
		req.Header.Set(inbound.InstallIDHeader, install.ID)
		req.Header.Set(inbound.IdempotencyKeyHeader, key)
		if sign {
			sig, ts := signing.NewSigner().Headers(secret, body)
			req.Header.Set(signing.SignatureHeader, sig)
			req.Header.Set(signing.TimestampHeader, ts)
		}
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		return w
	}

	w := send("ping", "k1", []byte(`{}`), true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res inbound.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, delivery.CommandExecuted, res.Status)
	assert.False(t, res.Replayed)

	w = send("ping", "k1", []byte(`{}`), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))

	w = send("ping", "k2", []byte(`{}`), false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send("nope", "k3", []byte(`{}`), true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send("ping", "", []byte(`{}`), true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decodeError(t, w).Code)
}

func TestCreateInstall(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/installs", "tn_1", map[string]any{"name": "crm-sync"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out InstallWithSecret
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "tn_1", out.Install.TenantID)
	assert.True(t, out.Install.Enabled)

	body := []byte(`{}`)
	sig, ts := signing.NewSigner().Headers(out.Secret, body)
	req := httptest.NewRequest(http.MethodPost, "/v1/commands/ping", bytes.NewReader(body))
	req.Header.Set(inbound.InstallIDHeader, out.Install.ID)
	req.Header.Set(inbound.IdempotencyKeyHeader, "first")
	req.Header.Set(signing.SignatureHeader, sig)
	req.Header.Set(signing.TimestampHeader, ts)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w = h.do(t, http.MethodPost, "/v1/installs", "tn_1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommandStatusCode(t *testing.T) {
	tests := map[delivery.CommandStatus]int{
		delivery.CommandExecuted:    http.StatusOK,
		delivery.CommandFailed:      http.StatusUnprocessableEntity,
		delivery.CommandAuthFailed:  http.StatusUnauthorized,
		delivery.CommandRateLimited: http.StatusTooManyRequests,
		delivery.CommandInProgress:  http.StatusConflict,
		delivery.CommandUnknown:     http.StatusNotFound,
		"SOMETHING_ELSE":            http.StatusInternalServerError,
	}
	for st, want := range tests {
		assert.Equal(t, want, commandStatusCode(st), st)
	}
}

func TestToError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantHTTP int
	}{
		{"not found", store.ErrNotFound, "not_found", http.StatusNotFound},
		{"wrapped not found", errors.Join(errors.New("load"), store.ErrNotFound), "not_found", http.StatusNotFound},
		{"bad page", store.ErrInvalidPage, "invalid_page_token", http.StatusBadRequest},
		{"endpoint url", delivery.ErrEndpointURL, "validation_error", http.StatusBadRequest},
		{"endpoint disabled", delivery.NewEndpointDisabled(), "endpoint_disabled", http.StatusConflict},
		{"inbound bad request", inbound.ErrBadRequest, "bad_request", http.StatusBadRequest},
		{"unknown", errors.New("db exploded"), "internal_error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toError(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantHTTP, got.HTTPStatus)
			assert.NotContains(t, got.Message, "db exploded")
		})
	}
}

func TestAdminRoutesDisabledWithoutValidator(t *testing.T) {
	r := NewRouter(Deps{Health: health.Checker{}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
