package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/criptex/internal/adapters/httpapi"
	"github.com/alejandrodnm/criptex/internal/adapters/metrics"
	"github.com/alejandrodnm/criptex/internal/adapters/storage"
	"github.com/alejandrodnm/criptex/internal/application/generator"
	"github.com/alejandrodnm/criptex/internal/application/ledger"
	"github.com/alejandrodnm/criptex/internal/application/predictions"
	"github.com/alejandrodnm/criptex/internal/application/referral"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeFeed struct{ err error }

func (f *fakeFeed) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	return domain.Quote{Symbol: symbol, Price: 100, Timestamp: t0}, nil
}

type fakeScorer struct{}

func (fakeScorer) Score(_ context.Context, symbol string, tf domain.Timeframe) (domain.Signal, error) {
	return domain.Signal{
		Symbol:     symbol,
		Timeframe:  tf,
		Direction:  domain.DirectionDown,
		Confidence: 72,
		Indicators: domain.Indicators{RSI: 64, Sentiment: -0.2},
		Reasoning:  "test",
		Price:      100,
	}, nil
}

type harness struct {
	srv   *httptest.Server
	feed  *fakeFeed
	clock *clockwork.FakeClock
	led   *ledger.Ledger
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	feed := &fakeFeed{}
	m := metrics.New(false)

	led := ledger.New(ledger.Config{SignupBonus: 5}, db, clock, m)
	svc := predictions.New(predictions.DefaultConfig(), db, led, feed, fakeScorer{}, nil, clock, m)
	refs := referral.New(nil, 1, db, led)
	gen := generator.New(generator.Config{OnDemandCooldown: 5 * time.Second}, svc, clock, m)

	api := httpapi.New(httpapi.Config{GatewayToken: token}, svc, led, refs, gen, m.Handler())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, feed: feed, clock: clock, led: led}
}

func (h *harness) do(t *testing.T, method, path, user, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		switch v := raw.(type) {
		case map[string]any:
			out = v
		case []any:
			out = map[string]any{"items": v}
		}
	}
	return resp, out
}

func errorKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestAPI_AccountOpenedOnFirstRequest(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodGet, "/api/account", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["user_id"])
	assert.EqualValues(t, 5, body["free_predictions"])
	assert.Equal(t, true, body["can_claim_bonus"])
	assert.Len(t, body["referral_code"], 8)
}

func TestAPI_MissingIdentity(t *testing.T) {
	h := newHarness(t, "")
	resp, body := h.do(t, http.MethodGet, "/api/account", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ValidationError", errorKind(body))
}

func TestAPI_GatewayToken(t *testing.T) {
	h := newHarness(t, "s3cret")

	resp, _ := h.do(t, http.MethodGet, "/api/account", "alice", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/account", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestAPI_CreateAndReadPrediction(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodPost, "/api/predictions", "alice",
		`{"symbol":"btc","direction":"UP","timeframe":"5m","stake_amount":2}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "ACTIVE", body["status"])
	assert.Equal(t, "BTC", body["symbol"])
	assert.EqualValues(t, 100, body["entry_price"])

	_, acc := h.do(t, http.MethodGet, "/api/account", "alice", "")
	assert.EqualValues(t, 3, acc["free_predictions"])

	resp, body = h.do(t, http.MethodGet, "/api/predictions/"+id, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])

	resp, body = h.do(t, http.MethodGet, "/api/predictions/"+id, "bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "las manuales ajenas no se ven")
	assert.Equal(t, "NotFound", errorKind(body))

	_, body = h.do(t, http.MethodGet, "/api/predictions/active", "alice", "")
	assert.Len(t, body["items"], 1)

	_, body = h.do(t, http.MethodGet, "/api/predictions/stats", "alice", "")
	assert.EqualValues(t, 1, body["active"])
	assert.EqualValues(t, 2, body["total_staked"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodPost, "/api/predictions", "alice",
		`{"symbol":"btc","direction":"SIDEWAYS","timeframe":"5m","stake_amount":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ValidationError", errorKind(body))

	resp, body = h.do(t, http.MethodPost, "/api/predictions", "alice",
		`{"symbol":"btc","direction":"UP","timeframe":"5m","stake_amount":50}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "InsufficientBalance", errorKind(body))

	h.feed.err = domain.ErrAdapterUnavailable
	resp, body = h.do(t, http.MethodPost, "/api/predictions", "alice",
		`{"symbol":"btc","direction":"UP","timeframe":"5m","stake_amount":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "AdapterUnavailable", errorKind(body))

	_, acc := h.do(t, http.MethodGet, "/api/account", "alice", "")
	assert.EqualValues(t, 5, acc["free_predictions"], "ningún rechazo cambia el saldo")

	resp, _ = h.do(t, http.MethodGet, "/api/predictions/active?limit=0", "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/predictions", "alice", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_BonusCooldown(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodPost, "/api/bonus/claim", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 6, body["free_predictions"])

	resp, body = h.do(t, http.MethodPost, "/api/bonus/claim", "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "TooSoon", errorKind(body))
	detail := body["error"].(map[string]any)
	assert.Equal(t, t0.Add(24*time.Hour).Format(time.RFC3339), detail["next_eligible_at"])

	h.clock.Advance(24 * time.Hour)
	resp, _ = h.do(t, http.MethodPost, "/api/bonus/claim", "alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Referral(t *testing.T) {
	h := newHarness(t, "")

	_, acc := h.do(t, http.MethodGet, "/api/account", "alice", "")
	code := acc["referral_code"].(string)

	resp, _ := h.do(t, http.MethodPost, "/api/referral/use/"+strings.ToLower(code), "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/referral/use/"+code, "bob", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AlreadyReferred", errorKind(body))

	resp, body = h.do(t, http.MethodPost, "/api/referral/use/"+code, "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidReferralCode", errorKind(body))

	_, body = h.do(t, http.MethodGet, "/api/referral/stats", "alice", "")
	assert.EqualValues(t, 1, body["referral_count"])
	tier := body["tier"].(map[string]any)
	assert.Equal(t, "Novice", tier["label"])
	assert.Len(t, body["tiers"], 5)

	_, bob := h.do(t, http.MethodGet, "/api/account", "bob", "")
	assert.EqualValues(t, 6, bob["free_predictions"])
}

func TestAPI_GenerateNow(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodPost, "/api/ai-predictions/manual", "alice", `{"symbol":"eth","timeframe":"1h"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, domain.SystemOwner, body["owner_id"])
	assert.Equal(t, "DOWN", body["direction"])
	assert.NotNil(t, body["indicators"])

	resp, body = h.do(t, http.MethodPost, "/api/ai-predictions/manual", "alice", `{"symbol":"eth","timeframe":"1h"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RateLimited", errorKind(body))

	_, body = h.do(t, http.MethodGet, "/api/ai-predictions?limit=10", "bob", "")
	assert.Len(t, body["items"], 1)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, "")

	resp, body := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	h.do(t, http.MethodGet, "/api/account", "alice", "")
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, body := h.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	assert.Equal(t, "NotFound", errorKind(body))
}
