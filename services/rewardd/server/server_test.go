package server

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vendorvote/core/voting"
	"vendorvote/services/rewardd/admission"
	"vendorvote/services/rewardd/binding"
	"vendorvote/services/rewardd/distribution"
	"vendorvote/services/rewardd/ledger"
	"vendorvote/services/rewardd/ledger/ledgertest"
	"vendorvote/services/rewardd/models"
	"vendorvote/services/rewardd/retry"
	"vendorvote/services/rewardd/signer"
	"vendorvote/services/rewardd/store"
)

const (
	testSecret     = "test-hmac-secret"
	testAdminToken = "operator-token"
	walletHex      = "0x52908400098527886E0F7030069857D2E4169EE7"
)

type testEnv struct {
	db      *gorm.DB
	chain   *ledgertest.Chain
	pause   *admission.PauseGuard
	handler http.Handler
}

func newTestEnv(t *testing.T, limit RateLimit) *testEnv {
	t.Helper()
	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: store.MemoryDSN()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	chain := ledgertest.NewChain(common.HexToAddress("0x3000000000000000000000000000000000000003"), big.NewInt(10_000))
	queue := signer.NewQueue(4)
	t.Cleanup(queue.Close)
	scheduler, err := retry.NewScheduler(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	units, err := ledger.NewUnits(0)
	require.NoError(t, err)
	engine, err := distribution.NewEngine(db, chain, queue, scheduler, distribution.Config{
		GasBufferPercent: 20,
		ConfirmTimeout:   time.Second,
		ProbeTimeout:     10 * time.Millisecond,
		Units:            units,
	}, distribution.WithMetrics(nil))
	require.NoError(t, err)
	binder, err := binding.NewService(binding.Config{DB: db, Engine: engine, Ledger: chain, Units: units})
	require.NoError(t, err)

	pause := admission.NewPauseGuard(chain, nil)
	controller, err := admission.NewController(admission.Config{
		DB:                  db,
		Schedule:            voting.DefaultSchedule(),
		Location:            time.UTC,
		Pause:               pause,
		AutoRegisterVendors: true,
		Clock:               func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	auth, err := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, AdminToken: testAdminToken}, nil)
	require.NoError(t, err)
	srv, err := New(Config{
		DB:         db,
		Admission:  controller,
		Binding:    binder,
		Pause:      pause,
		Auth:       auth,
		RateLimit:  limit,
		QueueDepth: queue.Depth,
	})
	require.NoError(t, err)
	return &testEnv{db: db, chain: chain, pause: pause, handler: srv.Handler()}
}

func userToken(t *testing.T, subject uint64, scopes string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   strconv.FormatUint(subject, 10),
		"scope": scopes,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestVoteEndpointAppliesDailyCap(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	token := userToken(t, 1, ScopeVote)

	kinds := []string{"regular", "regular", "verified"}
	want := []int64{10, 15, 60}
	for i, kind := range kinds {
		body := map[string]any{"voterId": 1, "vendorId": 4, "voteKind": kind}
		if kind == "verified" {
			body["proofRef"] = "receipt-123"
		}
		rec := env.do(t, http.MethodPost, "/api/v1/votes", token, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[voteResponse](t, rec)
		require.True(t, resp.Accepted)
		require.Equal(t, want[i], resp.RewardAmount)
		require.Equal(t, i+1, resp.Slot)
		require.False(t, resp.WalletBound)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/votes", token, map[string]any{"voterId": 1, "vendorId": 4})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[voteResponse](t, rec)
	require.False(t, resp.Accepted)
	require.Equal(t, admission.ReasonDailyCapReached, resp.RejectionReason)

	var records int64
	require.NoError(t, env.db.Model(&models.DistributionRecord{}).Count(&records).Error)
	require.EqualValues(t, 3, records)
}

func TestVoteEndpointAuthorization(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	body := map[string]any{"voterId": 1, "vendorId": 4}

	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/votes", "", body).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/votes", "garbage", body).Code)
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 1, ScopeRead), body).Code)
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 2, ScopeVote), body).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 99, ScopeService), body).Code)
}

func TestVoteEndpointValidation(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	token := userToken(t, 1, ScopeVote)

	rec := env.do(t, http.MethodPost, "/api/v1/votes", token, map[string]any{"voterId": 1, "vendorId": 4, "voteKind": "super"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/votes", token, map[string]any{"voterId": 1, "vendorId": 4, "voteKind": "verified"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBindEndpointFlushesBacklog(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	voteToken := userToken(t, 1, ScopeVote)
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/votes", voteToken, map[string]any{"voterId": 1, "vendorId": 4})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	walletToken := userToken(t, 1, ScopeWallet+" "+ScopeRead)
	rec := env.do(t, http.MethodPost, "/api/v1/wallets/bind", walletToken, map[string]any{
		"userId":        1,
		"walletAddress": []string{"0x52908400098527886e0f7030069857d2e4169ee7"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flush := decode[binding.FlushResult](t, rec)
	require.EqualValues(t, 25, flush.TokensDistributed)
	require.Equal(t, 2, flush.Distributed)
	require.NotEmpty(t, flush.Message)

	rec = env.do(t, http.MethodGet, "/api/v1/users/1", walletToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode[userView](t, rec)
	require.Equal(t, walletHex, user.WalletAddress)
	require.EqualValues(t, 25, user.TokenBalance)
	require.EqualValues(t, 2, user.Distributed)
	require.Zero(t, user.Pending)
	require.Equal(t, 1, user.Streak)

	rec = env.do(t, http.MethodPost, "/api/v1/wallets/bind", walletToken, map[string]any{
		"userId":        1,
		"walletAddress": "0x8617E340B3D01FA5F11F306F4090FD50E238070D",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/wallets/bind", walletToken, map[string]any{"userId": 1, "walletAddress": "not-a-wallet"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryEndpoint(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	token := userToken(t, 1, ScopeVote+" "+ScopeWallet+" "+ScopeRead)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/votes", token, map[string]any{"voterId": 1, "vendorId": 4}).Code)

	env.chain.Script(ledgertest.Step{Revert: true})
	rec := env.do(t, http.MethodPost, "/api/v1/wallets/bind", token, map[string]any{"userId": 1, "walletAddress": walletHex})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, decode[binding.FlushResult](t, rec).Failed)

	rec = env.do(t, http.MethodGet, "/api/v1/users/1/distributions?status=failed", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Distributions []distributionView `json:"distributions"`
	}](t, rec)
	require.Len(t, listed.Distributions, 1)
	require.Equal(t, "terminal", listed.Distributions[0].ErrorClass)

	rec = env.do(t, http.MethodPost, "/api/v1/distributions/retry", token, map[string]any{"userId": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	retried := decode[binding.FlushResult](t, rec)
	require.EqualValues(t, 10, retried.TokensDistributed)
	require.EqualValues(t, 10, retried.Balance)

	rec = env.do(t, http.MethodPost, "/api/v1/distributions/retry", userToken(t, 2, ScopeWallet), map[string]any{"userId": 2})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdempotentVoteReplay(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	token := userToken(t, 1, ScopeVote)
	body := map[string]any{"voterId": 1, "vendorId": 4}

	first := env.do(t, http.MethodPost, "/api/v1/votes", token, body, "Idempotency-Key", "vote-1")
	second := env.do(t, http.MethodPost, "/api/v1/votes", token, body, "Idempotency-Key", "vote-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	var records int64
	require.NoError(t, env.db.Model(&models.DistributionRecord{}).Count(&records).Error)
	require.EqualValues(t, 1, records)

	other := env.do(t, http.MethodPost, "/api/v1/wallets/bind", userToken(t, 1, ScopeWallet),
		map[string]any{"userId": 1, "walletAddress": walletHex}, "Idempotency-Key", "vote-1")
	require.Equal(t, http.StatusUnprocessableEntity, other.Code)
}

func TestIdempotencyKeysAreScopedPerSubject(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	first := env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 1, ScopeVote),
		map[string]any{"voterId": 1, "vendorId": 4}, "Idempotency-Key", "shared")
	require.Equal(t, http.StatusOK, first.Code)
	second := env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 2, ScopeVote),
		map[string]any{"voterId": 2, "vendorId": 4}, "Idempotency-Key", "shared")
	require.Equal(t, http.StatusOK, second.Code)
	require.Empty(t, second.Header().Get("Idempotent-Replayed"))
	require.NotEqual(t, decode[voteResponse](t, first).RecordID, decode[voteResponse](t, second).RecordID)

	var voters []uint64
	require.NoError(t, env.db.Model(&models.DistributionRecord{}).Order("voter_id").Pluck("voter_id", &voters).Error)
	require.Equal(t, []uint64{1, 2}, voters)

	replay := env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 2, ScopeVote),
		map[string]any{"voterId": 2, "vendorId": 4}, "Idempotency-Key", "shared")
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, second.Body.String(), replay.Body.String())
}

func TestAdminPauseBlocksVotes(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	token := userToken(t, 1, ScopeVote)

	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/admin/pause", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/admin/pause", token, nil).Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/admin/pause", testAdminToken, pauseRequest{Reason: "incident"}).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/votes", token, map[string]any{"voterId": 1, "vendorId": 4})
	require.Equal(t, admission.ReasonPaused, decode[voteResponse](t, rec).RejectionReason)

	rec = env.do(t, http.MethodGet, "/admin/status", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	require.True(t, status.Paused)
	require.True(t, status.Operator)
	require.Equal(t, "incident", status.Reason)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/admin/resume", testAdminToken, nil).Code)
	env.chain.SetPaused(true)
	rec = env.do(t, http.MethodGet, "/admin/status", testAdminToken, nil)
	status = decode[statusResponse](t, rec)
	require.False(t, status.Operator)
	require.True(t, status.Contract)

	rec = env.do(t, http.MethodPost, "/api/v1/votes", token, map[string]any{"voterId": 1, "vendorId": 4})
	require.Equal(t, admission.ReasonPaused, decode[voteResponse](t, rec).RejectionReason)
}

func TestAdminRecomputeStreak(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 1, ScopeVote), map[string]any{"voterId": 1, "vendorId": 4}).Code)

	rec := env.do(t, http.MethodPost, "/admin/users/1/streak/recompute", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"userId":1,"streak":1}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/admin/users/77/streak/recompute", testAdminToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitThrottlesPerClient(t *testing.T) {
	env := newTestEnv(t, RateLimit{RequestsPerMinute: 1, Burst: 1})
	body := map[string]any{"voterId": 1, "vendorId": 4}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 1, ScopeVote), body).Code)
	rec := env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 1, ScopeVote), body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	other := map[string]any{"voterId": 2, "vendorId": 4}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/votes", userToken(t, 2, ScopeVote), other).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "", nil).Code)
}
