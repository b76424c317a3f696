package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"rewardsledger/core/events"
	"rewardsledger/core/state"
	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
	"rewardsledger/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	genesis  = time.Unix(1_700_000_000, 0)
	admin    = crypto.DeriveAddress(crypto.NHBPrefix, "admin")
	intruder = crypto.DeriveAddress(crypto.NHBPrefix, "intruder")
	asset    = crypto.DeriveAddress(crypto.ZNHBPrefix, "asset")
	reward   = crypto.DeriveAddress(crypto.ZNHBPrefix, "reward")
	alice    = crypto.DeriveAddress(crypto.NHBPrefix, "alice")
	bob      = crypto.DeriveAddress(crypto.NHBPrefix, "bob")
)

type fixture struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	ledger  *incentives.Controller
	store   *state.IncentivesStore
	server  *Server
	handler http.Handler
}

func newFixture(t *testing.T, limit RateLimit) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(genesis)
	db := storage.NewMemDB()
	store := state.NewIncentivesStore(db)
	book := state.NewPositionBook(db)
	hub := NewHub()
	ledger, err := incentives.NewController(store, incentives.Params{RewardToken: reward},
		incentives.WithAuthorizer(incentives.NewRoleTable(admin)),
		incentives.WithBalanceSource(book),
		incentives.WithEmitter(hub),
		incentives.WithClock(clock))
	require.NoError(t, err)
	srv, err := New(Config{
		Auth:      AuthConfig{Secret: testSecret, Issuer: "incentivesd", Audience: []string{"ledger"}},
		RateLimit: limit,
	}, ledger, WithHub(hub), WithClock(clock))
	require.NoError(t, err)
	return &fixture{t: t, clock: clock, ledger: ledger, store: store, server: srv, handler: srv.Handler()}
}

func (f *fixture) token(subject crypto.Address, roles ...Role) string {
	f.t.Helper()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	tok, err := SignToken([]byte(testSecret), Claims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			Issuer:    "incentivesd",
			Audience:  jwt.ClaimStrings{"ledger"},
			IssuedAt:  jwt.NewNumericDate(f.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Hour)),
		},
	})
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) configure(emission, supply string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/v1/admin/assets", f.token(admin, RoleAdmin), configureAssetsRequest{
		Assets:             []string{asset.String()},
		EmissionsPerSecond: []string{emission},
		TotalSupplies:      []string{supply},
	})
	require.Equal(f.t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetaRequiresToken(t *testing.T) {
	f := newFixture(t, RateLimit{})
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/meta", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/meta", "not-a-jwt", nil).Code)

	rec := f.do(http.MethodGet, "/v1/meta", f.token(alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decode[metaResponse](t, rec)
	require.Equal(t, reward.String(), meta.RewardToken)
	require.Equal(t, incentives.DefaultPrecision, meta.Precision)
	require.Zero(t, meta.DistributionEnd)
}

func TestExpiredAndForeignTokensRejected(t *testing.T) {
	f := newFixture(t, RateLimit{})
	tok := f.token(alice)
	f.clock.Advance(2 * time.Hour)
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/meta", tok, nil).Code)

	foreign, err := SignToken([]byte(strings.Repeat("x", 32)), Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   alice.String(),
		Issuer:    "incentivesd",
		Audience:  jwt.ClaimStrings{"ledger"},
		ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/meta", foreign, nil).Code)
}

func TestActionClaimFlow(t *testing.T) {
	f := newFixture(t, RateLimit{})
	f.configure("100", "500")
	assetTok := f.token(asset, RoleAsset)

	rec := f.do(http.MethodPost, "/v1/actions", assetTok, actionRequest{
		User: alice.String(), UserBalance: "0", TotalSupply: "500",
		Position: &positionReport{Balance: "500", TotalSupply: "1000", Sequence: 1},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "0", decode[actionResponse](t, rec).Accrued)

	f.clock.Advance(10 * time.Second)
	rec = f.do(http.MethodPost, "/v1/actions", assetTok, actionRequest{
		User: alice.String(), UserBalance: "500", TotalSupply: "1000",
		Position: &positionReport{Balance: "500", TotalSupply: "1000", Sequence: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "500", decode[actionResponse](t, rec).Accrued)

	userTok := f.token(alice, RoleUser)
	rec = f.do(http.MethodGet, "/v1/users/"+alice.String()+"/rewards?assets="+asset.String(), userTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "500", decode[rewardsResponse](t, rec).Rewards)

	rec = f.do(http.MethodPost, "/v1/claims", userTok, claimRequest{Assets: []string{asset.String()}, Amount: "300"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "300", decode[claimResponse](t, rec).Paid)

	rec = f.do(http.MethodGet, "/v1/users/"+alice.String()+"/unclaimed", userTok, nil)
	require.Equal(t, "200", decode[unclaimedResponse](t, rec).Unclaimed)

	rec = f.do(http.MethodPost, "/v1/claims", userTok, claimRequest{Assets: []string{asset.String()}, Amount: "max", To: bob.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "200", decode[claimResponse](t, rec).Paid)

	pending, err := f.store.PendingPayouts(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.True(t, pending[1].To.Equal(bob))

	rec = f.do(http.MethodGet, "/v1/assets/"+asset.String(), userTok, nil)
	data := decode[assetResponse](t, rec)
	require.Equal(t, "100", data.EmissionPerSecond)
	require.Equal(t, uint64(genesis.Unix()+10), data.LastUpdateTimestamp)

	rec = f.do(http.MethodGet, "/v1/users/"+alice.String()+"/assets/"+asset.String(), userTok, nil)
	require.Equal(t, data.Index, decode[userAssetResponse](t, rec).Index)
}

func TestRoleAndCapabilityChecks(t *testing.T) {
	f := newFixture(t, RateLimit{})
	body := configureAssetsRequest{Assets: []string{asset.String()}, EmissionsPerSecond: []string{"1"}, TotalSupplies: []string{"1"}}

	rec := f.do(http.MethodPost, "/v1/admin/assets", f.token(alice, RoleUser), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// The token grants the role but the ledger does not list the caller.
	rec = f.do(http.MethodPost, "/v1/admin/assets", f.token(intruder, RoleAdmin), body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "unauthorized")

	rec = f.do(http.MethodPost, "/v1/actions", f.token(alice, RoleUser), actionRequest{User: alice.String(), UserBalance: "0", TotalSupply: "0"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t, RateLimit{})
	tok := f.token(admin, RoleAdmin)

	rec := f.do(http.MethodPost, "/v1/admin/assets", tok, configureAssetsRequest{
		Assets: []string{asset.String()}, EmissionsPerSecond: []string{"1", "2"}, TotalSupplies: []string{"1"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "length mismatch")

	rec = f.do(http.MethodPost, "/v1/admin/assets", tok, configureAssetsRequest{
		Assets: []string{"garbage"}, EmissionsPerSecond: []string{"1"}, TotalSupplies: []string{"1"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/admin/assets", tok, map[string]interface{}{"unexpected": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimOnBehalfRequiresDelegation(t *testing.T) {
	f := newFixture(t, RateLimit{})
	bobTok := f.token(bob, RoleUser)
	claim := claimOnBehalfRequest{Assets: []string{}, Amount: "10", User: alice.String(), To: bob.String()}

	rec := f.do(http.MethodPost, "/v1/claims/on-behalf", bobTok, claim)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPut, "/v1/admin/claimers/"+alice.String(), f.token(admin, RoleAdmin), setClaimerRequest{Claimer: bob.String()})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/v1/users/"+alice.String()+"/claimer", bobTok, nil)
	require.Equal(t, bob.String(), decode[claimerResponse](t, rec).Claimer)

	rec = f.do(http.MethodPost, "/v1/claims/on-behalf", bobTok, claim)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "0", decode[claimResponse](t, rec).Paid)
}

func TestSetDistributionEnd(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(http.MethodPut, "/v1/admin/distribution-end", f.token(admin, RoleAdmin), setDistributionEndRequest{End: 1_700_000_500})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/v1/meta", f.token(alice), nil)
	require.Equal(t, uint64(1_700_000_500), decode[metaResponse](t, rec).DistributionEnd)
}

func TestRateLimitPerCaller(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerMinute: 60, Burst: 1})
	aliceTok := f.token(alice)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/meta", aliceTok, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/v1/meta", aliceTok, nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/meta", f.token(bob), nil).Code)

	f.clock.Advance(time.Second)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/meta", aliceTok, nil).Code)
}

func TestRateLimiterEvictsIdleCallers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(genesis)
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, clock)
	require.True(t, limiter.allow("a"))
	require.True(t, limiter.allow("b"))
	require.Equal(t, 2, limiter.tracked())
	clock.Advance(6 * time.Minute)
	require.True(t, limiter.allow("c"))
	require.Equal(t, 1, limiter.tracked())
}

// Reports delivered out of order are refused with 409 and leave the ledger
// as it was; the sequence, not arrival time, decides which supply counts.
func TestActionRejectsOutOfOrderPosition(t *testing.T) {
	f := newFixture(t, RateLimit{})
	f.configure("100", "0")
	assetTok := f.token(asset, RoleAsset)

	rec := f.do(http.MethodPost, "/v1/actions", assetTok, actionRequest{
		User: bob.String(), UserBalance: "0", TotalSupply: "1000",
		Position: &positionReport{Balance: "1000", TotalSupply: "2000", Sequence: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/v1/actions", assetTok, actionRequest{
		User: alice.String(), UserBalance: "0", TotalSupply: "0",
		Position: &positionReport{Balance: "1000", TotalSupply: "1000", Sequence: 1},
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	index, err := f.ledger.GetUserAssetData(alice, asset)
	require.NoError(t, err)
	require.True(t, index.IsZero())

	rec = f.do(http.MethodPost, "/v1/actions", assetTok, actionRequest{
		User: alice.String(), UserBalance: "0", TotalSupply: "2000",
		Position: &positionReport{Balance: "1000", TotalSupply: "2000"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/v1/actions", assetTok, actionRequest{
		User: alice.String(), UserBalance: "0", TotalSupply: "2000",
		Position: &positionReport{Balance: "1000", TotalSupply: "2000", Sequence: 3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.clock.Advance(10 * time.Second)
	userTok := f.token(alice, RoleUser)
	rec = f.do(http.MethodGet, "/v1/users/"+alice.String()+"/rewards?assets="+asset.String(), userTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "500", decode[rewardsResponse](t, rec).Rewards)
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		incentives.ErrUnauthorized:       http.StatusForbidden,
		incentives.ErrLengthMismatch:     http.StatusBadRequest,
		incentives.ErrInvalidAddress:     http.StatusBadRequest,
		incentives.ErrInvalidAmount:      http.StatusBadRequest,
		incentives.ErrArithmeticOverflow: http.StatusUnprocessableEntity,
		incentives.ErrStalePosition:      http.StatusConflict,
		context.Canceled:                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	sub, unsubscribe := hub.subscribe([]string{events.TypeClaimerSet})
	defer unsubscribe()
	require.Equal(t, 1, hub.Subscribers())

	hub.Emit(events.DistributionEndUpdated{End: 1})
	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Emit(events.ClaimerSet{User: alice, Claimer: bob})
	}
	require.Len(t, sub.ch, subscriberBuffer)
	evt := <-sub.ch
	require.Equal(t, events.TypeClaimerSet, evt.Type)
	require.Equal(t, bob.String(), evt.Attributes["claimer"])
}

func TestEventStreamDeliversCommittedEvents(t *testing.T) {
	f := newFixture(t, RateLimit{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?types=" + events.TypeClaimerSet
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token(alice)}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for f.server.Hub().Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NoError(t, f.ledger.SetClaimer(ctx, admin, alice, bob))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, events.TypeClaimerSet, evt.Type)
	require.Equal(t, alice.String(), evt.Attributes["user"])
}

func TestSignTokenRejectsBadSubject(t *testing.T) {
	_, err := SignToken([]byte(testSecret), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "nobody"}})
	require.Error(t, err)
	_, err = SignToken(nil, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: alice.String()}})
	require.Error(t, err)
}
