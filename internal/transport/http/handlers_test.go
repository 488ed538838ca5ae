package httptransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	catalog "cardvault/internal/catalog/models"
	catalogservice "cardvault/internal/catalog/service"
	gradingservice "cardvault/internal/grading/service"
	"cardvault/internal/identity"
	instance "cardvault/internal/instance/models"
	instservice "cardvault/internal/instance/service"
	market "cardvault/internal/market/models"
	marketservice "cardvault/internal/market/service"
	"cardvault/internal/ratelimit"
	"cardvault/internal/storage"
	"cardvault/internal/storage/memory"
	"cardvault/internal/supply/readmodel"
	supplyservice "cardvault/internal/supply/service"
	trading "cardvault/internal/trading/models"
	tradingservice "cardvault/internal/trading/service"
	"cardvault/internal/transport/http/mocks"
	walletservice "cardvault/internal/wallet/service"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/testutil"
)

type RouterSuite struct {
	suite.Suite
	repos  storage.Repos
	router http.Handler
	tokens *identity.TokenService
	def    *catalog.CardDefinition
	admin  id.UserID
	alice  id.UserID
	bob    id.UserID
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := memory.New()
	s.repos = backend.Repos()
	s.tokens = identity.NewTokenService("router-test-signing-key-0123", "cardvault", "cardvault-api")

	s.def = &catalog.CardDefinition{
		ID:    id.NewDefinitionID(),
		Slug:  "ember-drake",
		Name:  "Ember Drake",
		Tiers: []catalog.RarityTier{{Rarity: "Rare", TotalCopies: 3}},
	}
	s.Require().NoError(s.repos.Definitions.Upsert(context.Background(), s.def))

	supply := readmodel.New(s.repos.Definitions, s.repos.MintCounters, readmodel.NewMemoryCache(), readmodel.NewMemoryOverrides())
	s.router = NewRouter(New(Services{
		Catalog:   catalogservice.New(s.repos.Definitions),
		Instances: instservice.New(backend, s.repos.Instances),
		Allocator: supplyservice.New(backend, s.repos.Definitions, supplyservice.WithCacheInvalidator(supply)),
		Supply:    supply,
		Grading:   gradingservice.New(backend, s.repos.Instances),
		Market:    marketservice.New(backend, s.repos.Listings),
		Trading:   tradingservice.New(backend, s.repos.Trades),
		Wallet:    walletservice.New(s.repos.Wallets),
	}, logger), s.tokens, nil, nil)

	s.admin = id.NewUserID()
	s.alice = id.NewUserID()
	s.bob = id.NewUserID()
}

func (s *RouterSuite) do(userID id.UserID, admin bool, method, path string, body any) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), method, path, body)
	token, err := s.tokens.Issue(userID, admin, time.Hour)
	s.Require().NoError(err)
	return testutil.DoRequest(s.router, testutil.Authorize(req, token))
}

func (s *RouterSuite) allocate(owner id.UserID) *instance.CardInstance {
	res := s.do(s.admin, true, http.MethodPost, "/admin/supply/allocate", map[string]any{
		"definition_id": s.def.ID,
		"rarity":        "Rare",
		"owner_id":      owner,
	})
	s.Require().Equal(http.StatusCreated, res.Code, res.Body.String())
	return testutil.UnmarshalResponse[instance.CardInstance](s.T(), res)
}

func (s *RouterSuite) grant(userID id.UserID, packs int64) {
	res := s.do(s.admin, true, http.MethodPost, "/admin/wallets/"+userID.String()+"/grant", map[string]any{"packs": packs})
	s.Require().Equal(http.StatusOK, res.Code, res.Body.String())
}

func (s *RouterSuite) TestRequiresBearerToken() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/catalog"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	s.NotEmpty(rr.Header().Get("X-Request-ID"))
}

func (s *RouterSuite) TestAdminRoutesRejectPlayers() {
	res := s.do(s.alice, false, http.MethodPost, "/admin/supply/allocate", map[string]any{
		"definition_id": s.def.ID,
		"rarity":        "Rare",
		"owner_id":      s.alice,
	})
	testutil.AssertStatusAndError(s.T(), res, http.StatusForbidden, "forbidden")
}

func (s *RouterSuite) TestAllocationUpdatesDisplayedSupply() {
	first := s.allocate(s.alice)
	s.Equal(1, first.MintNumber)
	s.Equal(s.alice, first.OwnerID)

	res := s.do(s.alice, false, http.MethodGet, "/supply/"+s.def.ID.String()+"/Rare", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	display := testutil.UnmarshalResponse[readmodel.Display](s.T(), res)
	s.Equal(3, display.TotalCopies)
	s.Equal(2, display.Remaining)
	s.False(display.Overridden)

	s.allocate(s.bob)
	s.allocate(s.bob)
	res = s.do(s.admin, true, http.MethodPost, "/admin/supply/allocate", map[string]any{
		"definition_id": s.def.ID,
		"rarity":        "Rare",
		"owner_id":      s.bob,
	})
	testutil.AssertStatusAndError(s.T(), res, http.StatusUnprocessableEntity, string(dErrors.CodeSupplyExhausted))
}

func (s *RouterSuite) TestDisplayOverride() {
	path := "/admin/supply/" + s.def.ID.String() + "/Rare/display"
	res := s.do(s.admin, true, http.MethodPut, path, map[string]any{"value": 0})
	s.Require().Equal(http.StatusOK, res.Code, res.Body.String())
	display := testutil.UnmarshalResponse[readmodel.Display](s.T(), res)
	s.Equal(0, display.Remaining)
	s.True(display.Overridden)

	// The override is cosmetic; allocation still draws from the real counter.
	s.Equal(1, s.allocate(s.alice).MintNumber)

	res = s.do(s.admin, true, http.MethodPut, path, map[string]any{})
	testutil.AssertStatusAndError(s.T(), res, http.StatusBadRequest, string(dErrors.CodeValidation))

	res = s.do(s.admin, true, http.MethodDelete, path, nil)
	s.Equal(http.StatusNoContent, res.Code)
	res = s.do(s.alice, false, http.MethodGet, "/supply/"+s.def.ID.String()+"/Rare", nil)
	display = testutil.UnmarshalResponse[readmodel.Display](s.T(), res)
	s.Equal(2, display.Remaining)
}

func (s *RouterSuite) TestListingForPacks() {
	card := s.allocate(s.alice)
	s.grant(s.bob, 5)

	res := s.do(s.alice, false, http.MethodPost, "/listings", map[string]any{"instance_id": card.ID})
	s.Require().Equal(http.StatusCreated, res.Code, res.Body.String())
	listing := testutil.UnmarshalResponse[market.Listing](s.T(), res)
	s.Equal("Ember Drake", listing.Instance.CardName)

	res = s.do(s.bob, false, http.MethodGet, "/listings", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	open := testutil.UnmarshalResponse[listingsResponse](s.T(), res)
	s.Len(open.Listings, 1)

	res = s.do(s.bob, false, http.MethodPost, "/listings/"+listing.ID.String()+"/offers", map[string]any{"packs": 2})
	s.Require().Equal(http.StatusCreated, res.Code, res.Body.String())
	offer := testutil.UnmarshalResponse[market.Offer](s.T(), res)

	accept := "/listings/" + listing.ID.String() + "/offers/" + offer.ID.String() + "/accept"
	res = s.do(s.bob, false, http.MethodPost, accept, nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusForbidden, string(dErrors.CodeForbidden))

	res = s.do(s.alice, false, http.MethodPost, accept, nil)
	s.Require().Equal(http.StatusNoContent, res.Code, res.Body.String())

	res = s.do(s.bob, false, http.MethodGet, "/me/instances", nil)
	owned := testutil.UnmarshalResponse[instancesResponse](s.T(), res)
	s.Require().Len(owned.Instances, 1)
	s.Equal(card.ID, owned.Instances[0].ID)
	s.Equal(instance.StatusAvailable, owned.Instances[0].Status)

	res = s.do(s.alice, false, http.MethodGet, "/me/wallet", nil)
	wallet := testutil.UnmarshalResponse[walletservice.Wallet](s.T(), res)
	s.Equal(int64(2), wallet.Packs)

	res = s.do(s.alice, false, http.MethodGet, "/listings/"+listing.ID.String(), nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusNotFound, string(dErrors.CodeNotFound))
}

func (s *RouterSuite) TestTradeSwap() {
	aliceCard := s.allocate(s.alice)
	bobCard := s.allocate(s.bob)

	res := s.do(s.alice, false, http.MethodPost, "/trades", map[string]any{
		"recipient_id":           s.bob,
		"offered_instance_ids":   []id.InstanceID{aliceCard.ID},
		"requested_instance_ids": []id.InstanceID{bobCard.ID},
	})
	s.Require().Equal(http.StatusCreated, res.Code, res.Body.String())
	trade := testutil.UnmarshalResponse[trading.Trade](s.T(), res)

	res = s.do(s.alice, false, http.MethodPost, "/trades/"+trade.ID.String()+"/accept", nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusForbidden, string(dErrors.CodeForbidden))

	res = s.do(s.bob, false, http.MethodPost, "/trades/"+trade.ID.String()+"/accept", nil)
	s.Require().Equal(http.StatusOK, res.Code, res.Body.String())
	accepted := testutil.UnmarshalResponse[trading.Trade](s.T(), res)
	s.Equal(trading.StatusAccepted, accepted.Status)

	res = s.do(s.bob, false, http.MethodPost, "/trades/"+trade.ID.String()+"/reject", nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusConflict, string(dErrors.CodeAlreadyClosed))

	res = s.do(s.alice, false, http.MethodGet, "/instances/"+bobCard.ID.String(), nil)
	moved := testutil.UnmarshalResponse[instance.CardInstance](s.T(), res)
	s.Equal(s.alice, moved.OwnerID)

	res = s.do(s.bob, false, http.MethodGet, "/me/trades", nil)
	trades := testutil.UnmarshalResponse[tradesResponse](s.T(), res)
	s.Len(trades.Trades, 1)
}

func (s *RouterSuite) TestGradingFlow() {
	card := s.allocate(s.alice)
	base := "/instances/" + card.ID.String() + "/grading"

	res := s.do(s.bob, false, http.MethodPost, base, nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusForbidden, string(dErrors.CodeForbidden))

	res = s.do(s.alice, false, http.MethodPost, base, nil)
	s.Require().Equal(http.StatusAccepted, res.Code, res.Body.String())

	res = s.do(s.alice, false, http.MethodGet, base, nil)
	status := testutil.UnmarshalResponse[gradingservice.Status](s.T(), res)
	s.False(status.Ready)

	res = s.do(s.alice, false, http.MethodPost, base+"/complete", map[string]any{"grade": 9.5})
	testutil.AssertStatusAndError(s.T(), res, http.StatusForbidden, string(dErrors.CodeForbidden))

	res = s.do(s.admin, true, http.MethodPost, base+"/complete", map[string]any{"grade": 9.5, "admin_override": true})
	s.Require().Equal(http.StatusOK, res.Code, res.Body.String())

	res = s.do(s.alice, false, http.MethodPost, base+"/reveal", nil)
	s.Require().Equal(http.StatusOK, res.Code, res.Body.String())
	revealed := testutil.UnmarshalResponse[instance.CardInstance](s.T(), res)
	s.True(revealed.Slabbed)
	s.Require().NotNil(revealed.Grade)
	s.Equal(9.5, *revealed.Grade)
	s.Equal(instance.StatusAvailable, revealed.Status)
}

func (s *RouterSuite) TestReturnToPool() {
	card := s.allocate(s.alice)

	res := s.do(s.admin, true, http.MethodDelete, "/admin/instances/"+card.ID.String(), nil)
	s.Require().Equal(http.StatusNoContent, res.Code, res.Body.String())

	res = s.do(s.alice, false, http.MethodGet, "/instances/"+card.ID.String(), nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusNotFound, string(dErrors.CodeNotFound))
	s.Equal(2, s.allocate(s.bob).MintNumber)
}

func (s *RouterSuite) TestMalformedInput() {
	res := s.do(s.alice, false, http.MethodGet, "/instances/not-a-uuid", nil)
	testutil.AssertStatusAndError(s.T(), res, http.StatusBadRequest, string(dErrors.CodeInvalidInput))

	req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/listings", `{"instance_id":`)
	token, err := s.tokens.Issue(s.alice, false, time.Hour)
	s.Require().NoError(err)
	rr := testutil.DoRequest(s.router, testutil.Authorize(req, token))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
}

func TestHealthz(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := identity.NewTokenService("router-test-signing-key-0123", "cardvault", "cardvault-api")

	t.Run("healthy", func(t *testing.T) {
		router := NewRouter(New(Services{}, logger), tokens, nil, map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		})
		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
		require.Equal(t, http.StatusOK, rr.Code)
		testutil.AssertJSONContains(t, rr, "database", "ok")
	})

	t.Run("degraded", func(t *testing.T) {
		router := NewRouter(New(Services{}, logger), tokens, nil, map[string]HealthCheck{
			"kafka": func(context.Context) error { return errors.New("no brokers") },
		})
		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		testutil.AssertJSONContains(t, rr, "kafka", "no brokers")
	})
}

func TestWalletErrorMapping(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := identity.NewTokenService("router-test-signing-key-0123", "cardvault", "cardvault-api")
	ctrl := gomock.NewController(t)
	wallets := mocks.NewMockWalletService(ctrl)
	router := NewRouter(New(Services{Wallet: wallets}, logger), tokens, nil, nil)

	admin := id.NewUserID()
	target := id.NewUserID()
	token, err := tokens.Issue(admin, true, time.Hour)
	require.NoError(t, err)

	send := func(body any) *httptest.ResponseRecorder {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/admin/wallets/"+target.String()+"/grant", body)
		return testutil.DoRequest(router, testutil.Authorize(req, token))
	}

	t.Run("validation errors keep their description", func(t *testing.T) {
		wallets.EXPECT().
			Grant(gomock.Any(), id.Actor{UserID: admin, Admin: true}, target, int64(0)).
			Return(nil, dErrors.New(dErrors.CodeValidation, "packs must be between 1 and 1000000"))
		res := send(map[string]any{"packs": 0})
		testutil.AssertStatus(t, res, http.StatusBadRequest)
		body := testutil.UnmarshalErrorResponse(t, res)
		assert.Equal(t, "validation_error", body.Error)
		assert.Equal(t, "packs must be between 1 and 1000000", body.Description)
	})

	t.Run("internal errors are not leaked", func(t *testing.T) {
		wallets.EXPECT().
			Grant(gomock.Any(), gomock.Any(), target, int64(10)).
			Return(nil, dErrors.Wrap(errors.New("connection reset"), dErrors.CodeInternal, "failed to credit wallet"))
		res := send(map[string]any{"packs": 10})
		testutil.AssertStatus(t, res, http.StatusInternalServerError)
		body := testutil.UnmarshalErrorResponse(t, res)
		assert.Equal(t, "internal_error", body.Error)
		assert.NotContains(t, res.Body.String(), "error_description")
	})

	t.Run("success", func(t *testing.T) {
		wallets.EXPECT().
			Grant(gomock.Any(), gomock.Any(), target, int64(25)).
			Return(&walletservice.Wallet{UserID: target, Packs: 25}, nil)
		res := send(map[string]any{"packs": 25})
		require.Equal(t, http.StatusOK, res.Code)
		testutil.AssertJSONContains(t, res, "packs", float64(25))
	})
}

func TestRateLimitedRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := identity.NewTokenService("router-test-signing-key-0123", "cardvault", "cardvault-api")
	ctrl := gomock.NewController(t)
	wallets := mocks.NewMockWalletService(ctrl)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 1, time.Minute, logger)
	router := NewRouter(New(Services{Wallet: wallets}, logger), tokens, nil, nil, WithRateLimit(limiter.PerUser))

	userID := id.NewUserID()
	wallets.EXPECT().Balance(gomock.Any(), userID).Return(&walletservice.Wallet{UserID: userID, Packs: 3}, nil).Times(1)
	token, err := tokens.Issue(userID, false, time.Hour)
	require.NoError(t, err)

	get := func() *httptest.ResponseRecorder {
		req := testutil.NewRequest(t, http.MethodGet, "/me/wallet")
		return testutil.DoRequest(router, testutil.Authorize(req, token))
	}
	require.Equal(t, http.StatusOK, get().Code)
	rejected := get()
	testutil.AssertStatusAndError(t, rejected, http.StatusTooManyRequests, "rate_limit_exceeded")
	body := testutil.UnmarshalErrorResponse(t, rejected)
	assert.Positive(t, body.RetryAfter)
	assert.Equal(t, strconv.Itoa(body.RetryAfter), rejected.Header().Get("Retry-After"))

	rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
	assert.Equal(t, http.StatusOK, rr.Code, "health checks are not throttled")
}
