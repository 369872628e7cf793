package checkout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/movie2book/backend/internal/identity"
	"github.com/movie2book/backend/internal/middleware"
	"github.com/movie2book/backend/internal/testsupport"
)

type fakeSessions struct {
	got *stripe.CheckoutSessionParams
	err error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

func withIdentity(r *http.Request, id uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithIdentity(r.Context(), &identity.Identity{AccountID: id, Email: "a@example.com"}))
}

func TestListProducts(t *testing.T) {
	h := NewHandler(nil, "http://app", nil)
	rec := httptest.NewRecorder()
	h.ListProducts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"books":10`)
	assert.Contains(t, rec.Body.String(), `"price":"12.00"`)
}

func TestCreateSession(t *testing.T) {
	fake := &fakeSessions{}
	h := NewHandler(fake, "http://app", nil)
	account := uuid.New()

	rec := httptest.NewRecorder()
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"product_id":"3"}`)), account)
	h.CreateSession(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "cs_1")

	require.NotNil(t, fake.got)
	assert.Equal(t, account.String(), *fake.got.ClientReferenceID)
	assert.Equal(t, "3", fake.got.Metadata["credits"])
	assert.Equal(t, int64(500), *fake.got.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "a@example.com", *fake.got.CustomerEmail)
}

func TestCreateSession_Rejects(t *testing.T) {
	account := uuid.New()

	rec := httptest.NewRecorder()
	NewHandler(&fakeSessions{}, "http://app", nil).CreateSession(rec,
		httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"product_id":"3"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(nil, "http://app", nil).CreateSession(rec,
		withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"product_id":"3"}`)), account))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(&fakeSessions{}, "http://app", nil).CreateSession(rec,
		withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"product_id":"7"}`)), account))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(&fakeSessions{err: errors.New("stripe down")}, "http://app", nil).CreateSession(rec,
		withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"product_id":"1"}`)), account))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type fakePortal struct {
	got *stripe.BillingPortalSessionParams
	err error
}

func (f *fakePortal) New(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.BillingPortalSession{ID: "bps_1", URL: "https://billing.stripe.test/bps_1"}, nil
}

func TestCreatePortalSession(t *testing.T) {
	accounts := testsupport.NewAccountStore()
	subscriber := accounts.Add("sub@example.com")
	require.NoError(t, accounts.SetStripeCustomerID(context.Background(), subscriber.ID, "cus_123"))
	buyer := accounts.Add("buyer@example.com")

	portal := &fakePortal{}
	h := NewHandler(nil, "http://app", nil).WithPortal(portal, accounts)

	rec := httptest.NewRecorder()
	h.CreatePortalSession(rec, withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/billing-portal", nil), subscriber.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "https://billing.stripe.test/bps_1")
	require.NotNil(t, portal.got)
	assert.Equal(t, "cus_123", *portal.got.Customer)
	assert.Equal(t, "http://app/account", *portal.got.ReturnURL)

	rec = httptest.NewRecorder()
	h.CreatePortalSession(rec, withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/billing-portal", nil), buyer.ID))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no Stripe customer recorded")

	rec = httptest.NewRecorder()
	h.CreatePortalSession(rec, httptest.NewRequest(http.MethodPost, "/api/v1/billing-portal", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(nil, "http://app", nil).CreatePortalSession(rec,
		withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/billing-portal", nil), subscriber.ID))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(nil, "http://app", nil).WithPortal(&fakePortal{err: errors.New("stripe down")}, accounts).CreatePortalSession(rec,
		withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/billing-portal", nil), subscriber.ID))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
