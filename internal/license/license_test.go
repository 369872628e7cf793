package license

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movie2book/backend/internal/models"
)

func gumroadServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "prod_1", r.PostForm.Get("product_id"))
		assert.Equal(t, "false", r.PostForm.Get("increment_uses_count"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGumroadClient_Verify(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
		email   string
	}{
		{"valid", 200, `{"success":true,"purchase":{"email":"buyer@example.com","created_at":"2024-01-01"}}`, nil, "buyer@example.com"},
		{"unknown key", 404, `{"success":false,"message":"That license does not exist for the provided product."}`, ErrInvalidLicense, ""},
		{"refunded", 200, `{"success":true,"purchase":{"email":"buyer@example.com","refunded":true}}`, ErrInvalidLicense, ""},
		{"provider down", 502, `bad gateway`, ErrProviderUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := gumroadServer(t, tc.status, tc.body)
			c := NewGumroadClient("prod_1").WithEndpoint(srv.URL)
			p, err := c.Verify(context.Background(), "KEY-123")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.email, p.Email)
		})
	}
}

func TestSessions_RoundTripAndTamper(t *testing.T) {
	s := NewSessions("secret", time.Hour)
	id := uuid.New()

	token, err := s.Issue(id, "a@example.com")
	require.NoError(t, err)
	gotID, email, err := s.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "a@example.com", email)

	_, _, err = NewSessions("other", time.Hour).Decode(token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, _, err = s.Decode(token[:len(token)-2] + "xx")
	assert.ErrorIs(t, err, ErrInvalidSession)

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := s.Issue(id, "a@example.com")
	require.NoError(t, err)
	s.now = time.Now
	_, _, err = s.Decode(old)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

type verifierFunc func(ctx context.Context, key string) (*Purchase, error)

func (f verifierFunc) Verify(ctx context.Context, key string) (*Purchase, error) { return f(ctx, key) }

type resolverFunc func(ctx context.Context, email string) (*models.Account, error)

func (f resolverFunc) ResolveEmail(ctx context.Context, email string) (*models.Account, error) {
	return f(ctx, email)
}

func TestHandler_Verify(t *testing.T) {
	sessions := NewSessions("secret", 30*24*time.Hour)
	accountID := uuid.New()
	verifier := verifierFunc(func(_ context.Context, key string) (*Purchase, error) {
		if key != "GOOD" {
			return nil, ErrInvalidLicense
		}
		return &Purchase{Email: "buyer@example.com"}, nil
	})
	resolver := resolverFunc(func(_ context.Context, email string) (*models.Account, error) {
		return &models.Account{ID: accountID, Email: email}, nil
	})
	h := NewHandler(verifier, sessions, resolver, false, nil)

	rec := httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodPost, "/api/v1/license/verify", strings.NewReader(`{"license_key":" GOOD "}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, 30*24*60*60, cookies[0].MaxAge)

	gotID, email, err := sessions.Decode(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, accountID, gotID)
	assert.Equal(t, "buyer@example.com", email)

	// Session lookup is anonymous-tolerant.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/license/session", nil)
	req.AddCookie(cookies[0])
	h.Session(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"auth":"license"`)

	rec = httptest.NewRecorder()
	h.Session(rec, httptest.NewRequest(http.MethodGet, "/api/v1/license/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"auth":null`)
}

func TestHandler_VerifyRejected(t *testing.T) {
	calls := 0
	resolver := resolverFunc(func(context.Context, string) (*models.Account, error) {
		calls++
		return nil, errors.New("must not be called")
	})
	verifier := verifierFunc(func(context.Context, string) (*Purchase, error) { return nil, ErrInvalidLicense })
	h := NewHandler(verifier, NewSessions("s", time.Hour), resolver, false, nil)

	rec := httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"license_key":"BAD"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)
	assert.Zero(t, calls, "no account is created for a rejected key")

	rec = httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCachedVerifier_DegradesWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	calls := 0
	next := verifierFunc(func(context.Context, string) (*Purchase, error) {
		calls++
		return &Purchase{Email: "buyer@example.com"}, nil
	})
	c := NewCachedVerifier(next, rdb, nil)

	p, err := c.Verify(context.Background(), "KEY")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", p.Email)
	assert.Equal(t, 1, calls)
}

func TestCacheKeyDoesNotLeakLicense(t *testing.T) {
	k := cacheKey("SECRET-LICENSE")
	assert.True(t, strings.HasPrefix(k, "license:verify:"))
	assert.NotContains(t, k, "SECRET-LICENSE")
}
