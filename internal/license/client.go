package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const gumroadVerifyURL = "https://api.gumroad.com/v2/licenses/verify"

var (
	// ErrInvalidLicense means the provider rejected the key.
	ErrInvalidLicense = errors.New("license: invalid license key")
	// ErrProviderUnavailable means the provider could not be asked.
	ErrProviderUnavailable = errors.New("license: provider unavailable")
)

// Purchase is what a valid license key resolves to.
type Purchase struct {
	Email     string `json:"email"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, licenseKey string) (*Purchase, error)
}

// GumroadClient verifies license keys against the Gumroad API.
type GumroadClient struct {
	endpoint   string
	productID  string
	httpClient *http.Client
}

func NewGumroadClient(productID string) *GumroadClient {
	return &GumroadClient{
		endpoint:   gumroadVerifyURL,
		productID:  productID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint points the client at another verify URL.
func (c *GumroadClient) WithEndpoint(u string) *GumroadClient {
	c.endpoint = u
	return c
}

type gumroadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Purchase struct {
		Email        string `json:"email"`
		CreatedAt    string `json:"created_at"`
		Refunded     bool   `json:"refunded"`
		Chargebacked bool   `json:"chargebacked"`
	} `json:"purchase"`
}

func (c *GumroadClient) Verify(ctx context.Context, licenseKey string) (*Purchase, error) {
	if c.productID == "" {
		return nil, fmt.Errorf("%w: product id not configured", ErrProviderUnavailable)
	}
	form := url.Values{
		"product_id":           {c.productID},
		"license_key":          {licenseKey},
		"increment_uses_count": {"false"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var body gumroadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrProviderUnavailable, err)
	}
	if !body.Success || body.Purchase.Email == "" || body.Purchase.Refunded || body.Purchase.Chargebacked {
		return nil, ErrInvalidLicense
	}
	return &Purchase{Email: body.Purchase.Email, CreatedAt: body.Purchase.CreatedAt}, nil
}
