package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"errorwatch.app/pipeline/common/otel"
	"errorwatch.app/pipeline/internal/model"
)

var (
	// ErrUnauthenticated means the identity provider answered and rejected the session.
	ErrUnauthenticated = errors.New("session not authenticated")
	// ErrUnavailable covers transport failures, timeouts and non-OK lookups.
	ErrUnavailable = errors.New("upstream unavailable")
)

const (
	sessionPath    = "/api/auth/get-session"
	onboardingPath = "/api/v1/onboarding/status"
	orgsPath       = "/api/v1/organizations"

	maxBodyBytes = 1 << 20
)

// Client talks to the monitoring API on behalf of a dashboard request,
// forwarding the caller's cookies verbatim.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    otel.InstrumentClient(&http.Client{Timeout: timeout}),
	}
}

type sessionResponse struct {
	User *model.Principal `json:"user"`
}

// GetSession validates the session carried in cookie. A non-200 answer or a
// body without user.id is ErrUnauthenticated; anything that prevents an answer
// is ErrUnavailable.
func (c *Client) GetSession(ctx context.Context, cookie string) (model.Principal, error) {
	status, body, err := c.get(ctx, sessionPath, cookie)
	if err != nil {
		return model.Principal{}, err
	}
	if status != http.StatusOK {
		return model.Principal{}, fmt.Errorf("%w: status %d", ErrUnauthenticated, status)
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.User == nil || resp.User.ID == "" {
		return model.Principal{}, fmt.Errorf("%w: no user in session response", ErrUnauthenticated)
	}
	return *resp.User, nil
}

func (c *Client) OnboardingStatus(ctx context.Context, cookie string) (model.OnboardingStatus, error) {
	var status model.OnboardingStatus
	if err := c.getJSON(ctx, onboardingPath, cookie, &status); err != nil {
		return model.OnboardingStatus{}, err
	}
	return status, nil
}

func (c *Client) Organizations(ctx context.Context, cookie string) ([]model.Organization, error) {
	var orgs []model.Organization
	if err := c.getJSON(ctx, orgsPath, cookie, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

func (c *Client) getJSON(ctx context.Context, path, cookie string, out any) error {
	status, body, err := c.get(ctx, path, cookie)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path, cookie string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, path, err)
	}
	return resp.StatusCode, body, nil
}
