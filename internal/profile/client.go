package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-chat/internal/api"
)

var ErrNotFound = errors.New("profile not found")

type Profile struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar"`
}

// Client reads profiles from the profile service. Every call is bounded by
// the configured timeout, whatever deadline the caller carries.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		log:     log,
	}
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/internal/users/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("get profile %s: unexpected status %d", userID, resp.StatusCode)
	}

	var body api.Response[*Profile]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	if body.Result == nil || body.Result.UserID == "" {
		c.log.Debug("Profile service returned an empty result", "user_id", userID)
		return nil, ErrNotFound
	}
	return body.Result, nil
}
