package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/pay2ping/internal/platform/timeouts"
	"github.com/louisbranch/pay2ping/internal/platform/tokencache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	// DefaultZoomAPIURL is the Zoom REST API base.
	DefaultZoomAPIURL = "https://api.zoom.us/v2"
	// DefaultZoomTokenURL is the Zoom OAuth token endpoint.
	DefaultZoomTokenURL = "https://zoom.us/oauth/token"

	zoomPageSize         = 300
	zoomMaxPages         = 50
	zoomCodeNoSuchReport = 3001
	zoomMaxErrorBody     = 64 << 10
	defaultZoomRateLimit = 10
	defaultZoomMaxTries  = 4
	defaultRetryInterval = 500 * time.Millisecond
)

// ZoomConfig configures the Zoom participant report client.
type ZoomConfig struct {
	AccountID    string
	ClientID     string
	ClientSecret string
	APIURL       string
	TokenURL     string
	// RateLimit caps outbound API requests per second.
	RateLimit float64
	// MaxTries bounds attempts per page on 429 and 5xx responses.
	MaxTries      uint
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// ZoomClient reads Zoom past-meeting participant reports using
// server-to-server OAuth.
type ZoomClient struct {
	apiURL        string
	httpClient    *http.Client
	tokens        *tokencache.Cache
	limiter       *rate.Limiter
	maxTries      uint
	retryInterval time.Duration
}

// APIError is a non-success Zoom API response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("zoom api returned %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("zoom api returned %d: %s", e.StatusCode, e.Message)
}

// NewZoomClient validates cfg and builds a client.
func NewZoomClient(cfg ZoomConfig) (*ZoomClient, error) {
	cfg.AccountID = strings.TrimSpace(cfg.AccountID)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.AccountID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("zoom account id, client id, and client secret are required")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = DefaultZoomAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("parse zoom api url: %w", err)
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = DefaultZoomTokenURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: each lookup is bounded by its context.
		httpClient = &http.Client{}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultZoomRateLimit
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = defaultZoomMaxTries
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	credentials := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
		EndpointParams: url.Values{
			"grant_type": {"account_credentials"},
			"account_id": {cfg.AccountID},
		},
	}
	fetcher := tokencache.FetcherFunc(func(ctx context.Context) (tokencache.Token, error) {
		token, err := credentials.Token(context.WithValue(ctx, oauth2.HTTPClient, httpClient))
		if err != nil {
			return tokencache.Token{}, fmt.Errorf("fetch zoom access token: %w", err)
		}
		return tokencache.Token{Value: token.AccessToken, ExpiresAt: token.Expiry}, nil
	})

	return &ZoomClient{
		apiURL:        apiURL,
		httpClient:    httpClient,
		tokens:        tokencache.New(fetcher, tokencache.WithFetchTimeout(timeouts.TokenRefresh)),
		limiter:       rate.NewLimiter(rate.Limit(limit), 1),
		maxTries:      maxTries,
		retryInterval: retryInterval,
	}, nil
}

type participantsPage struct {
	NextPageToken string `json:"next_page_token"`
	Participants  []struct {
		UserEmail string `json:"user_email"`
		Email     string `json:"email"`
	} `json:"participants"`
}

// Attendees returns the email of every participant in the meeting report,
// following pagination. A missing report returns ErrReportNotReady.
func (c *ZoomClient) Attendees(ctx context.Context, meetingID string) ([]string, error) {
	if c == nil {
		return nil, errors.New("zoom client is not configured")
	}
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return nil, errors.New("meeting id is required")
	}

	attendees := make([]string, 0)
	pageToken := ""
	for page := 0; page < zoomMaxPages; page++ {
		result, err := c.fetchPageWithRetry(ctx, meetingID, pageToken)
		if err != nil {
			return nil, err
		}
		for _, participant := range result.Participants {
			contact := participant.UserEmail
			if strings.TrimSpace(contact) == "" {
				contact = participant.Email
			}
			if strings.TrimSpace(contact) == "" {
				continue
			}
			attendees = append(attendees, contact)
		}
		pageToken = strings.TrimSpace(result.NextPageToken)
		if pageToken == "" {
			return attendees, nil
		}
	}
	return nil, fmt.Errorf("zoom participant report for %s exceeded %d pages", meetingID, zoomMaxPages)
}

func (c *ZoomClient) fetchPageWithRetry(ctx context.Context, meetingID, pageToken string) (participantsPage, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = 8 * c.retryInterval

	return backoff.Retry(ctx, func() (participantsPage, error) {
		return c.fetchPage(ctx, meetingID, pageToken)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxTries))
}

// fetchPage performs one request. Errors wrapped in backoff.Permanent stop
// the retry loop; anything else is retried.
func (c *ZoomClient) fetchPage(ctx context.Context, meetingID, pageToken string) (participantsPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return participantsPage{}, backoff.Permanent(fmt.Errorf("zoom rate limiter: %w", err))
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return participantsPage{}, backoff.Permanent(err)
		}
		return participantsPage{}, err
	}

	query := url.Values{}
	query.Set("page_size", strconv.Itoa(zoomPageSize))
	if pageToken != "" {
		query.Set("next_page_token", pageToken)
	}
	endpoint := c.apiURL + "/report/meetings/" + escapeMeetingID(meetingID) + "/participants?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return participantsPage{}, backoff.Permanent(fmt.Errorf("build zoom request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return participantsPage{}, backoff.Permanent(fmt.Errorf("zoom participants request: %w", err))
		}
		return participantsPage{}, fmt.Errorf("zoom participants request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var page participantsPage
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return participantsPage{}, backoff.Permanent(fmt.Errorf("decode zoom participants: %w", err))
		}
		return page, nil
	}

	apiErr := readAPIError(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound || apiErr.Code == zoomCodeNoSuchReport:
		return participantsPage{}, backoff.Permanent(fmt.Errorf("meeting %s: %w: %v", meetingID, ErrReportNotReady, apiErr))
	case resp.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		return participantsPage{}, apiErr
	case resp.StatusCode == http.StatusTooManyRequests:
		if seconds, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && seconds > 0 {
			return participantsPage{}, backoff.RetryAfter(seconds)
		}
		return participantsPage{}, apiErr
	case resp.StatusCode >= http.StatusInternalServerError:
		return participantsPage{}, apiErr
	default:
		return participantsPage{}, backoff.Permanent(apiErr)
	}
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	body, err := io.ReadAll(io.LimitReader(resp.Body, zoomMaxErrorBody))
	if err != nil || len(body) == 0 {
		return apiErr
	}
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return apiErr
	}
	apiErr.Code = payload.Code
	if strings.TrimSpace(payload.Message) != "" {
		apiErr.Message = payload.Message
	}
	return apiErr
}

// escapeMeetingID double-encodes meeting UUIDs that start with "/" or contain
// "//", as the Zoom report API requires.
func escapeMeetingID(meetingID string) string {
	escaped := url.PathEscape(meetingID)
	if strings.HasPrefix(meetingID, "/") || strings.Contains(meetingID, "//") {
		escaped = url.PathEscape(escaped)
	}
	return escaped
}

var _ Verifier = (*ZoomClient)(nil)
