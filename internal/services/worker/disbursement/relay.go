package disbursement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	releasesPath        = "/v1/releases"
	idempotencyHeader   = "Idempotency-Key"
	simulationFailed    = "simulation_failed"
	maxRelayErrorBody   = 64 << 10
	maxRelayReplyLength = 1 << 20
)

// RelayConfig configures the ledger relay client.
type RelayConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// RelayClient submits releases to a ledger relay that holds the signing key
// and returns the transaction signature.
type RelayClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

type releaseRequest struct {
	EscrowID    string `json:"escrow_id"`
	VaultID     string `json:"vault_id"`
	Initializer string `json:"initializer"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
}

type releaseResponse struct {
	Signature string `json:"signature"`
}

type relayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewRelayClient validates cfg and builds a client.
func NewRelayClient(cfg RelayConfig) (*RelayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ledger relay url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ledger relay url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("ledger relay url must be http or https, got %q", parsed.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: each call is bounded by its context.
		httpClient = &http.Client{}
	}
	return &RelayClient{
		endpoint:   base + releasesPath,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
	}, nil
}

// Release submits one transfer. The escrow id doubles as the idempotency key
// so a resubmission after an unknown outcome cannot pay twice.
func (c *RelayClient) Release(ctx context.Context, release Release) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: ledger relay is not configured", ErrNetwork)
	}
	if err := release.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(releaseRequest{
		EscrowID:    strings.TrimSpace(release.EscrowID),
		VaultID:     strings.TrimSpace(release.VaultID),
		Initializer: strings.TrimSpace(release.Initializer),
		Recipient:   strings.TrimSpace(release.Recipient),
		Amount:      strconv.FormatUint(release.Amount, 10),
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode release: %v", ErrValidation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build release request: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(idempotencyHeader, strings.TrimSpace(release.EscrowID))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if neverSent(err) {
			return "", fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return "", fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var reply releaseResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxRelayReplyLength)).Decode(&reply); err != nil {
			return "", fmt.Errorf("%w: decode release reply: %v", ErrAmbiguous, err)
		}
		signature := strings.TrimSpace(reply.Signature)
		if signature == "" {
			return "", fmt.Errorf("%w: release reply has no signature", ErrAmbiguous)
		}
		return signature, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: relay returned %s: %s", ErrValidation, resp.Status, readRelayError(resp).Message)
	case resp.StatusCode == http.StatusConflict:
		relayErr := readRelayError(resp)
		if relayErr.Error == simulationFailed {
			return "", fmt.Errorf("%w: %s", ErrSimulation, relayErr.Message)
		}
		return "", fmt.Errorf("%w: relay returned %s: %s", ErrAmbiguous, resp.Status, relayErr.Message)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		// Rejected before the relay touched the ledger.
		return "", fmt.Errorf("%w: relay refused request: %s", ErrNetwork, resp.Status)
	default:
		return "", fmt.Errorf("%w: relay returned %s: %s", ErrAmbiguous, resp.Status, readRelayError(resp).Message)
	}
}

func readRelayError(resp *http.Response) relayError {
	var payload relayError
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayErrorBody))
	if err != nil || len(body) == 0 {
		return payload
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		payload.Message = strings.TrimSpace(string(body))
	}
	return payload
}

// neverSent reports whether err happened while dialing, before any request
// bytes could reach the relay.
func neverSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

var _ Releaser = (*RelayClient)(nil)
