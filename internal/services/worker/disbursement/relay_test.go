package disbursement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRelease() Release {
	return Release{
		EscrowID:    "E1",
		VaultID:     "V1",
		Initializer: "I1",
		Recipient:   "I1",
		Amount:      10,
	}
}

func newRelay(t *testing.T, handler http.HandlerFunc) (*RelayClient, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	client, err := NewRelayClient(RelayConfig{BaseURL: server.URL + "/", Token: "relay-token", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("new relay client: %v", err)
	}
	return client, &calls
}

func TestRelayReleaseConfirmed(t *testing.T) {
	client, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/releases" {
			http.Error(w, "unexpected route", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Idempotency-Key"); got != "E1" {
			http.Error(w, "idempotency key = "+got, http.StatusBadRequest)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer relay-token" {
			http.Error(w, "authorization = "+got, http.StatusUnauthorized)
			return
		}
		var body releaseRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Amount != "10" || body.VaultID != "V1" || body.Recipient != "I1" || body.Initializer != "I1" {
			http.Error(w, fmt.Sprintf("body = %+v", body), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(releaseResponse{Signature: "sig-1"})
	})

	signature, err := client.Release(context.Background(), testRelease())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if signature != "sig-1" {
		t.Fatalf("signature = %q, want %q", signature, "sig-1")
	}
}

func TestRelayReleaseErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    error
		outcome Outcome
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid_vault","message":"vault not found"}`, want: ErrValidation, outcome: OutcomeFailed},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, body: `{"message":"bad amount"}`, want: ErrValidation, outcome: OutcomeFailed},
		{name: "simulation", status: http.StatusConflict, body: `{"error":"simulation_failed","message":"insufficient funds"}`, want: ErrSimulation, outcome: OutcomeFailed},
		{name: "conflict other", status: http.StatusConflict, body: `{"error":"in_flight"}`, want: ErrAmbiguous, outcome: OutcomeUnknown},
		{name: "unauthorized", status: http.StatusUnauthorized, body: ``, want: ErrNetwork, outcome: OutcomeFailed},
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`, want: ErrAmbiguous, outcome: OutcomeUnknown},
		{name: "no signature", status: http.StatusOK, body: `{}`, want: ErrAmbiguous, outcome: OutcomeUnknown},
		{name: "garbled reply", status: http.StatusOK, body: `{"signature":`, want: ErrAmbiguous, outcome: OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Release(context.Background(), testRelease())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := Classify(err); got != tt.outcome {
				t.Fatalf("Classify = %v, want %v", got, tt.outcome)
			}
		})
	}
}

func TestRelayReleaseConnectionRefusedIsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, err := NewRelayClient(RelayConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("new relay client: %v", err)
	}
	_, err = client.Release(context.Background(), testRelease())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if got := Classify(err); got != OutcomeFailed {
		t.Fatalf("Classify = %v, want failed", got)
	}
}

func TestRelayReleaseTimeoutIsAmbiguous(t *testing.T) {
	client, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Release(ctx, testRelease())
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("err = %v, want ErrAmbiguous", err)
	}
	if got := Classify(err); got != OutcomeUnknown {
		t.Fatalf("Classify = %v, want unknown", got)
	}
}

func TestRelayReleaseValidatesBeforeSending(t *testing.T) {
	client, calls := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	release := testRelease()
	release.VaultID = ""
	_, err := client.Release(context.Background(), release)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	release = testRelease()
	release.Amount = 0
	if _, err := client.Release(context.Background(), release); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero amount err = %v, want ErrValidation", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("relay calls = %d, want 0", got)
	}
}

func TestNewRelayClientValidation(t *testing.T) {
	if _, err := NewRelayClient(RelayConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewRelayClient(RelayConfig{BaseURL: "ftp://relay"}); err == nil {
		t.Fatal("expected error for non-http url")
	}
}

func TestNewRelayClientDefaultClientLeavesTimeoutToContext(t *testing.T) {
	client, err := NewRelayClient(RelayConfig{BaseURL: "http://relay"})
	if err != nil {
		t.Fatalf("new relay client: %v", err)
	}
	if client.httpClient.Timeout != 0 {
		t.Fatalf("client timeout = %v, want 0 so the release timeout governs", client.httpClient.Timeout)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{err: nil, want: OutcomeConfirmed},
		{err: fmt.Errorf("wrap: %w", ErrValidation), want: OutcomeFailed},
		{err: ErrSimulation, want: OutcomeFailed},
		{err: ErrNetwork, want: OutcomeFailed},
		{err: ErrAmbiguous, want: OutcomeUnknown},
		{err: context.DeadlineExceeded, want: OutcomeUnknown},
		{err: errors.New("mystery"), want: OutcomeUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
