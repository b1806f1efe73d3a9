package proctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"training-integrity-system/pkg/auth"
	"training-integrity-system/pkg/config"
	"training-integrity-system/pkg/models"

	"github.com/google/uuid"
)

// HTTPVerifier is the default LivenessVerifier: it posts the challenge payload
// to an external verification endpoint with an HMAC-signed request. The
// verification itself is opaque to the engine.
type HTTPVerifier struct {
	baseURL  string
	keyID    string
	hmacAuth *auth.HMACAuth
	client   *http.Client
}

// NewHTTPVerifier creates a verifier client for the configured endpoint.
func NewHTTPVerifier(cfg *config.Config) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL:  cfg.VerifierURL,
		keyID:    cfg.EngineHMACKeyID,
		hmacAuth: auth.NewHMACAuth(cfg.GetSecrets(), cfg.GetClockSkew()),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify posts the liveness payload and returns the verifier's verdict.
func (v *HTTPVerifier) Verify(ctx context.Context, verifyReq *models.VerifyRequest) (*models.VerifyResponse, error) {
	body, err := json.Marshal(verifyReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	nonce := uuid.New().String()
	authHeader := v.hmacAuth.CreateAuthHeader("POST", "/verify", body, v.keyID, nonce)
	if authHeader == "" {
		return nil, fmt.Errorf("failed to create auth header")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}

	var verdict models.VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("failed to decode verifier response: %w", err)
	}

	return &verdict, nil
}
