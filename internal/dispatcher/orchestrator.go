package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Request headers sent to the orchestrator.
const (
	HeaderEventID        = "X-Catchup-Event-ID"
	HeaderAttemptID      = "X-Catchup-Attempt-ID"
	HeaderIdempotencyKey = "X-Catchup-Idempotency-Key"
	HeaderSignature      = "X-Catchup-Signature"
)

const defaultRequestTimeout = 30 * time.Second

type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{},
	}
}

// Send posts the trigger payload with an HMAC-SHA256 signature of the body.
func (s *HTTPSender) Send(ctx context.Context, req TriggerRequest) TriggerResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return TriggerResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return TriggerResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEventID, req.Payload.EventID)
	httpReq.Header.Set(HeaderAttemptID, req.AttemptID)
	httpReq.Header.Set(HeaderIdempotencyKey, req.Payload.IdempotencyKey)
	if req.Secret != "" {
		httpReq.Header.Set(HeaderSignature, computeSignature(req.Secret, body))
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return TriggerResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return TriggerResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

// TriggerURL returns the endpoint that starts pipelineID on the orchestrator
// at baseURL.
func TriggerURL(baseURL, pipelineID string) (string, error) {
	return url.JoinPath(baseURL, "pipelines", url.PathEscape(pipelineID), "trigger")
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced for body with secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
