// Package whatsapp is the HTTP client for the outbound WhatsApp gateway.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrPermanent marks a send failure that no retry will fix, e.g. the gateway
// rejecting the destination number. The dispatcher short-circuits the retry
// budget for these.
var ErrPermanent = errors.New("permanent send failure")

// IsPermanent reports whether err is a non-retryable send failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Credentials identify one company's gateway account.
type Credentials struct {
	APIKey        string
	ServerAddress string
	InstanceID    string
}

// SendResult is the audit record of a successful send.
type SendResult struct {
	ProviderMessageID string
	RawResponse       json.RawMessage
}

// Sender is the gateway contract the dispatcher depends on. Tests inject a
// fake so the retry policy is exercised without network calls.
type Sender interface {
	SendText(ctx context.Context, creds Credentials, mobile, text string) (*SendResult, error)
	SendImage(ctx context.Context, creds Credentials, mobile, imageURL, caption string) (*SendResult, error)
	SendDocument(ctx context.Context, creds Credentials, mobile, documentURL, caption string) (*SendResult, error)
}

// Client sends messages through a provider-hosted HTTP gateway.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// ClientConfig holds gateway client settings.
type ClientConfig struct {
	Timeout time.Duration // per-send request timeout
}

// NewClient creates a gateway client with a bounded per-call timeout.
func NewClient(logger *zap.Logger, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type sendRequest struct {
	APIKey      string `json:"api_key"`
	InstanceID  string `json:"instance_id,omitempty"`
	Mobile      string `json:"mobile"`
	Message     string `json:"message,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, creds Credentials, mobile, text string) (*SendResult, error) {
	return c.post(ctx, creds, "send-message", sendRequest{
		APIKey:     creds.APIKey,
		InstanceID: creds.InstanceID,
		Mobile:     mobile,
		Message:    text,
	})
}

// SendImage sends an image with an optional caption.
func (c *Client) SendImage(ctx context.Context, creds Credentials, mobile, imageURL, caption string) (*SendResult, error) {
	return c.post(ctx, creds, "send-image", sendRequest{
		APIKey:     creds.APIKey,
		InstanceID: creds.InstanceID,
		Mobile:     mobile,
		ImageURL:   imageURL,
		Caption:    caption,
	})
}

// SendDocument sends a document with an optional caption.
func (c *Client) SendDocument(ctx context.Context, creds Credentials, mobile, documentURL, caption string) (*SendResult, error) {
	return c.post(ctx, creds, "send-document", sendRequest{
		APIKey:      creds.APIKey,
		InstanceID:  creds.InstanceID,
		Mobile:      mobile,
		DocumentURL: documentURL,
		Caption:     caption,
	})
}

func (c *Client) post(ctx context.Context, creds Credentials, endpoint string, payload sendRequest) (*SendResult, error) {
	if creds.ServerAddress == "" {
		return nil, fmt.Errorf("%w: gateway address not configured", ErrPermanent)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	url := strings.TrimRight(creds.ServerAddress, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable.
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(raw))
		if !retryableStatus(resp.StatusCode) {
			err = fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return nil, err
	}

	var parsed sendResponse
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil && parsed.Error != "" {
		return nil, fmt.Errorf("gateway error: %s", parsed.Error)
	}

	c.logger.Debug("gateway send succeeded",
		zap.String("endpoint", endpoint),
		zap.String("provider_message_id", parsed.MessageID),
	)

	return &SendResult{
		ProviderMessageID: parsed.MessageID,
		RawResponse:       json.RawMessage(raw),
	}, nil
}

// retryableStatus treats rate limiting, timeouts and server errors as
// transient; other 4xx responses mean the request itself is bad.
func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return true
	}
	return code >= 500 && code <= 599
}
