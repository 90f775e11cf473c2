package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

const DefaultTimeout = 10 * time.Second

// maxBody caps how much of a provider response is read and kept.
const maxBody = 64 << 10

type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	Recipient      string            `json:"recipient"`
	Type           model.MessageType `json:"type"`
	Content        string            `json:"content"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// SendError is a failed provider call already mapped to an error code.
type SendError struct {
	Code       model.ErrorCode
	StatusCode int
	Body       []byte
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 && e.Err != nil {
		return fmt.Sprintf("provider %s: %v: status %d body=%q", e.Code, e.Err, e.StatusCode, string(e.Body))
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d body=%q", e.Code, e.StatusCode, string(e.Body))
	}
	return fmt.Sprintf("provider %s: %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) ErrorCode() model.ErrorCode { return e.Code }

// Response returns the provider body when it is JSON, or a small JSON
// envelope around it otherwise.
func (e *SendError) Response() json.RawMessage {
	if len(e.Body) == 0 && e.StatusCode == 0 {
		return nil
	}
	if json.Valid(e.Body) {
		return json.RawMessage(e.Body)
	}
	raw, err := json.Marshal(struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}{e.StatusCode, string(e.Body)})
	if err != nil {
		return nil
	}
	return raw
}

// Send posts m to the provider. The idempotency key travels with the request
// so a provider that deduplicates can drop a resend.
func (c *WebhookClient) Send(ctx context.Context, m model.Message) (string, json.RawMessage, error) {
	reqBody, err := json.Marshal(sendRequest{
		Recipient:      m.Recipient,
		Type:           m.Type,
		Content:        m.Content,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, &SendError{Code: transportCode(err), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode != http.StatusAccepted {
		return "", nil, &SendError{
			Code:       statusCode(resp.StatusCode, body),
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	// From here on the provider has accepted the message, so every failure
	// must be permanent.
	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", nil, &SendError{
			Code:       model.CodeResponseInvalid,
			StatusCode: resp.StatusCode,
			Body:       body,
			Err:        fmt.Errorf("failed to decode json: %w", err),
		}
	}
	if sr.MessageID == "" {
		return "", nil, &SendError{
			Code:       model.CodeResponseInvalid,
			StatusCode: resp.StatusCode,
			Body:       body,
			Err:        errors.New("missing messageId"),
		}
	}

	return sr.MessageID, json.RawMessage(body), nil
}

func transportCode(err error) model.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.CodeTimeout
	}
	return model.CodeNetwork
}

// statusCode maps a non-202 answer to an error code. A known code in the
// provider's error body wins over the HTTP status.
func statusCode(status int, body []byte) model.ErrorCode {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Code != "" {
		if code := model.ParseErrorCode(er.Code); code.Known() {
			return code
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return model.CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return model.CodeTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return model.CodeInvalidRecipient
	case status == http.StatusNotFound:
		return model.CodeTemplateMissing
	case status == http.StatusGone || status == http.StatusForbidden:
		return model.CodeRecipientBlocked
	case status == http.StatusRequestEntityTooLarge:
		return model.CodeContentTooLong
	default:
		return model.CodeProvider
	}
}
