package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorCode classifies why a delivery attempt failed. Codes outside the known
// set are accepted and stored as-is; the retry policy treats them as
// permanent.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	CodeNetwork     ErrorCode = "NETWORK_ERROR"
	CodeProvider    ErrorCode = "PROVIDER_ERROR"

	CodeInvalidRecipient ErrorCode = "INVALID_RECIPIENT"
	CodeRecipientBlocked ErrorCode = "RECIPIENT_BLOCKED"
	CodeTemplateMissing  ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeContentTooLong   ErrorCode = "CONTENT_TOO_LONG"
	CodeExpired          ErrorCode = "EXPIRED"

	// CodeResponseInvalid marks a send the provider accepted without a usable
	// receipt. It is permanent: retrying would deliver the message twice.
	CodeResponseInvalid ErrorCode = "PROVIDER_RESPONSE_INVALID"

	// CodeUnclassified marks errors the dispatcher could not map to a code.
	CodeUnclassified ErrorCode = "UNCLASSIFIED"
)

func (c ErrorCode) Known() bool {
	switch c {
	case CodeTimeout, CodeRateLimited, CodeNetwork, CodeProvider,
		CodeInvalidRecipient, CodeRecipientBlocked, CodeTemplateMissing, CodeContentTooLong, CodeExpired,
		CodeResponseInvalid, CodeUnclassified:
		return true
	}
	return false
}

// ParseErrorCode normalizes provider supplied codes.
func ParseErrorCode(raw string) ErrorCode {
	return ErrorCode(strings.ToUpper(strings.TrimSpace(raw)))
}

// Failure is the outcome of a failed provider dispatch.
type Failure struct {
	Code    ErrorCode
	Message string
	// Retryable overrides the policy classification when non-nil. The retry
	// budget still applies.
	Retryable *bool
	Response  json.RawMessage
}

func (f Failure) Validate() error {
	if f.Code == "" {
		return fmt.Errorf("%w: error code is required", ErrInvalidMessage)
	}
	return nil
}
