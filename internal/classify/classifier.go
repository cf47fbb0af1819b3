// Package classify normalizes upstream failures into the relay's error
// taxonomy and wraps upstream calls with a retry loop.
package classify

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// TableEntry maps a provider body code or HTTP status onto a taxonomy entry.
type TableEntry struct {
	Code       string        `yaml:"code" json:"code"`
	HTTPStatus int           `yaml:"http_status" json:"http_status"`
	Retryable  bool          `yaml:"retryable" json:"retryable"`
	RetryAfter time.Duration `yaml:"retry_after" json:"retry_after"`
}

// Table is the per-dialect-family classification table. Keys are either
// upstream body error codes ("rate_limit_exceeded") or status keys ("429").
type Table map[string]TableEntry

// Classifier resolves upstream failures through family tables, falling back
// to the default status rule.
type Classifier struct {
	tables map[string]Table
}

// NewClassifier creates a classifier with the built-in family tables.
// Additional families plug in by registering a table.
func NewClassifier() *Classifier {
	c := &Classifier{tables: make(map[string]Table)}
	c.Register("openai", Table{
		"invalid_api_key":        {Code: llmerrors.CodeInvalidAPIKey, HTTPStatus: 401},
		"invalid_request_error":  {Code: llmerrors.CodeInvalidRequest, HTTPStatus: 400},
		"context_length_exceeded": {Code: llmerrors.CodeContentTooLarge, HTTPStatus: 413},
		"rate_limit_exceeded":    {Code: llmerrors.CodeRateLimit, HTTPStatus: 429, Retryable: true},
		"insufficient_quota":     {Code: llmerrors.CodeInsufficientQuota, HTTPStatus: 429},
		"server_error":           {Code: llmerrors.CodeModelError, HTTPStatus: 500, Retryable: true},
	})
	c.Register("anthropic", Table{
		"authentication_error": {Code: llmerrors.CodeInvalidAPIKey, HTTPStatus: 401},
		"invalid_request_error": {Code: llmerrors.CodeInvalidRequest, HTTPStatus: 400},
		"request_too_large":    {Code: llmerrors.CodeContentTooLarge, HTTPStatus: 413},
		"rate_limit_error":     {Code: llmerrors.CodeRateLimit, HTTPStatus: 429, Retryable: true},
		"overloaded_error":     {Code: llmerrors.CodeModelError, HTTPStatus: 529, Retryable: true},
		"api_error":            {Code: llmerrors.CodeModelError, HTTPStatus: 500, Retryable: true},
	})
	c.Register("iflow", Table{
		"434": {Code: llmerrors.CodeTokenExpired, HTTPStatus: 401},
		"439": {Code: llmerrors.CodeRateLimitVariant, HTTPStatus: 439, Retryable: true, RetryAfter: 30 * time.Second},
		"449": {Code: llmerrors.CodeRateLimitAggressive, HTTPStatus: 449, Retryable: true, RetryAfter: time.Minute},
	})
	return c
}

// Register installs or replaces a family table.
func (c *Classifier) Register(family string, table Table) {
	c.tables[strings.ToLower(family)] = table
}

// upstreamError is the common shape of provider error bodies; both
// {"error": {"type": ..., "code": ..., "message": ...}} and flat variants
// decode into it.
type upstreamError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Type    string `json:"type"`
	Code    json.RawMessage `json:"code"`
	Message string `json:"message"`
}

// Classify normalizes an upstream response into a ProviderError. The header
// retry-after hint, when parsable, rides along on rate-limit errors.
func (c *Classifier) Classify(provider, family string, status int, body []byte, header http.Header) *llmerrors.ProviderError {
	table := c.tables[strings.ToLower(family)]

	var parsed upstreamError
	_ = json.Unmarshal(body, &parsed)
	bodyCode := parsed.Error.Code
	if bodyCode == "" {
		bodyCode = parsed.Error.Type
	}
	if bodyCode == "" {
		bodyCode = rawCodeString(parsed.Code)
	}
	if bodyCode == "" {
		bodyCode = parsed.Type
	}
	message := parsed.Error.Message
	if message == "" {
		message = parsed.Message
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
		if len(message) > 200 {
			message = message[:200]
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	retryAfter := parseRetryAfter(header)

	if table != nil {
		if entry, ok := table[bodyCode]; ok {
			return entryError(entry, provider, message, retryAfter)
		}
		if entry, ok := table[strconv.Itoa(status)]; ok {
			return entryError(entry, provider, message, retryAfter)
		}
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.NewInvalidAPIKey(provider, message)
	case http.StatusRequestEntityTooLarge:
		return llmerrors.NewContentTooLarge(provider, message)
	case http.StatusTooManyRequests:
		return llmerrors.NewRateLimit(provider, message, retryAfter)
	case http.StatusBadRequest:
		return llmerrors.NewInvalidRequest(provider, message)
	case http.StatusBadGateway:
		return llmerrors.NewProviderResponse(provider, message)
	}
	return llmerrors.NewUnknown(provider, message, status)
}

func entryError(entry TableEntry, provider, message string, headerRetryAfter time.Duration) *llmerrors.ProviderError {
	retryAfter := headerRetryAfter
	if retryAfter == 0 {
		retryAfter = entry.RetryAfter
	}
	return &llmerrors.ProviderError{
		Code:       entry.Code,
		Message:    message,
		HTTPStatus: entry.HTTPStatus,
		Retryable:  entry.Retryable,
		RetryAfter: retryAfter,
		Provider:   provider,
	}
}

func rawCodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.Itoa(n)
	}
	return ""
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
