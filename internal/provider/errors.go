package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/rxdictate/internal/reliability"
)

var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrUnsupported   = errors.New("unsupported provider")
	ErrCallFailed    = errors.New("provider call failed")
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 4096

// CallError is a failed upstream call. It matches ErrCallFailed with errors.Is.
type CallError struct {
	Backend   string
	Status    int
	Code      string
	Param     string
	Detail    string
	Retryable bool
	Err       error
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(" call failed")
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Is(target error) bool { return target == ErrCallFailed }

// NotConfigured wraps ErrNotConfigured with the backend that lacks credentials.
func NotConfigured(backend string) error {
	return fmt.Errorf("%w: %s", ErrNotConfigured, backend)
}

// Unsupported wraps ErrUnsupported with the unknown backend id.
func Unsupported(backend string) error {
	return fmt.Errorf("%w: %q", ErrUnsupported, backend)
}

// TransportError wraps a network-level failure.
func TransportError(backend string, err error) *CallError {
	return &CallError{Backend: backend, Retryable: true, Err: err}
}

// ResponseError reads a non-2xx response into a CallError. It understands the
// common {"error":{"message","type","code","param"}} envelope and falls back to
// the raw body.
func ResponseError(backend string, res *http.Response) *CallError {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	ce := &CallError{
		Backend:   backend,
		Status:    res.StatusCode,
		Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
		Err   string          `json:"err_msg"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
			Param   string `json:"param"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(envelope.Error, &detail); err == nil {
			ce.Detail = detail.Message
			ce.Param = detail.Param
			ce.Code = firstNonEmpty(asCode(detail.Code), detail.Status, detail.Type)
			return ce
		}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil {
			ce.Detail = plain
			return ce
		}
	}
	if envelope.Err != "" {
		ce.Detail = envelope.Err
		return ce
	}
	ce.Detail = strings.TrimSpace(string(body))
	return ce
}

func asCode(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
