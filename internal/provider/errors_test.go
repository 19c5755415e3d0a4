package provider

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestResponseErrorParsesEnvelope(t *testing.T) {
	ce := ResponseError("openai", response(400, `{"error":{"message":"response_format not supported","type":"invalid_request_error","param":"response_format","code":null}}`))
	if ce.Status != 400 || ce.Param != "response_format" || ce.Code != "invalid_request_error" {
		t.Fatalf("unexpected call error: %+v", ce)
	}
	if ce.Retryable {
		t.Fatalf("400 must not be retryable")
	}
	if !errors.Is(ce, ErrCallFailed) {
		t.Fatalf("expected CallError to match ErrCallFailed")
	}
}

func TestResponseErrorRawBody(t *testing.T) {
	ce := ResponseError("deepgram", response(503, "upstream busy"))
	if !ce.Retryable || ce.Detail != "upstream busy" {
		t.Fatalf("unexpected call error: %+v", ce)
	}
	if !strings.Contains(ce.Error(), "status 503") {
		t.Fatalf("error text missing status: %q", ce.Error())
	}
}

func TestNotConfiguredAndUnsupported(t *testing.T) {
	if !errors.Is(NotConfigured("gemini"), ErrNotConfigured) {
		t.Fatalf("NotConfigured must wrap ErrNotConfigured")
	}
	if !errors.Is(Unsupported("foo"), ErrUnsupported) {
		t.Fatalf("Unsupported must wrap ErrUnsupported")
	}
}
