package signer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignDeterministicForFixedInputs(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	req := Request{
		Region:    "us-east-1",
		Service:   "logs",
		Target:    "Logs_20140328.PutLogEvents",
		Method:    "POST",
		Path:      "/",
		Host:      "logs.us-east-1.amazonaws.com",
		Body:      []byte(`{"logEvents":[]}`),
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Now:       now,
	}

	h1 := Sign(req)
	h2 := Sign(req)
	require.Equal(t, h1.Authorization, h2.Authorization, "signing must be deterministic for identical input")
	require.Contains(t, h1.Authorization, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260731/us-east-1/logs/aws4_request")
	require.Equal(t, "Logs_20140328.PutLogEvents", h1.XAmzTarget)
	require.Equal(t, "20260731T120000Z", h1.XAmzDate)
}

func TestSignIncludesSessionTokenWhenPresent(t *testing.T) {
	req := Request{
		Region:       "us-east-1",
		Service:      "logs",
		Method:       "POST",
		Path:         "/",
		Host:         "logs.us-east-1.amazonaws.com",
		AccessKey:    "AKID",
		SecretKey:    "secret",
		SessionToken: "tok",
		Now:          time.Now(),
	}
	h := Sign(req)
	require.Equal(t, "tok", h.XAmzSecurityToken)
}

func TestSignChangesWithDifferentBody(t *testing.T) {
	base := Request{
		Region:    "us-east-1",
		Service:   "logs",
		Method:    "POST",
		Path:      "/",
		Host:      "logs.us-east-1.amazonaws.com",
		AccessKey: "AKID",
		SecretKey: "secret",
		Now:       time.Now(),
	}
	a := base
	a.Body = []byte("one")
	b := base
	b.Body = []byte("two")

	require.NotEqual(t, Sign(a).Authorization, Sign(b).Authorization)
}
