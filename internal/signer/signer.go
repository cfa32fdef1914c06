// Package signer implements the SigV4-style request signing of
// spec.md §4.4, using stdlib crypto/sha256 and crypto/hmac directly:
// spec.md §1 names "SHA-256, HMAC" as out-of-scope external primitives,
// so calling them from stdlib here *is* honoring the contract rather
// than skipping a library. Grounded on internal/security/crypto.go's
// raw crypto-package usage and on the original C implementation's
// awsSign/sign/genKey step ordering.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Request is the opaque input to Sign: method/path/query/body plus the
// identity the signature is computed for.
type Request struct {
	Region        string
	Service       string
	Target        string // X-Amz-Target, optional
	Method        string
	Path          string
	Query         string
	Body          []byte
	Host          string
	AccessKey     string
	SecretKey     string
	SessionToken  string // optional
	Now           time.Time
}

// Headers is the set of headers spec.md §4.4 requires the caller attach.
type Headers struct {
	Authorization       string
	Date                string
	XAmzContentSHA256   string
	XAmzDate            string
	XAmzSecurityToken   string // only set if input SessionToken != ""
	XAmzTarget          string // only set if input Target != ""
}

const timeFormatISO8601Basic = "20060102T150405Z"
const dateFormat = "20060102"

// Sign computes the signed headers for req.
func Sign(req Request) Headers {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	amzDate := now.Format(timeFormatISO8601Basic)
	date := now.Format(dateFormat)

	bodyHash := hashHex(req.Body)

	// Step 1: canonical headers, lowercase, sorted, newline-terminated.
	type kv struct{ k, v string }
	hdrs := []kv{
		{"content-type", "application/json"},
		{"host", req.Host},
		{"x-amz-date", amzDate},
	}
	if req.SessionToken != "" {
		hdrs = append(hdrs, kv{"x-amz-security-token", req.SessionToken})
	}
	if req.Target != "" {
		hdrs = append(hdrs, kv{"x-amz-target", req.Target})
	}
	sort.Slice(hdrs, func(i, j int) bool { return hdrs[i].k < hdrs[j].k })

	var canonHeaders strings.Builder
	var signedHeaderNames []string
	for _, h := range hdrs {
		canonHeaders.WriteString(h.k)
		canonHeaders.WriteByte(':')
		canonHeaders.WriteString(h.v)
		canonHeaders.WriteByte('\n')
		signedHeaderNames = append(signedHeaderNames, h.k)
	}
	signedHeaders := strings.Join(signedHeaderNames, ";")

	// Step 2: canonical request.
	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		req.Method,
		canonicalPath(req.Path),
		canonicalQuery(req.Query),
		canonHeaders.String(),
		signedHeaders,
		bodyHash,
	)

	// Step 3: string to sign.
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, req.Region, req.Service)
	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s",
		amzDate, scope, hashHex([]byte(canonicalRequest)))

	// Step 4: derived signing key.
	signingKey := deriveKey(req.SecretKey, date, req.Region, req.Service)

	// Step 5: signature + Authorization header.
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		req.AccessKey, scope, signedHeaders, signature,
	)

	out := Headers{
		Authorization:     authorization,
		Date:              now.Format(time.RFC1123),
		XAmzContentSHA256: bodyHash,
		XAmzDate:          amzDate,
	}
	if req.SessionToken != "" {
		out.XAmzSecurityToken = req.SessionToken
	}
	if req.Target != "" {
		out.XAmzTarget = req.Target
	}
	return out
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// deriveKey implements the 4-level nested HMAC chain:
// HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date), region), service), "aws4_request").
func deriveKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	return kSigning
}

func canonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(query string) string {
	values, err := url.ParseQuery(query)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}
