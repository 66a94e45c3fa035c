package shopline

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func testCredentials() Credentials {
	return Credentials{
		MerchantID: "merchant-1",
		ClientID:   "client-1",
		SandboxKey: "sandbox-secret",
		Sandbox:    true,
	}
}

func signedHeader(creds Credentials, now time.Time, body []byte) SignatureHeader {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	return SignatureHeader{
		Timestamp:  timestamp,
		APIVersion: SupportedAPIVersion,
		Sign:       creds.Sign(timestamp, body),
	}
}

func TestVerifyAcceptsOwnSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creds := testCredentials()
	verifier := NewVerifier(creds, WithVerifierClock(func() time.Time { return now }))

	body := []byte(`{"eventType":"payment.success","data":{"tradeOrderId":"T1"}}`)
	if err := verifier.Verify(context.Background(), body, signedHeader(creds, now, body)); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creds := testCredentials()
	verifier := NewVerifier(creds, WithVerifierClock(func() time.Time { return now }))

	body := []byte(`{"eventType":"payment.success"}`)
	header := signedHeader(creds, now, body)

	tampered := []byte(`{"eventType":"payment.failed"}`)
	err := verifier.Verify(context.Background(), tampered, header)
	if !IsKind(err, KindVerification) {
		t.Fatalf("expected verification error, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creds := testCredentials()
	verifier := NewVerifier(creds, WithVerifierClock(func() time.Time { return now }))

	body := []byte(`{}`)

	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		header := signedHeader(creds, now.Add(offset), body)
		err := verifier.Verify(context.Background(), body, header)
		if !IsKind(err, KindVerification) {
			t.Fatalf("offset %v: expected verification error, got %v", offset, err)
		}
	}

	// Exactly at the window boundary is still acceptable.
	header := signedHeader(creds, now.Add(-5*time.Minute), body)
	if err := verifier.Verify(context.Background(), body, header); err != nil {
		t.Fatalf("boundary timestamp rejected: %v", err)
	}
}

func TestVerifyUnexpectedAPIVersionWarnsOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creds := testCredentials()

	var events []string
	verifier := NewVerifier(creds,
		WithVerifierClock(func() time.Time { return now }),
		WithVerifierLogger(func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		}),
	)

	body := []byte(`{}`)
	header := signedHeader(creds, now, body)
	header.APIVersion = "V2"

	if err := verifier.Verify(context.Background(), body, header); err != nil {
		t.Fatalf("Verify returned error for newer api version: %v", err)
	}

	found := false
	for _, event := range events {
		if event == "shopline.webhook.verify.version_mismatch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected version mismatch log, got %v", events)
	}
}

func TestVerifyDevelopmentBypassSkipsChecks(t *testing.T) {
	verifier := NewVerifier(testCredentials(), WithDevelopmentBypass(true))

	err := verifier.Verify(context.Background(), []byte(`{}`), SignatureHeader{
		Timestamp: "not-a-number",
		Sign:      "not-hex",
	})
	if err != nil {
		t.Fatalf("expected bypass to accept delivery, got %v", err)
	}
}

func TestVerifyRejectsInvalidTimestampHeader(t *testing.T) {
	verifier := NewVerifier(testCredentials())
	err := verifier.Verify(context.Background(), []byte(`{}`), SignatureHeader{Timestamp: "abc", Sign: "00"})
	if !IsKind(err, KindVerification) {
		t.Fatalf("expected verification error, got %v", err)
	}
}

func TestVerifyRejectsWhenKeyMissing(t *testing.T) {
	verifier := NewVerifier(Credentials{Sandbox: true})
	err := verifier.Verify(context.Background(), []byte(`{}`), SignatureHeader{Timestamp: "1", Sign: "00"})
	if !IsKind(err, KindVerification) {
		t.Fatalf("expected verification error, got %v", err)
	}
}

func TestVerifyLegacySignsBareBody(t *testing.T) {
	creds := testCredentials()
	verifier := NewVerifier(creds)

	body := []byte(`{"event":"payment.success"}`)

	// The legacy surface signs the body without a timestamp component; the REST
	// scheme's signature over "timestamp.body" must not validate here.
	restSign := creds.Sign("123", body)
	if err := verifier.VerifyLegacy(context.Background(), body, restSign); !IsKind(err, KindVerification) {
		t.Fatalf("expected verification error for rest-style signature, got %v", err)
	}
}

func TestCredentialsKeySelectsMode(t *testing.T) {
	creds := Credentials{SandboxKey: "s", ProductionKey: "p", Sandbox: true}
	if creds.Key() != "s" {
		t.Fatalf("expected sandbox key, got %q", creds.Key())
	}
	creds.Sandbox = false
	if creds.Key() != "p" {
		t.Fatalf("expected production key, got %q", creds.Key())
	}
}

func TestAllowDevelopmentBypass(t *testing.T) {
	cases := []struct {
		origin      string
		environment string
		want        bool
	}{
		{"http://localhost:8080", "local", true},
		{"https://127.0.0.1", "staging", true},
		{"https://shop.example.test", "development", true},
		{"https://shop.example.dev", "development", true},
		{"https://shop.internal.local", "development", true},
		{"https://shop.example.com", "development", false},
		{"http://localhost:8080", "production", false},
		{"", "local", false},
	}

	for _, tc := range cases {
		if got := AllowDevelopmentBypass(tc.origin, tc.environment); got != tc.want {
			t.Errorf("AllowDevelopmentBypass(%q, %q) = %v, want %v", tc.origin, tc.environment, got, tc.want)
		}
	}
}
