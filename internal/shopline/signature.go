package shopline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// SupportedAPIVersion is the webhook schema version this service understands.
	// Other versions are accepted with a warning for forward compatibility.
	SupportedAPIVersion = "V1"

	// maxTimestampSkew bounds the accepted distance between the webhook timestamp
	// and the local clock.
	maxTimestampSkew = 5 * time.Minute
)

// SignatureHeader carries the signing metadata extracted from webhook headers.
type SignatureHeader struct {
	// Timestamp is the provider's millisecond epoch, as a numeric string.
	Timestamp string
	// APIVersion is the declared payload schema version.
	APIVersion string
	// Sign is the hex-encoded HMAC-SHA256 of "{timestamp}.{body}".
	Sign string
}

// VerifierLogger receives structured verification events.
type VerifierLogger func(ctx context.Context, event string, fields map[string]any)

// Credentials selects the signing secret for a gateway. Sandbox and production
// carry independent keys; the mode flag picks which one signs and verifies.
type Credentials struct {
	MerchantID    string
	ClientID      string
	SandboxKey    string
	ProductionKey string
	Sandbox       bool
}

// Key returns the secret for the active mode.
func (c Credentials) Key() string {
	if c.Sandbox {
		return strings.TrimSpace(c.SandboxKey)
	}
	return strings.TrimSpace(c.ProductionKey)
}

// Verifier validates inbound webhook signatures for one gateway's credentials.
type Verifier struct {
	creds     Credentials
	devBypass bool
	clock     func() time.Time
	logger    VerifierLogger
}

// VerifierOption customises the verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock injects a clock, primarily for tests.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.clock = now
		}
	}
}

// WithVerifierLogger sets the structured event logger.
func WithVerifierLogger(logger VerifierLogger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithDevelopmentBypass skips verification entirely. Enabled only when the
// deployment's public origin is a development host AND the environment is not
// classified production; see AllowDevelopmentBypass.
func WithDevelopmentBypass(enabled bool) VerifierOption {
	return func(v *Verifier) {
		v.devBypass = enabled
	}
}

// NewVerifier constructs a Verifier for the given gateway credentials.
func NewVerifier(creds Credentials, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		creds:  creds,
		clock:  time.Now,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks freshness and authenticity of a webhook delivery. Timestamp and
// signature are hard gates; an unexpected API version only logs a warning.
func (v *Verifier) Verify(ctx context.Context, body []byte, header SignatureHeader) error {
	if v == nil {
		return NewVerificationError("verify", "verifier not configured")
	}

	if v.devBypass {
		v.logger(ctx, "shopline.webhook.verify.bypassed", map[string]any{
			"reason": "development origin",
		})
		return nil
	}

	key := v.creds.Key()
	if key == "" {
		return NewVerificationError("verify", "signing key not configured")
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(header.Timestamp), 10, 64)
	if err != nil {
		return NewVerificationError("verify", "invalid timestamp header")
	}

	now := v.clock().UnixMilli()
	if skew := now - ts; skew > maxTimestampSkew.Milliseconds() || skew < -maxTimestampSkew.Milliseconds() {
		return NewVerificationError("verify",
			fmt.Sprintf("timestamp outside allowed window: received %d, local %d", ts, now))
	}

	if version := strings.TrimSpace(header.APIVersion); version != "" && version != SupportedAPIVersion {
		v.logger(ctx, "shopline.webhook.verify.version_mismatch", map[string]any{
			"received":  version,
			"supported": SupportedAPIVersion,
		})
	}

	provided, err := hex.DecodeString(strings.TrimSpace(header.Sign))
	if err != nil || len(provided) == 0 {
		return NewVerificationError("verify", "invalid signature")
	}

	expected := computeSignature(key, header.Timestamp, body)
	if !hmac.Equal(provided, expected) {
		return NewVerificationError("verify", "invalid signature")
	}
	return nil
}

// VerifyLegacy validates the deprecated non-REST surface, which signs the raw
// body alone under the X-Shopline-Signature header with no freshness window.
func (v *Verifier) VerifyLegacy(ctx context.Context, body []byte, sign string) error {
	if v == nil {
		return NewVerificationError("verify_legacy", "verifier not configured")
	}

	if v.devBypass {
		v.logger(ctx, "shopline.webhook.verify.bypassed", map[string]any{
			"reason":  "development origin",
			"surface": "legacy",
		})
		return nil
	}

	key := v.creds.Key()
	if key == "" {
		return NewVerificationError("verify_legacy", "signing key not configured")
	}

	provided, err := hex.DecodeString(strings.TrimSpace(sign))
	if err != nil || len(provided) == 0 {
		return NewVerificationError("verify_legacy", "invalid signature")
	}

	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return NewVerificationError("verify_legacy", "invalid signature")
	}
	return nil
}

// Sign produces the hex signature for an outbound request body, reusing the
// webhook scheme: HMAC-SHA256 over "{timestamp}.{body}".
func (c Credentials) Sign(timestamp string, body []byte) string {
	return hex.EncodeToString(computeSignature(c.Key(), timestamp, body))
}

func computeSignature(key, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(strings.TrimSpace(timestamp)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// AllowDevelopmentBypass reports whether signature verification may be skipped
// for the given public origin and environment classification. Production
// environments never qualify regardless of hostname.
func AllowDevelopmentBypass(publicOrigin, environment string) bool {
	if strings.EqualFold(strings.TrimSpace(environment), "production") {
		return false
	}
	origin := strings.TrimSpace(publicOrigin)
	if origin == "" {
		return false
	}
	host := origin
	if parsed, err := url.Parse(origin); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	} else if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	host = strings.ToLower(host)

	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	for _, suffix := range []string{".local", ".test", ".dev"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
