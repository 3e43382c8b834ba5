package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>". Several v1 values
// may be present while the provider rotates secrets.
const SignatureHeader = "X-Payment-Signature"

var (
	ErrMissingSignature   = errors.New("missing webhook signature")
	ErrMalformedSignature = errors.New("malformed webhook signature")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
	ErrSignatureExpired   = errors.New("webhook signature timestamp outside tolerance")
)

// Verifier checks HMAC-SHA256 signatures over "<t>.<payload>".
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
}

// NewVerifier accepts every non-empty secret so an old and a new secret can
// both validate during rotation.
func NewVerifier(secrets []string, tolerance time.Duration) *Verifier {
	v := &Verifier{tolerance: tolerance}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets = append(v.secrets, []byte(s))
		}
	}
	return v
}

func (v *Verifier) Verify(payload []byte, header string, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" || len(v.secrets) == 0 {
		return ErrMissingSignature
	}
	var (
		ts   string
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedSignature
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			decoded, err := hex.DecodeString(strings.ToLower(value))
			if err != nil {
				return ErrMalformedSignature
			}
			sigs = append(sigs, decoded)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMalformedSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	if v.tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrSignatureExpired
		}
	}
	for _, secret := range v.secrets {
		expected := computeHMAC(secret, ts, payload)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return ErrSignatureMismatch
}

func computeHMAC(secret []byte, ts string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign builds a header value the way the provider does.
func Sign(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeHMAC([]byte(secret), ts, payload))
}
