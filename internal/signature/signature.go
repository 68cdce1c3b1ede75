package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/artpromedia/payhook/internal/event"
)

// ErrInvalidSignature is returned for every verification failure. A single
// opaque error keeps the endpoint from acting as a signing oracle.
var ErrInvalidSignature = errors.New("invalid webhook signature")

const signatureVersion = "v1"

// Verifier checks the keyed signature the payment provider attaches to each
// delivery. The header carries a unix timestamp and one or more HMAC-SHA256
// digests of "<timestamp>.<raw body>":
//
//	t=1712000000,v1=5257a869e7...
//
// Verification is byte-sensitive, so the raw request body must reach Verify
// exactly as received.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify validates the signature header against the raw payload and returns
// the parsed event. Nothing downstream may touch an event that has not
// passed through here.
func (v *Verifier) Verify(raw []byte, header string) (event.Event, error) {
	timestamp, digests, ok := parseHeader(header)
	if !ok {
		return event.Event{}, ErrInvalidSignature
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(timestamp, 0))
		if age > v.tolerance || age < -v.tolerance {
			return event.Event{}, ErrInvalidSignature
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(raw)
	expected := mac.Sum(nil)

	match := false
	for _, digest := range digests {
		decoded, err := hex.DecodeString(digest)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			match = true
		}
	}
	if !match {
		return event.Event{}, ErrInvalidSignature
	}

	evt, err := event.Parse(raw, v.now())
	if err != nil {
		return event.Event{}, fmt.Errorf("parse verified payload: %w", err)
	}
	return evt, nil
}

func parseHeader(header string) (timestamp int64, digests []string, ok bool) {
	var haveTimestamp bool
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			timestamp = ts
			haveTimestamp = true
		case signatureVersion:
			digests = append(digests, value)
		}
	}
	if !haveTimestamp || len(digests) == 0 {
		return 0, nil, false
	}
	return timestamp, digests, true
}
