package signaling

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// hmacKey seeds the password hash. Both ends derive the same passhash
// from the shared control password, so the password itself never
// crosses the wire.
const hmacKey = "XXTouch"

// MaxClockSkew bounds how far a message timestamp may drift from the
// verifier's clock in either direction.
const MaxClockSkew = 10 * time.Second

// Passhash derives the shared signing secret from the control
// password. The hex form is lowercase and is used as the HMAC key for
// message signatures.
func Passhash(password string) string {
	mac := hmac.New(sha256.New, []byte(hmacKey))
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTimestamp computes the signature for a unix timestamp using the
// derived passhash.
func SignTimestamp(passhash string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(passhash))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer stamps outgoing control messages with a fresh timestamp and
// signature. The zero clock uses time.Now.
type Signer struct {
	passhash string
	now      func() time.Time
}

// NewSigner builds a Signer from the control password.
func NewSigner(password string) *Signer {
	return &Signer{passhash: Passhash(password), now: time.Now}
}

// Sign fills the Ts and Sign fields of the envelope.
func (s *Signer) Sign(m *Message) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	m.Ts = now().Unix()
	m.Sign = SignTimestamp(s.passhash, m.Ts)
}

// Verifier checks control message signatures at the relay. The
// signature covers only the timestamp, so messages signed within the
// same second legitimately share one signature; freshness comes from
// the skew window alone.
type Verifier struct {
	passhash string
	now      func() time.Time
}

// NewVerifier builds a Verifier from the control password.
func NewVerifier(password string) *Verifier {
	return &Verifier{
		passhash: Passhash(password),
		now:      time.Now,
	}
}

// Verify checks the timestamp window and the signature. It returns
// nil only for a fresh, correctly signed message.
func (v *Verifier) Verify(m *Message) error {
	if m.Ts == 0 || m.Sign == "" {
		return fmt.Errorf("message is unsigned")
	}
	now := v.now().Unix()
	if m.Ts < now-int64(MaxClockSkew/time.Second) || m.Ts > now+int64(MaxClockSkew/time.Second) {
		return fmt.Errorf("timestamp %d outside allowed window", m.Ts)
	}
	want := SignTimestamp(v.passhash, m.Ts)
	if !hmac.Equal([]byte(want), []byte(m.Sign)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
