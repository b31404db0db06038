package signaling

import (
	"testing"
	"time"
)

// TestPasshash tests the password hash derivation against a known vector.
func TestPasshash(t *testing.T) {
	got := Passhash("secret")
	want := "808e761522656ee12d0dbdd141fa94cc803482c2cb95f5980ec5c78426c44b03"
	if got != want {
		t.Errorf("Passhash(secret) = %s, want %s", got, want)
	}
}

// TestSignTimestamp tests the signature derivation against a known vector.
func TestSignTimestamp(t *testing.T) {
	got := SignTimestamp(Passhash("secret"), 1700000000)
	want := "0c28083f82871f94515269a2b83c7cef8415cb29de0a8b87f6494a48691b3299"
	if got != want {
		t.Errorf("SignTimestamp = %s, want %s", got, want)
	}
}

// TestSignerStampsMessage tests that Sign fills Ts and Sign consistently.
func TestSignerStampsMessage(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	s := NewSigner("secret")
	s.now = func() time.Time { return fixed }

	m := &Message{Type: TypeControlDevices}
	s.Sign(m)

	if m.Ts != 1700000000 {
		t.Errorf("Ts = %d, want 1700000000", m.Ts)
	}
	if m.Sign != SignTimestamp(Passhash("secret"), 1700000000) {
		t.Errorf("Sign = %s does not match timestamp", m.Sign)
	}
}

// TestVerifyAcceptsFreshMessage tests the happy path end to end.
func TestVerifyAcceptsFreshMessage(t *testing.T) {
	s := NewSigner("secret")
	v := NewVerifier("secret")

	m := &Message{Type: TypeControlRefresh}
	s.Sign(m)

	if err := v.Verify(m); err != nil {
		t.Errorf("fresh signed message should verify: %v", err)
	}
}

// TestVerifyRejectsWrongPassword tests that a signature made with a
// different password fails.
func TestVerifyRejectsWrongPassword(t *testing.T) {
	s := NewSigner("wrong")
	v := NewVerifier("secret")

	m := &Message{Type: TypeControlRefresh}
	s.Sign(m)

	if err := v.Verify(m); err == nil {
		t.Error("wrong password should fail verification")
	}
}

// TestVerifyRejectsTamperedTimestamp tests that changing Ts after
// signing invalidates the signature.
func TestVerifyRejectsTamperedTimestamp(t *testing.T) {
	s := NewSigner("secret")
	v := NewVerifier("secret")

	m := &Message{Type: TypeControlRefresh}
	s.Sign(m)
	m.Ts++

	if err := v.Verify(m); err == nil {
		t.Error("tampered timestamp should fail verification")
	}
}

// TestVerifyWindow tests both edges of the clock skew window.
func TestVerifyWindow(t *testing.T) {
	base := time.Unix(1700000000, 0)
	ph := Passhash("secret")

	tests := []struct {
		name   string
		offset int64
		ok     bool
	}{
		{"exactly now", 0, true},
		{"10s old", -10, true},
		{"10s ahead", 10, true},
		{"11s old", -11, false},
		{"11s ahead", 11, false},
		{"minutes old", -300, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier("secret")
			v.now = func() time.Time { return base }

			ts := base.Unix() + tt.offset
			m := &Message{Type: TypeControlRefresh, Ts: ts, Sign: SignTimestamp(ph, ts)}

			err := v.Verify(m)
			if tt.ok && err != nil {
				t.Errorf("offset %d should verify: %v", tt.offset, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("offset %d should fail", tt.offset)
			}
		})
	}
}

// TestVerifyAcceptsBurst tests that messages signed within the same
// second all pass. The signature covers only the timestamp, so a move
// burst carries one signature many times over.
func TestVerifyAcceptsBurst(t *testing.T) {
	s := NewSigner("secret")
	v := NewVerifier("secret")

	for i := 0; i < 20; i++ {
		m := &Message{Type: TypeControlCommand}
		s.Sign(m)
		if err := v.Verify(m); err != nil {
			t.Fatalf("burst message %d should verify: %v", i, err)
		}
	}
}

// TestVerifyRejectsUnsigned tests that a message without Ts and Sign
// fails before any signature math.
func TestVerifyRejectsUnsigned(t *testing.T) {
	v := NewVerifier("secret")

	if err := v.Verify(&Message{Type: TypeControlDevices}); err == nil {
		t.Error("unsigned message should fail verification")
	}
	if err := v.Verify(&Message{Type: TypeControlDevices, Ts: time.Now().Unix()}); err == nil {
		t.Error("message without signature should fail verification")
	}
}
