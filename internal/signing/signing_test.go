package signing

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestSign(t *testing.T) {
	// Reference digest from RFC 4231 test case 2.
	got := Sign([]byte("what do ya want for nothing?"), "Jefe")
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("Sign() = %q, want %q", got, want)
	}
	if got != strings.ToLower(got) {
		t.Errorf("Sign() returned non-lowercase hex %q", got)
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"Assessment.Completed","data":{"score":42}}`)
	secret := "s3cr3t"
	sig := Sign(payload, secret)

	tampered := append([]byte(nil), payload...)
	tampered[10] ^= 0x01

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		want      bool
	}{
		{name: "bare hex", payload: payload, signature: sig, secret: secret, want: true},
		{name: "prefixed header", payload: payload, signature: Header(sig), secret: secret, want: true},
		{name: "uppercase hex", payload: payload, signature: strings.ToUpper(sig), secret: secret, want: true},
		{name: "wrong secret", payload: payload, signature: sig, secret: "other", want: false},
		{name: "tampered payload", payload: tampered, signature: sig, secret: secret, want: false},
		{name: "empty signature", payload: payload, signature: "", secret: secret, want: false},
		{name: "prefix only", payload: payload, signature: Prefix, secret: secret, want: false},
		{name: "truncated signature", payload: payload, signature: sig[:20], secret: secret, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.payload, tt.signature, tt.secret); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyEveryByte(t *testing.T) {
	payload := []byte(`{"id":"x","data":[1,2,3]}`)
	sig := Sign(payload, "k")
	for i := range payload {
		changed := append([]byte(nil), payload...)
		changed[i]++
		if Verify(changed, sig, "k") {
			t.Errorf("Verify() accepted payload modified at byte %d", i)
		}
	}
}

func TestHeader(t *testing.T) {
	if got := Header("abc"); got != "sha256=abc" {
		t.Errorf("Header() = %q, want %q", got, "sha256=abc")
	}
}

func TestGenerateSecret(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		s, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error = %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			t.Fatalf("GenerateSecret() returned non-base64 %q: %v", s, err)
		}
		if len(raw) != SecretBytes {
			t.Errorf("GenerateSecret() decoded length = %d, want %d", len(raw), SecretBytes)
		}
		if seen[s] {
			t.Errorf("GenerateSecret() returned duplicate %q", s)
		}
		seen[s] = true
	}
}
