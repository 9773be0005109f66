package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHTTPProviderVerifySignature(t *testing.T) {
	p := NewHTTPProvider("http://example.invalid", "shh-secret", 60)
	body := []byte(`{"quantity":42}`)

	mac := hmac.New(sha256.New, []byte("shh-secret"))
	mac.Write(body)
	validSig := hex.EncodeToString(mac.Sum(nil))

	if !p.VerifySignature(body, validSig) {
		t.Fatal("expected valid signature to verify")
	}
	if p.VerifySignature(body, "deadbeef") {
		t.Fatal("expected mismatched signature to fail")
	}
	if p.VerifySignature([]byte(`{"quantity":43}`), validSig) {
		t.Fatal("expected signature over different body to fail")
	}
}
