package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, MasterKeySize)
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	v, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	secret := "sk-test-abcdef1234567890"
	sealed, err := v.Seal(secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == secret {
		t.Fatal("sealed form must differ from cleartext")
	}

	got, err := v.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if got != secret {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestSeal_NonceVariesPerCall(t *testing.T) {
	v, _ := New(testKey())
	a, _ := v.Seal("same secret")
	b, _ := v.Seal("same secret")
	if a == b {
		t.Error("two seals of the same secret must not be identical")
	}
}

func TestUnseal_RejectsGarbage(t *testing.T) {
	v, _ := New(testKey())

	for name, input := range map[string]string{
		"not base64":  "!!not-base64!!",
		"too short":   base64.StdEncoding.EncodeToString([]byte("xy")),
		"bad payload": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 40)),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Unseal(input); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUnseal_WrongKeyFails(t *testing.T) {
	v1, _ := New(testKey())
	v2, _ := New(bytes.Repeat([]byte{0x43}, MasterKeySize))

	sealed, _ := v1.Seal("secret")
	if _, err := v2.Unseal(sealed); err == nil {
		t.Error("unseal under a different master key must fail")
	}
}

func TestUnseal_ErrorNeverContainsSecret(t *testing.T) {
	v, _ := New(testKey())
	sealed, _ := v.Seal("sk-leakcheck-9999")

	v2, _ := New(bytes.Repeat([]byte{7}, MasterKeySize))
	_, err := v2.Unseal(sealed)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "leakcheck") || strings.Contains(err.Error(), sealed) {
		t.Errorf("error leaks key material: %v", err)
	}
}

func TestNew_RejectsWrongKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := New(bytes.Repeat([]byte{1}, n)); err == nil {
			t.Errorf("key size %d should be rejected", n)
		}
	}
}

func TestNewFromString_Encodings(t *testing.T) {
	raw := testKey()

	for name, encoded := range map[string]string{
		"base64": base64.StdEncoding.EncodeToString(raw),
		"hex":    hex.EncodeToString(raw),
	} {
		t.Run(name, func(t *testing.T) {
			v, err := NewFromString(encoded)
			if err != nil {
				t.Fatalf("NewFromString: %v", err)
			}
			sealed, _ := v.Seal("x")
			if got, _ := v.Unseal(sealed); got != "x" {
				t.Error("round trip failed")
			}
		})
	}

	if _, err := NewFromString(""); err == nil {
		t.Error("empty master key should be rejected")
	}
	if _, err := NewFromString("dG9vc2hvcnQ="); err == nil {
		t.Error("short decoded key should be rejected")
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"sk-test-abcd1234": "…1234",
		"abcd":             "…",
		"ab":               "…",
		"":                 "…",
		"sk-x-zzzz":        "…zzzz",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
