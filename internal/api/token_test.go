package api

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/longcall/internal/backend"
)

func testHandle() backend.Handle {
	return backend.Handle{
		ID:        "01JAZ7K0000000000000000000",
		Backend:   "process",
		Key:       "deadbeef",
		Function:  "echo",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTokenRoundTrip(t *testing.T) {
	signer, err := newTokenSigner([]byte("secret"))
	if err != nil {
		t.Fatalf("newTokenSigner: %v", err)
	}
	token, err := signer.Encode(testHandle())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token %q is not URL safe", token)
	}

	h, err := signer.Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := testHandle()
	if h.ID != want.ID || h.Key != want.Key || h.Backend != want.Backend || !h.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("handle = %+v, want %+v", h, want)
	}
}

func TestTokenRejectsForgeries(t *testing.T) {
	signer, _ := newTokenSigner([]byte("secret"))
	other, _ := newTokenSigner([]byte("other"))
	token, _ := signer.Encode(testHandle())
	foreign, _ := other.Encode(testHandle())

	body, sig, _ := strings.Cut(token, ".")
	forgedHandle := testHandle()
	forgedHandle.ID = "01JAZ7K9999999999999999999"
	forged, _ := other.Encode(forgedHandle)
	forgedBody, _, _ := strings.Cut(forged, ".")

	tests := map[string]string{
		"empty":         "",
		"no separator":  body,
		"bad base64":    "!!!." + sig,
		"wrong secret":  foreign,
		"swapped body":  forgedBody + "." + sig,
		"truncated sig": body + "." + sig[:10],
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := signer.Decode(tok); !errors.Is(err, errInvalidToken) {
				t.Errorf("Decode error = %v, want errInvalidToken", err)
			}
		})
	}
}

func TestTokenSignerGeneratesSecret(t *testing.T) {
	a, err := newTokenSigner(nil)
	if err != nil {
		t.Fatalf("newTokenSigner: %v", err)
	}
	b, _ := newTokenSigner(nil)

	token, _ := a.Encode(testHandle())
	if _, err := b.Decode(token); err == nil {
		t.Error("independent signers accepted each other's tokens")
	}
}
