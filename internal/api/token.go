package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/longcall/internal/backend"
)

var errInvalidToken = errors.New("invalid job token")

// tokenSigner turns handles into opaque job tokens and back. A token is the
// handle's JSON and its HMAC-SHA256, both base64url encoded, so a client
// cannot point a cancel at a process it was never given.
type tokenSigner struct {
	secret []byte
}

func newTokenSigner(secret []byte) (*tokenSigner, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	return &tokenSigner{secret: secret}, nil
}

func (t *tokenSigner) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Encode returns the token for h.
func (t *tokenSigner) Encode(h backend.Handle) (string, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode handle: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(t.sign(payload)), nil
}

// Decode verifies token and returns the handle it carries.
func (t *tokenSigner) Decode(token string) (backend.Handle, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return backend.Handle{}, errInvalidToken
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(body)
	if err != nil {
		return backend.Handle{}, errInvalidToken
	}
	mac, err := enc.DecodeString(sig)
	if err != nil || !hmac.Equal(mac, t.sign(payload)) {
		return backend.Handle{}, errInvalidToken
	}

	var h backend.Handle
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&h); err != nil {
		return backend.Handle{}, errInvalidToken
	}
	return h, nil
}
