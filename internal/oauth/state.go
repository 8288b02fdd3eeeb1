package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"bookcal/backend/internal/domain"
)

var ErrInvalidState = errors.New("invalid oauth state")

// StateSigner binds an authorization request to a host and provider so the
// callback can be trusted without server-side session storage.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret []byte, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}
}

func (s *StateSigner) Sign(hostID string, provider domain.Provider) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	expires := s.now().Add(s.ttl).Unix()
	payload := strings.Join([]string{
		hostID,
		string(provider),
		strconv.FormatInt(expires, 10),
		hex.EncodeToString(nonce),
	}, "\n")

	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(s.mac(payload)), nil
}

func (s *StateSigner) Verify(state string) (string, domain.Provider, error) {
	enc := base64.RawURLEncoding
	p, sig, ok := strings.Cut(state, ".")
	if !ok {
		return "", "", ErrInvalidState
	}
	payloadBytes, err := enc.DecodeString(p)
	if err != nil {
		return "", "", ErrInvalidState
	}
	gotMAC, err := enc.DecodeString(sig)
	if err != nil {
		return "", "", ErrInvalidState
	}
	payload := string(payloadBytes)
	if !hmac.Equal(gotMAC, s.mac(payload)) {
		return "", "", ErrInvalidState
	}

	parts := strings.Split(payload, "\n")
	if len(parts) != 4 || parts[0] == "" {
		return "", "", ErrInvalidState
	}
	expires, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || s.now().Unix() > expires {
		return "", "", ErrInvalidState
	}
	provider, ok := domain.ParseProvider(parts[1])
	if !ok {
		return "", "", ErrInvalidState
	}
	return parts[0], provider, nil
}

func (s *StateSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
