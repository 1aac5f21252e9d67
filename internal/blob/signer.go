package blob

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues and verifies download tokens for blob keys.
type Signer struct {
	secret    []byte
	publicURL string
}

// NewSigner returns a Signer whose links are rooted at publicURL.
func NewSigner(secret, publicURL string) *Signer {
	return &Signer{secret: []byte(secret), publicURL: publicURL}
}

// Token signs key for ttl.
func (s *Signer) Token(key string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"key": key,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	return signed, nil
}

// URL returns a download link for key valid for ttl.
func (s *Signer) URL(key string, ttl time.Duration) (string, error) {
	token, err := s.Token(key, ttl)
	if err != nil {
		return "", err
	}
	return s.publicURL + "/files/" + url.PathEscape(token), nil
}

// Verify checks token and returns the key it grants.
func (s *Signer) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("verify token: unexpected claims")
	}
	key, _ := claims["key"].(string)
	if key == "" {
		return "", errors.New("verify token: missing key claim")
	}
	return key, nil
}
