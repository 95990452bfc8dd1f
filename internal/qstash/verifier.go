package qstash

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSignature is returned when neither signing key validates a callback.
var ErrInvalidSignature = errors.New("invalid qstash signature")

// SignatureHeader carries the JWT QStash signs every callback with.
const SignatureHeader = "Upstash-Signature"

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier checks callback signatures against the current and next signing keys,
// so deliveries keep verifying across a key rotation.
type Verifier struct {
	currentKey []byte
	nextKey    []byte
	leeway     time.Duration
}

// NewVerifier creates a verifier. An empty next key is ignored.
func NewVerifier(currentKey, nextKey string) *Verifier {
	return &Verifier{
		currentKey: []byte(currentKey),
		nextKey:    []byte(nextKey),
		leeway:     time.Minute,
	}
}

// Verify validates signature for a callback to callbackURL carrying body.
func (v *Verifier) Verify(signature string, body []byte, callbackURL string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	err := v.verifyWithKey(v.currentKey, signature, body, callbackURL)
	if err == nil {
		return nil
	}
	if len(v.nextKey) > 0 {
		if nextErr := v.verifyWithKey(v.nextKey, signature, body, callbackURL); nextErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

func (v *Verifier) verifyWithKey(key []byte, signature string, body []byte, callbackURL string) error {
	if len(key) == 0 {
		return errors.New("no signing key configured")
	}

	claims := &signatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("Upstash"),
		jwt.WithSubject(callbackURL),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return err
	}

	if strings.TrimRight(claims.Body, "=") != BodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

// BodyHash is the unpadded base64url SHA-256 of body, as carried in the body claim.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
