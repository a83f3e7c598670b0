// Package auth implements the signed-invocation scheme (HMAC API keys) and
// bearer-token authentication for the management endpoints.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/store"
)

// ClockSkewCap bounds |now - timestamp| on signed requests; anything older
// reads as a replay.
const ClockSkewCap = 5 * time.Minute

const secretBytes = 32

// IssuedKey is the creation response. Secret carries the cleartext exactly
// once; only its digest is persisted.
type IssuedKey struct {
	Key    *domain.APIKey
	Secret string
}

// Verification is attached to the request context after a signature check.
type Verification struct {
	KeyID  string
	Signed bool
}

// Keys issues and verifies API keys against the store.
type Keys struct {
	store store.Store
	now   func() time.Time
}

// NewKeys returns a Keys service. now is substituted by tests; pass nil for
// the wall clock.
func NewKeys(s store.Store, now func() time.Time) *Keys {
	if now == nil {
		now = time.Now
	}
	return &Keys{store: s, now: now}
}

// Issue creates a key for the function. expires_at derives from the validity
// class at creation and is never changed afterwards.
func (k *Keys) Issue(ctx context.Context, functionID string, validity domain.KeyValidity, name string) (*IssuedKey, error) {
	if !validity.IsValid() {
		return nil, fmt.Errorf("%w: unknown validity %q", domain.ErrConflict, validity)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := k.now()
	key := &domain.APIKey{
		ID:         uuid.New().String(),
		FunctionID: functionID,
		SecretHash: HashSecret(secret),
		Validity:   validity,
		IsActive:   true,
		Name:       name,
		CreatedAt:  now,
	}
	if d, ok := validity.Duration(); ok {
		exp := now.Add(d)
		key.ExpiresAt = &exp
	}

	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return &IssuedKey{Key: key, Secret: secret}, nil
}

// Verify checks a (signature, timestamp, key id) tuple against the canonical
// payload. All rejections map to ErrSignatureInvalid so callers cannot
// distinguish a bad key from a bad signature.
func (k *Keys) Verify(ctx context.Context, functionID, keyID, signature string, timestamp int64, payload []byte) (*Verification, error) {
	now := k.now()
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > ClockSkewCap {
		return nil, fmt.Errorf("%w: timestamp outside validity window", domain.ErrSignatureInvalid)
	}

	key, err := k.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown key", domain.ErrSignatureInvalid)
	}
	if key.FunctionID != functionID {
		return nil, fmt.Errorf("%w: key not bound to function", domain.ErrSignatureInvalid)
	}
	if !key.Usable(now) {
		return nil, fmt.Errorf("%w: key revoked or expired", domain.ErrSignatureInvalid)
	}

	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", domain.ErrSignatureInvalid)
	}
	expected, err := computeMAC(key.SecretHash, payload, timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed stored key", domain.ErrSignatureInvalid)
	}
	if subtle.ConstantTimeCompare(expected, provided) != 1 {
		return nil, fmt.Errorf("%w: signature mismatch", domain.ErrSignatureInvalid)
	}

	return &Verification{KeyID: keyID, Signed: true}, nil
}

// Sign computes the invocation signature for a cleartext secret. The HMAC
// key is the SHA-256 digest of the secret, so the server can verify against
// the stored digest without ever holding the cleartext.
func Sign(secret string, payload []byte, timestamp int64) string {
	mac, _ := computeMAC(HashSecret(secret), payload, timestamp)
	return base64.StdEncoding.EncodeToString(mac)
}

// HashSecret returns the hex SHA-256 digest of the secret, the only form the
// store ever sees.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// computeMAC computes HMAC-SHA256(digest, payload || "." || decimal(ts)).
func computeMAC(secretHashHex string, payload []byte, timestamp int64) ([]byte, error) {
	macKey, err := hex.DecodeString(secretHashHex)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(payload)
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return mac.Sum(nil), nil
}

// generateSecret produces a fk_-prefixed secret with 32 bytes of entropy.
func generateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "fk_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
