package auth

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/store"
)

// fakeKeyStore implements the API key slice of store.Store; everything else
// panics via the embedded nil interface.
type fakeKeyStore struct {
	store.Store
	keys map[string]*domain.APIKey
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]*domain.APIKey)}
}

func (f *fakeKeyStore) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	f.keys[key.ID] = key
	return nil
}

func (f *fakeKeyStore) GetAPIKey(_ context.Context, id string) (*domain.APIKey, error) {
	key, ok := f.keys[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return key, nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestIssueStoresDigestOnly(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Day, "ci")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.Secret, "fk_"))
	assert.Equal(t, HashSecret(issued.Secret), issued.Key.SecretHash)
	assert.NotContains(t, issued.Key.SecretHash, issued.Secret)

	require.NotNil(t, issued.Key.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *issued.Key.ExpiresAt)
	assert.True(t, issued.Key.IsActive)
}

func TestIssueForeverHasNoExpiry(t *testing.T) {
	keys := NewKeys(newFakeKeyStore(), nil)
	issued, err := keys.Issue(context.Background(), "fn-1", domain.ValidityForever, "")
	require.NoError(t, err)
	assert.Nil(t, issued.Key.ExpiresAt)
}

func TestIssueRejectsUnknownValidity(t *testing.T) {
	keys := NewKeys(newFakeKeyStore(), nil)
	_, err := keys.Issue(context.Background(), "fn-1", "2h", "")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestIssueSecretsAreUnique(t *testing.T) {
	keys := NewKeys(newFakeKeyStore(), nil)
	a, err := keys.Issue(context.Background(), "fn-1", domain.ValidityForever, "")
	require.NoError(t, err)
	b, err := keys.Issue(context.Background(), "fn-1", domain.ValidityForever, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Secret, b.Secret)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	payload := []byte(`{"city":"berlin"}`)
	ts := now.Unix()
	sig := Sign(issued.Secret, payload, ts)

	v, err := keys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, ts, payload)
	require.NoError(t, err)
	assert.True(t, v.Signed)
	assert.Equal(t, issued.Key.ID, v.KeyID)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	payload := []byte(`{}`)
	stale := now.Add(-6 * time.Minute).Unix()
	sig := Sign(issued.Secret, payload, stale)

	_, err = keys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, stale, payload)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)

	// Just inside the window passes.
	recent := now.Add(-4 * time.Minute).Unix()
	sig = Sign(issued.Secret, payload, recent)
	_, err = keys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, recent, payload)
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Now()
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	ts := now.Unix()
	sig := Sign(issued.Secret, []byte(`{"amount":10}`), ts)

	_, err = keys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, ts, []byte(`{"amount":1000}`))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsWrongTimestamp(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Now()
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	payload := []byte(`{}`)
	sig := Sign(issued.Secret, payload, now.Unix())

	// Signature bound to a different timestamp than the one presented.
	_, err = keys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, now.Unix()+1, payload)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	keys := NewKeys(newFakeKeyStore(), nil)
	_, err := keys.Verify(context.Background(), "fn-1", "missing", "c2ln", time.Now().Unix(), []byte("null"))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsForeignFunction(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Now()
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	ts := now.Unix()
	sig := Sign(issued.Secret, []byte("null"), ts)
	_, err = keys.Verify(context.Background(), "fn-2", issued.Key.ID, sig, ts, []byte("null"))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsRevokedKey(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Now()
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)
	issued.Key.IsActive = false

	ts := now.Unix()
	sig := Sign(issued.Secret, []byte("null"), ts)
	_, err = keys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, ts, []byte("null"))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsExpiredKey(t *testing.T) {
	st := newFakeKeyStore()
	issueTime := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	keys := NewKeys(st, fixedClock(issueTime))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	// Two hours later the key has expired; present a fresh timestamp so only
	// the expiry check can fail.
	later := issueTime.Add(2 * time.Hour)
	lateKeys := NewKeys(st, fixedClock(later))
	ts := later.Unix()
	sig := Sign(issued.Secret, []byte("null"), ts)
	_, err = lateKeys.Verify(context.Background(), "fn-1", issued.Key.ID, sig, ts, []byte("null"))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	st := newFakeKeyStore()
	now := time.Now()
	keys := NewKeys(st, fixedClock(now))

	issued, err := keys.Issue(context.Background(), "fn-1", domain.Validity1Hour, "")
	require.NoError(t, err)

	_, err = keys.Verify(context.Background(), "fn-1", issued.Key.ID, "%%%not-base64%%%", now.Unix(), []byte("null"))
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerificationContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := VerificationFromContext(ctx)
	assert.False(t, ok)

	v := &Verification{KeyID: "key-1", Signed: true}
	ctx = WithVerification(ctx, v)

	got, ok := VerificationFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, v, got)
}

func TestSignIsDeterministic(t *testing.T) {
	sig1 := Sign("fk_secret", []byte(`{"a":1}`), 1700000000)
	sig2 := Sign("fk_secret", []byte(`{"a":1}`), 1700000000)
	assert.Equal(t, sig1, sig2)

	raw, err := base64.StdEncoding.DecodeString(sig1)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
