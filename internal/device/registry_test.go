package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierFunc func(ctx context.Context, studentID, proof string) error

func (f verifierFunc) VerifyAndBind(ctx context.Context, studentID, proof string) error {
	return f(ctx, studentID, proof)
}

func acceptAll(context.Context, string, string) error { return nil }

func TestBindAndResolve(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), verifierFunc(acceptAll))

	cred, err := reg.Bind(context.Background(), "student-1", "proof")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Reference)

	ref, err := reg.ActiveReference(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, cred.Reference, ref)
}

func TestRebindReplacesAtomically(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), verifierFunc(acceptAll))

	first, err := reg.Bind(context.Background(), "student-1", "proof-1")
	require.NoError(t, err)
	second, err := reg.Bind(context.Background(), "student-1", "proof-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.Reference, second.Reference)

	// Only the newest reference resolves; the old one is gone, not
	// lingering alongside it.
	ref, err := reg.ActiveReference(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, second.Reference, ref)
}

func TestActiveReferenceUnbound(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), verifierFunc(acceptAll))
	_, err := reg.ActiveReference(context.Background(), "student-1")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestBindRejectedProof(t *testing.T) {
	reject := verifierFunc(func(context.Context, string, string) error {
		return errors.New("signature invalid")
	})
	reg := NewRegistry(NewMemoryStore(), reject)

	_, err := reg.Bind(context.Background(), "student-1", "bad-proof")
	assert.ErrorIs(t, err, ErrProofRejected)

	// A failed rebind must not disturb an existing binding.
	okReg := NewRegistry(NewMemoryStore(), verifierFunc(acceptAll))
	cred, err := okReg.Bind(context.Background(), "student-2", "proof")
	require.NoError(t, err)
	okReg.verifier = reject
	_, err = okReg.Bind(context.Background(), "student-2", "bad-proof")
	require.ErrorIs(t, err, ErrProofRejected)
	ref, err := okReg.ActiveReference(context.Background(), "student-2")
	require.NoError(t, err)
	assert.Equal(t, cred.Reference, ref)
}
