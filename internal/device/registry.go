// Package device tracks the opaque credential reference each student's
// bound authenticator is known by. The cryptographic handshake itself
// lives in an external authenticator service; this core only compares
// references.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoCredential  = errors.New("no device credential bound")
	ErrMismatch      = errors.New("device credential mismatch")
	ErrProofRejected = errors.New("credential proof rejected")
)

// Credential is one student's active device binding.
type Credential struct {
	Reference string
	StudentID string
	BoundAt   time.Time
}

// CredentialVerifier is the external authenticator capability: it
// validates the cryptographic proof and binds it server-side. This core
// never inspects the proof.
type CredentialVerifier interface {
	VerifyAndBind(ctx context.Context, studentID, proof string) error
}

// Store persists bindings. Replace must be atomic: at no instant are
// two references valid for the same student.
type Store interface {
	Replace(ctx context.Context, cred Credential) error
	Active(ctx context.Context, studentID string) (*Credential, error)
}

// Registry issues and resolves device credential references.
type Registry struct {
	store    Store
	verifier CredentialVerifier
	now      func() time.Time
}

func NewRegistry(store Store, verifier CredentialVerifier) *Registry {
	return &Registry{store: store, verifier: verifier, now: time.Now}
}

// Bind verifies the proof with the external authenticator and installs
// a fresh reference, atomically retiring any previous one. Used both
// for first registration and for device reset.
func (r *Registry) Bind(ctx context.Context, studentID, proof string) (Credential, error) {
	if err := r.verifier.VerifyAndBind(ctx, studentID, proof); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrProofRejected, err)
	}
	cred := Credential{
		Reference: uuid.NewString(),
		StudentID: studentID,
		BoundAt:   r.now().UTC(),
	}
	if err := r.store.Replace(ctx, cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// ActiveReference returns the student's current reference, or
// ErrNoCredential when the student never bound a device.
func (r *Registry) ActiveReference(ctx context.Context, studentID string) (string, error) {
	cred, err := r.store.Active(ctx, studentID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrNoCredential
	}
	return cred.Reference, nil
}
