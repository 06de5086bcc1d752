package identity

import "errors"

var (
	// ErrVerification is returned when a signature is absent, malformed, or
	// does not match the signed payload.
	ErrVerification = errors.New("identity: verification failed")

	// ErrNotSuccessor is returned when a record may not replace the stored one.
	ErrNotSuccessor = errors.New("identity: not a valid successor")

	// ErrKeyMismatch is returned when a signing key does not belong to the record.
	ErrKeyMismatch = errors.New("identity: signing key does not match record")

	// ErrInvalidKey is returned for keys that fail to decode.
	ErrInvalidKey = errors.New("identity: invalid key encoding")
)
