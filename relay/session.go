// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// resumeDomainKey is the BLAKE3 keyed-hashing key for resume tokens.
// Domain separation keeps session-derived tokens distinct from any
// other hash of the same bytes. The byte values are the ASCII
// encoding of the domain name, zero-padded to 32 bytes, so the key is
// inspectable in hex dumps without losing any cryptographic property.
var resumeDomainKey = [32]byte{
	'c', 'r', 'o', 's', 's', 't', 'a', 'l', 'k', '.', 's', 'e', 's', 's', 'i', 'o',
	'n', '.', 'r', 'e', 's', 'u', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0,
}

// Session identifies one accepted handshake.
type Session struct {
	// ID is a fresh UUID minted at welcome time.
	ID string

	// ResumeToken is derived from the session ID. The daemon does not
	// honor resumption yet (every presented token is answered with
	// RESUME_TOO_OLD), but the token is minted and stored so clients
	// written against a future resume-capable daemon already carry it.
	ResumeToken string
}

// NewSession mints a session with a fresh ID and its resume token.
func NewSession() Session {
	id := uuid.NewString()
	return Session{ID: id, ResumeToken: resumeToken(id)}
}

// resumeToken derives the resume token for a session ID using a
// domain-separated BLAKE3 keyed hash. Deriving rather than storing a
// random token means the daemon can verify a presented token against
// the session record alone.
func resumeToken(sessionID string) string {
	hasher, err := blake3.NewKeyed(resumeDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length, which is fixed
		// at compile time.
		panic("relay: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write([]byte(sessionID))
	return hex.EncodeToString(hasher.Sum(nil))
}
