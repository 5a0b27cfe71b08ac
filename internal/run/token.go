package run

import "github.com/google/uuid"

// NewToken mints a new opaque run token. The excluded OAuth callback (§1)
// is what actually calls this when it writes a new.<uuid> marker; the
// supervisor only ever reads tokens others minted, but token minting
// lives here so both sides agree on the format.
func NewToken() string {
	return uuid.NewString()
}
