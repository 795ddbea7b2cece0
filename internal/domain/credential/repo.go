package credential

import "context"

// Repository defines the persistence interface for the credential row.
type Repository interface {
	// Get returns the stored credential, or (nil, nil) when no handshake
	// has happened yet.
	Get(ctx context.Context) (*Credential, error)
	// Upsert creates or replaces the credential for its location. Used by
	// the OAuth handshake; resets the version counter on replace.
	Upsert(ctx context.Context, c *Credential) error
	// ReplaceCAS updates the row only when the stored version still
	// matches c.Version, bumping the version on success. Returns false on
	// a version conflict.
	ReplaceCAS(ctx context.Context, c *Credential) (bool, error)
}
