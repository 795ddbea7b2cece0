package credential

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/syncd/internal/crm"
)

// Credential is the stored CRM token pair for one location. A single row per
// location, read by every CRM call and replaced atomically by the token
// manager through a version check.
type Credential struct {
	ID                uuid.UUID
	LocationID        string
	AccessToken       string
	RefreshToken      string
	TokenLifetimeSecs int64
	ExpiresAt         time.Time
	Scope             string
	UserType          string
	CompanyID         string
	UserID            string
	Version           int
	UpdatedAt         time.Time
}

// ApplyGrant folds a token grant into the credential. A grant without a
// refresh token keeps the stored one, matching the CRM's rotation behavior.
func (c *Credential) ApplyGrant(grant *crm.TokenGrant, now time.Time) {
	c.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		c.RefreshToken = grant.RefreshToken
	}
	if grant.ExpiresIn > 0 {
		c.TokenLifetimeSecs = grant.ExpiresIn
	}
	c.ExpiresAt = now.Add(time.Duration(c.TokenLifetimeSecs) * time.Second)
	if grant.Scope != "" {
		c.Scope = grant.Scope
	}
	if grant.UserType != "" {
		c.UserType = grant.UserType
	}
	if grant.CompanyID != "" {
		c.CompanyID = grant.CompanyID
	}
	if grant.UserID != "" {
		c.UserID = grant.UserID
	}
	if grant.LocationID != "" {
		c.LocationID = grant.LocationID
	}
}
