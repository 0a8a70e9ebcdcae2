package domain

import "time"

// ProxyTokenLength is the length of a proxy token in hex characters.
// Proxy tokens are generated from 32 cryptographically random bytes.
const ProxyTokenLength = 64

// TokenRecord holds one identity's upstream OAuth credentials together with
// the opaque proxy token handed out to clients. Exactly one record exists per
// identity, and the proxy token is unique across all records and immutable
// once assigned.
type TokenRecord struct {
	IdentityID   int64     `bson:"identity_id"   json:"identity_id"`
	DisplayName  string    `bson:"display_name"  json:"display_name"`
	AccessToken  string    `bson:"access_token"  json:"-"`
	RefreshToken string    `bson:"refresh_token" json:"-"`
	ExpiresAt    time.Time `bson:"expires_at"    json:"expires_at"`
	Scopes       []string  `bson:"scopes"        json:"scopes"`
	ProxyToken   string    `bson:"proxy_token"   json:"proxy_token"`
	CreatedAt    time.Time `bson:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"    json:"updated_at"`
}

// Expired reports whether the access token has expired at the given instant.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Info returns the read-only projection of the record, excluding the raw
// upstream credentials.
func (r *TokenRecord) Info() *TokenInfo {
	return &TokenInfo{
		IdentityID:  r.IdentityID,
		DisplayName: r.DisplayName,
		ExpiresAt:   r.ExpiresAt,
		Scopes:      r.Scopes,
		ProxyToken:  r.ProxyToken,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// TokenInfo is the credential-free view of a TokenRecord, safe to expose to
// in-process collaborators such as the admin surface.
type TokenInfo struct {
	IdentityID  int64     `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes"`
	ProxyToken  string    `json:"proxy_token"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenStats summarizes stored token records at a point in time.
type TokenStats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Expired int64 `json:"expired"`
}
