package models

import (
	"slices"
	"time"
)

// VerifiedIdentity is the authenticated principal attached to a request once
// the Auth Gate has accepted a bearer token or a session cookie.
type VerifiedIdentity struct {
	Subject     string    `json:"sub"`
	ObjectID    string    `json:"oid,omitempty"`
	DisplayName string    `json:"name"`
	Username    string    `json:"username"`
	Roles       []string  `json:"roles,omitempty"`
	ExpiresAt   time.Time `json:"exp"`
}

// ID returns the stable directory identifier, falling back to the subject
// when the provider did not issue an object id.
func (v VerifiedIdentity) ID() string {
	if v.ObjectID != "" {
		return v.ObjectID
	}
	return v.Subject
}

// HasRole reports whether the identity carries the given role claim.
func (v VerifiedIdentity) HasRole(role string) bool {
	return slices.Contains(v.Roles, role)
}

// Profile is the user record returned by the provider's user-info endpoint
// (Microsoft Graph `/me` shape).
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail,omitempty"`
}

// Identity projects the profile onto a VerifiedIdentity. Roles and expiry are
// not part of the profile and are left for the caller to merge in.
func (p Profile) Identity() VerifiedIdentity {
	username := p.UserPrincipalName
	if username == "" {
		username = p.Mail
	}
	return VerifiedIdentity{
		Subject:     p.ID,
		ObjectID:    p.ID,
		DisplayName: p.DisplayName,
		Username:    username,
	}
}
