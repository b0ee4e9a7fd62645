package auth

import (
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// RealmAccess carries the realm-level role grants of a token.
type RealmAccess struct {
	Roles []string `json:"roles,omitempty"`
}

// Claims is the typed view of an identity-provider access token.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username,omitempty"`
	GivenName         string      `json:"given_name,omitempty"`
	FamilyName        string      `json:"family_name,omitempty"`
	RealmAccess       RealmAccess `json:"realm_access,omitempty"`
}

// Identity is the user reconstructed from verified claims.
type Identity struct {
	SubjectID string   `json:"subjectId"`
	Username  string   `json:"username"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Roles     []string `json:"roles"`
}

// IdentityFromClaims builds an Identity. A token without a subject is rejected.
func IdentityFromClaims(c *Claims) (*Identity, error) {
	if c == nil || c.Subject == "" {
		return nil, fmt.Errorf("%w: sub missing", ErrInvalidToken)
	}
	return &Identity{
		SubjectID: c.Subject,
		Username:  c.PreferredUsername,
		FirstName: c.GivenName,
		LastName:  c.FamilyName,
		Roles:     roleSet(c.RealmAccess.Roles),
	}, nil
}

// HasRole reports whether the identity was granted role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	_, found := slices.BinarySearch(i.Roles, role)
	return found
}

func roleSet(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
