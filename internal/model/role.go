package model

// Role claims are only honoured when all three of these match.
const (
	RoleClaimType     = "role"
	StringValueType   = "http://www.w3.org/2001/XMLSchema#string"
	RoleClaimIssuer   = "https://linelink.app/"
	AdministratorRole = "admin"
)

// RoleClaim is a persisted claim grant on a user record.
type RoleClaim struct {
	ClaimType string `json:"claimType"`
	Value     string `json:"value"`
	ValueType string `json:"valueType"`
	Issuer    string `json:"issuer"`
}

// NewRoleClaim builds a role claim issued by this application.
func NewRoleClaim(role string) RoleClaim {
	return RoleClaim{
		ClaimType: RoleClaimType,
		Value:     role,
		ValueType: StringValueType,
		Issuer:    RoleClaimIssuer,
	}
}

// RolesFromClaims returns the roles granted by claims. Claims with another
// type, value type or issuer are ignored even when the value matches.
func RolesFromClaims(claims []RoleClaim) []string {
	roles := make([]string, 0, len(claims))
	for _, c := range claims {
		if c.ClaimType == RoleClaimType &&
			c.ValueType == StringValueType &&
			c.Issuer == RoleClaimIssuer {
			roles = append(roles, c.Value)
		}
	}
	return roles
}
