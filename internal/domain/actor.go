package domain

// Role is the actor class of a principal.
type Role string

const (
	RoleTraveler Role = "traveler"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleTraveler, RoleAgent, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the verified principal behind a call. Identity is established
// upstream; this package trusts it.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for scheduled and callback-driven work.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func roleAllowed(role Role, allowed []Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
