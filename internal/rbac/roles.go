package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCustomer = "customer"
	RoleOwner    = "owner" // lists cars for rent
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsKnownRole reports whether role may be carried by an access token.
func IsKnownRole(role string) bool {
	switch role {
	case RoleCustomer, RoleOwner, RoleAdmin:
		return true
	default:
		return false
	}
}
