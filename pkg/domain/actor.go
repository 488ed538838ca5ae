package domain

// Actor is the caller identity handed to services. The identity provider is
// trusted as-is; services only decide what the actor may do.
type Actor struct {
	UserID UserID
	Admin  bool
}
