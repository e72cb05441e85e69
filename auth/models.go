package auth

type Role string

const (
	RoleSeeker  Role = "seeker"
	RoleHelper  Role = "helper"
	RoleArbiter Role = "arbiter"
	RoleAdmin   Role = "admin"
)

// Principal is the caller identity carried by a verified token.
type Principal struct {
	UserID string
	Role   Role
}
