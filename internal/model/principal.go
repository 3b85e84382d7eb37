package model

// Principal is the identity resolved for a dashboard request. It is never persisted.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
