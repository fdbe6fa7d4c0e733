package models

// User is a chat participant as returned by the user-lookup endpoint.
type User struct {
	ID        int64  `json:"id"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"publicKey"`
}
