package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the payload of a handshake token. Subject is the sender's
// identity and Audience the identity it intends to talk to.
type Claims struct {
	UIID string `json:"ui_id"`
	jwt.RegisteredClaims
}
