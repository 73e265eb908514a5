package utils

import (
	"fmt"
	"os"

	"github.com/dgrijalva/jwt-go"
)

type JwtCustomClaim struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "MediFlow-Secret"
	}
	return secret
}

// JwtValidate parses the token issued by the backend. The agent never mints
// tokens; it only needs the claims to scope queued mutations per user.
func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
}

// IdentityFromToken extracts (userId, userName) from a bearer token, or (0, "")
// when the token is absent or invalid.
func IdentityFromToken(token string) (int, string) {
	if token == "" {
		return 0, ""
	}
	parsed, err := JwtValidate(token)
	if err != nil || !parsed.Valid {
		return 0, ""
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok {
		return 0, ""
	}
	return claims.ID, claims.Name
}
