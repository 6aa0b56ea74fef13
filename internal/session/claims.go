package session

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// claim paths tried in order; the backend has shipped all of these.
var userIDClaims = [][]string{
	{"sub"}, {"_id"}, {"id"}, {"userId"}, {"uid"},
	{"data", "_id"}, {"data", "id"},
}

// UserIDFromToken extracts the user id from a JWT without verifying its
// signature. The backend is the authority on validity; the client only needs
// the identity for self-echo suppression. It returns "" when the token is not
// a JWT or carries no recognised claim.
func UserIDFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, path := range userIDClaims {
		if v := lookup(claims, path); v != "" {
			return v
		}
	}
	return ""
}

func lookup(m map[string]any, path []string) string {
	var cur any = m
	for _, k := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[k]
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
