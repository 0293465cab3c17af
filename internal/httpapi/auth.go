package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// requireToken guards the /v1 routes with an HMAC-signed bearer token. An
// empty secret disables the check for local development.
func (server *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if len(server.tokenSecret) == 0 {
			next.ServeHTTP(writer, request)
			return
		}
		header := request.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeError(writer, http.StatusUnauthorized, "missing bearer token")
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)
		token, err := jwt.Parse(rawToken, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return server.tokenSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeError(writer, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(writer, request)
	})
}
