package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// BearerAuth checks an HS256 bearer token on every request.
type BearerAuth struct {
	secret []byte
	logger *logrus.Entry
}

// NewBearerAuth creates the middleware. An empty secret disables it.
func NewBearerAuth(secret string, logger *logrus.Entry) *BearerAuth {
	return &BearerAuth{secret: []byte(secret), logger: logger}
}

// Enabled reports whether a secret is configured.
func (a *BearerAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Validate parses tokenString and checks its signature and time claims.
func (a *BearerAuth) Validate(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Middleware returns the HTTP middleware function
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		claims, err := a.Validate(tokenString)
		if err != nil {
			a.logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("Rejected bearer token")
			unauthorized(w, "invalid bearer token")
			return
		}
		a.logger.WithField("subject", claims.Subject).Debug("Bearer token accepted")
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agency-interchange"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
