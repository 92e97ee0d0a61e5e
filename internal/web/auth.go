package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// actorHeader names the operator on whose behalf a request is made. It only
// labels history entries; it is not an identity check.
const actorHeader = "X-Factorio-Deck-Actor"

func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}

	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if queryToken != "" && secureEqual(queryToken, s.cfg.Token) {
		return true
	}

	headerToken := bearerToken(r.Header.Get("Authorization"))
	if headerToken != "" && secureEqual(headerToken, s.cfg.Token) {
		return true
	}

	return false
}

// requireAuth writes the error response and returns false when the request
// may not proceed. Mutating requests are refused in read-only mode.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request, mutating bool) bool {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return false
	}
	if mutating && s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server operations are disabled in read-only mode")
		return false
	}
	return true
}

func requestActor(r *http.Request) string {
	actor := strings.TrimSpace(r.Header.Get(actorHeader))
	if len(actor) > 64 {
		actor = actor[:64]
	}
	return actor
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
