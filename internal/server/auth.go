package server

import (
	"errors"
	"net/http"
	"strings"

	"topicpresence/internal/storage"
)

var errUnauthorized = errors.New("unauthorized")

type authContext struct {
	Token string
	User  *storage.User
}

// authenticateRequest resolves the session token from the Authorization
// header, falling back to the token query parameter for websocket clients.
func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return nil, errUnauthorized
	}
	session, err := s.store.GetSession(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.ExpiresAt.After(s.clock.Now()) {
		return nil, errUnauthorized
	}
	user, err := s.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return &authContext{Token: token, User: user}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// requireAuth writes the failure response itself and returns nil when the
// request is not authenticated.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) *authContext {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return nil
	}
	return authCtx
}
