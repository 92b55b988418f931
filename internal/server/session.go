package server

import (
	"fmt"
	"net/http"

	"chatdesk.dev/pkg/contracts"
)

// currentUser resolves the sealed session token carried by the request,
// preferring the cookie over a bearer header.
func (s *Server) currentUser(r *http.Request) (username, token string, err error) {
	sealed := ""
	if c, cerr := r.Cookie(contracts.SessionCookieName); cerr == nil {
		sealed = c.Value
	}
	if sealed == "" {
		sealed = bearerToken(r)
	}
	if sealed == "" {
		return "", "", fmt.Errorf("no session: %w", contracts.ErrUnauthorized)
	}
	token, err = s.cookies.DecryptString(sealed)
	if err != nil {
		return "", "", fmt.Errorf("unseal session: %w", contracts.ErrUnauthorized)
	}
	username, err = s.sessions.CurrentUser(token)
	if err != nil {
		return "", "", err
	}
	return username, token, nil
}

func (s *Server) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     contracts.SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
