package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/shopfed/authcore/internal/service"
)

const (
	// RefreshCookieName is the HttpOnly cookie carrying the refresh JWT.
	RefreshCookieName = "jwt_refresh_token"
	// CSRFCookieName is rotated on every fresh login. It is readable by
	// scripts so clients can echo it back in a header.
	CSRFCookieName = "csrftoken"
)

// AuthHandler serves the session endpoints: login, logout, and the
// refresh-to-access token exchange.
type AuthHandler struct {
	auth         *service.AuthService
	secureCookie bool
}

// NewAuthHandler creates an AuthHandler. secureCookie marks issued cookies
// Secure and should be true everywhere except plain-HTTP development setups.
func NewAuthHandler(auth *service.AuthService, secureCookie bool) *AuthHandler {
	return &AuthHandler{auth: auth, secureCookie: secureCookie}
}

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates the credentials and sets the refresh-token cookie.
// If the request already carries a valid refresh cookie the login is a
// no-op: success is reported and no cookie is touched.
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(RefreshCookieName); err == nil && cookie.Value != "" {
		if _, err := h.auth.VerifyRefresh(r.Context(), cookie.Value); err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"detail": "already logged in"})
			return
		}
	}

	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrAuthFailure) {
			writeError(w, http.StatusUnauthorized, "authentication failure")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	maxAge := int(sess.Lifetime.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    sess.RefreshToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    freshCSRFToken(),
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"detail": "login successful"})
}

// Logout clears the refresh cookie. A request without a valid refresh
// cookie is refused, so a second logout reports 401.
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	if _, err := h.auth.VerifyRefresh(r.Context(), cookie.Value); err != nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"detail": "logged out"})
}

// RefreshAccessToken exchanges the refresh cookie for an audience-scoped
// access token.
// GET /refresh_access_token?audience=a,b
func (h *AuthHandler) RefreshAccessToken(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}
	claims, err := h.auth.VerifyRefresh(r.Context(), cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	audiences := queryList(r, "audience")
	if len(audiences) == 0 {
		writeError(w, http.StatusBadRequest, service.ErrBadAudience.Error())
		return
	}

	resp, err := h.auth.ExchangeAccessToken(r.Context(), claims, audiences)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBadAudience):
			writeError(w, http.StatusBadRequest, service.ErrBadAudience.Error())
		case errors.Is(err, service.ErrForbiddenAudience):
			writeError(w, http.StatusForbidden, service.ErrForbiddenAudience.Error())
		default:
			writeError(w, http.StatusInternalServerError, "token exchange failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// freshCSRFToken draws a 128-bit random hex token.
func freshCSRFToken() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
