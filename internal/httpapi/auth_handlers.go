package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"sqldesk.org/internal/audit"
	"sqldesk.org/internal/auth"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Role        string `json:"role"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := auth.Authenticate(r.Context(), a.users, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrDisabled) {
			writeError(w, r, http.StatusForbidden, "account disabled")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(user, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not issue token")
		return
	}

	audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"username": user.Username,
		"role":     string(user.Role),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.tokenTTL / time.Second),
		Role:        string(user.Role),
	})
}
