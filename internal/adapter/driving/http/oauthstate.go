package httphandler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

const (
	oauthStateCookie = "amocrm_oauth_state"
	oauthStateBytes  = 32
	oauthStateMaxAge = 600
)

// issueOAuthState sets a fresh state cookie scoped to the callback path and
// returns the value to pass to amoCRM.
func issueOAuthState(w http.ResponseWriter, secure bool) string {
	state := generateState()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/v1/auth/amocrm",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return state
}

// consumeOAuthState checks the state query parameter against the cookie and
// clears the cookie. Returns true if both are present and equal.
func consumeOAuthState(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" {
		return false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/v1/auth/amocrm",
		MaxAge:   -1,
		HttpOnly: true,
	})

	state := r.URL.Query().Get("state")
	return state != "" && subtle.ConstantTimeCompare([]byte(state), []byte(cookie.Value)) == 1
}

func generateState() string {
	b := make([]byte, oauthStateBytes)
	if _, err := rand.Read(b); err != nil {
		panic("oauth: failed to generate random state: " + err.Error())
	}
	return hex.EncodeToString(b)
}
