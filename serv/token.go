package serv

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-http-utils/headers"

	"github.com/sqljin/sqljin/core"
)

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenGenerateHandler issues client JWTs.
//
// POST accepts JSON or form fields client_id, client_secret and
// grant_type=client_credentials. The legacy GET form takes clientId
// and secret query parameters and answers with {expireAt, token}.
func tokenGenerateHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			tokenGeneratePost(s1, w, r)
		case http.MethodGet:
			tokenGenerateLegacy(s1, w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func tokenGeneratePost(s1 *HttpService, w http.ResponseWriter, r *http.Request) {
	s := s1.Load().(*sqljinService)

	var req tokenRequest

	ct := r.Header.Get(headers.ContentType)
	if strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.ClientID = r.PostForm.Get("client_id")
		req.ClientSecret = r.PostForm.Get("client_secret")
		req.GrantType = r.PostForm.Get("grant_type")
	}

	if req.GrantType != "client_credentials" {
		writeJSONError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}

	token, _, err := s.gw.IssueToken(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	w.Header().Set(headers.ContentType, "application/json")
	writeJSON(w, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.gw.TokenTTL() / time.Second),
	})
}

func tokenGenerateLegacy(s1 *HttpService, w http.ResponseWriter, r *http.Request) {
	s := s1.Load().(*sqljinService)

	clientID := r.URL.Query().Get("clientId")
	secret := r.URL.Query().Get("secret")

	token, expireAt, err := s.gw.IssueToken(r.Context(), clientID, secret)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	w.Header().Set(headers.ContentType, "application/json")
	writeJSON(w, map[string]interface{}{
		"expireAt": expireAt.Unix(),
		"token":    token,
	})
}

func writeTokenError(w http.ResponseWriter, err error) {
	if core.AsError(err).Kind == core.AuthFailed {
		writeJSONError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "token generation failed")
}
