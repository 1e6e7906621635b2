package serv

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON encodes data as JSON and writes to response, handling errors
func writeJSON(w http.ResponseWriter, data interface{}) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response with proper header ordering
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message})
}

// adminOnly guards the admin API with the X-Admin-Secret header.
func adminOnly(s1 *HttpService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*sqljinService)

		hsec := sha256.Sum256([]byte(r.Header.Get("X-Admin-Secret")))
		if subtle.ConstantTimeCompare(hsec[:], s.asec[:]) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "invalid admin secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthCheckHandler reports whether the main database is reachable
// GET /health
func healthCheckHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s := s1.Load().(*sqljinService)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.gw.Health(ctx); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// adminPoolsHandler returns live stats for every datasource pool
// GET /api/v1/admin/pools
func adminPoolsHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s := s1.Load().(*sqljinService)

		pools := s.gw.PoolStats()

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"pools": pools,
			"count": len(pools),
		})
	})
}

// adminCacheInvalidateHandler drops cached endpoint bundles
// POST /api/v1/admin/cache/invalidate {"endpoint_id": "..."} or {"all": true}
func adminCacheInvalidateHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s := s1.Load().(*sqljinService)

		var req struct {
			EndpointID string `json:"endpoint_id"`
			All        bool   `json:"all"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		switch {
		case req.All:
			s.gw.InvalidateAllBundles(r.Context())
		case req.EndpointID != "":
			s.gw.InvalidateBundle(r.Context(), req.EndpointID)
		default:
			writeJSONError(w, http.StatusBadRequest, "endpoint_id or all required")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{"invalidated": true})
	})
}

// adminReloadHandler rebuilds the gateway engine in place
// POST /api/v1/admin/reload
func adminReloadHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s := s1.Load().(*sqljinService)

		if err := s.gw.Reload(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{"reloaded": true})
	})
}
