package serv

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/rs/xid"

	"github.com/sqljin/sqljin/core"
)

const maxRequestBody = 4 << 20

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware tags every request with an id, generating one
// when the caller did not send their own.
func requestIDMiddleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = xid.New().String()
			r.Header.Set(requestIDHeader, rid)
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// gatewayHandler serves the dynamic endpoints. Every wildcard route
// lands here and is dispatched through the gateway pipeline.
func gatewayHandler(s1 *HttpService) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		s := s1.Load().(*sqljinService)
		st := time.Now()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unable to read request body")
			return
		}

		req := &core.Request{
			Method:      r.Method,
			Path:        r.URL.Path,
			Headers:     r.Header,
			Query:       r.URL.Query(),
			Body:        body,
			ContentType: r.Header.Get(headers.ContentType),
			ClientIP:    clientIP(r),
		}

		out := s.gw.Dispatch(r.Context(), req)
		writeOutcome(w, out)

		if s.logLevel >= logLevelInfo {
			s.log.Infow("request served",
				"request-id", r.Header.Get(requestIDHeader),
				"method", r.Method,
				"path", r.URL.Path,
				"status", out.Status,
				"client-ip", req.ClientIP,
				"duration", time.Since(st).String())
		}
	}
	return http.HandlerFunc(h)
}

func writeOutcome(w http.ResponseWriter, out core.Outcome) {
	w.Header().Set(headers.ContentType, "application/json")
	w.WriteHeader(out.Status)
	json.NewEncoder(w).Encode(out.Body) //nolint:errcheck
}

// clientIP returns the address the firewall and rate limiter key on:
// the rightmost X-Forwarded-For entry when present, else the peer
// host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get(headers.XForwardedFor); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[len(parts)-1]); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
