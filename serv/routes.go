package serv

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
)

const (
	healthRoute      = "/health"
	tokenRoute       = "/token/generate"
	adminPoolsRoute  = "/api/v1/admin/pools"
	adminCacheRoute  = "/api/v1/admin/cache/invalidate"
	adminReloadRoute = "/api/v1/admin/reload"
)

var wildcardMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// routesHandler is the main handler for all routes. Reserved routes
// are registered before the wildcard so they always win.
func routesHandler(s1 *HttpService, mux *chi.Mux) (http.Handler, error) {
	s := s1.Load().(*sqljinService)

	mux.Use(requestIDMiddleware)

	// Healthcheck API
	mux.Handle(healthRoute, healthCheckHandler(s1))

	// Token API
	mux.Handle(tokenRoute, tokenGenerateHandler(s1))

	// Admin API, guarded by the admin secret
	mux.Handle(adminPoolsRoute, adminOnly(s1, adminPoolsHandler(s1)))
	mux.Handle(adminCacheRoute, adminOnly(s1, adminCacheInvalidateHandler(s1)))
	mux.Handle(adminReloadRoute, adminOnly(s1, adminReloadHandler(s1)))

	// Everything else is a dynamic endpoint
	gw := gatewayHandler(s1)
	for _, m := range wildcardMethods {
		mux.Method(m, "/{first}", gw)
		mux.Method(m, "/{first}/*", gw)
	}

	var h http.Handler = mux

	if len(s.conf.AllowedOrigins) != 0 {
		allowedHeaders := s.conf.AllowedHeaders
		if len(allowedHeaders) == 0 {
			allowedHeaders = []string{"*"}
		}

		c := cors.New(cors.Options{
			AllowedOrigins:   s.conf.AllowedOrigins,
			AllowedHeaders:   allowedHeaders,
			AllowedMethods:   append(wildcardMethods, http.MethodOptions),
			AllowCredentials: true,
			Debug:            s.conf.DebugCORS,
		})
		h = c.Handler(h)
	}

	if s.conf.HTTPGZip {
		gz, err := gzhttp.NewWrapper()
		if err != nil {
			return nil, err
		}
		h = gz(h)
	}

	return setServerHeader(h), nil
}
