package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/gabelle.json.
const wellKnownManifest = `{
  "name": "Gabelle",
  "description": "Prepaid credit accounting and metered tool gateway",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "balance": "/api/v1/credits/balance",
    "history": "/api/v1/credits/history",
    "usage_stats": "/api/v1/credits/usage-stats",
    "packs": "/api/v1/credits/packs",
    "purchase": "/api/v1/credits/purchase",
    "tools": "/api/v1/tools/{slug}/invoke"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Gabelle well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
