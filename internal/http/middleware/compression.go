package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForUpgrade wraps a compression middleware handler to skip
// compression for protocol upgrade requests (websockets). The upgrade
// hijacks the underlying connection; a compressing writer in between breaks
// the handshake.
func SkipCompressionForUpgrade(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Create the compression-wrapped handler
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUpgradeRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			// Apply compression for all other requests
			compressedHandler.ServeHTTP(w, r)
		})
	}
}

// isUpgradeRequest reports whether the client is asking to switch protocols.
func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
