package security

import (
	"net/http"

	"github.com/stacklok/nodesync/internal/api/common"
)

// Middleware rejects peer requests that do not carry the registration secret hash
func (l *Layer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := l.Authenticate(r.Context(), r.Header.Get(HeaderAuth), r.RemoteAddr, r.Header.Get(HeaderNode))
		if err != nil {
			common.WriteErrorResponse(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sign adds the authentication headers to an outgoing peer request
func (l *Layer) Sign(r *http.Request, nodeID string) {
	r.Header.Set(HeaderAuth, l.hex)
	if nodeID != "" {
		r.Header.Set(HeaderNode, nodeID)
	}
}
