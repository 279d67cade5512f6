package testutil

import (
	"context"
	"net/http"

	id "dossier/pkg/domain"
	"dossier/pkg/requestcontext"
)

// WithPrincipal adds an authenticated principal to the request context.
// This simulates what the auth middleware does for a valid token.
// If the userID is not a valid UUID, the request is returned unchanged.
func WithPrincipal(req *http.Request, userID, role string) *http.Request {
	parsed, err := id.ParseUserID(userID)
	if err != nil {
		return req
	}
	ctx := requestcontext.WithPrincipal(req.Context(), requestcontext.Principal{
		UserID: parsed,
		Role:   role,
	})
	return req.WithContext(ctx)
}

// WithRequestID tags the request the way the request id middleware does.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
