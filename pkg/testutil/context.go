package testutil

import (
	"net/http"

	id "cardvault/pkg/domain"
	"cardvault/pkg/requestcontext"
)

// WithActor attaches the caller identity the auth middleware would resolve.
func WithActor(req *http.Request, userID id.UserID, isAdmin bool) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), userID, isAdmin))
}
