package apperr

import (
	"net/http"

	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

// Write renders err as {"error": message} with its status. Cooldowns also
// carry Retry-After and retry_after.
func Write(w http.ResponseWriter, err error) {
	body := map[string]any{"error": Message(err)}
	if v, ok := RetryAfter(err); ok {
		w.Header().Set("Retry-After", v)
		body["retry_after"] = v
	}
	if Status(err) == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="shop"`)
	}
	utilities.WriteJSON(w, Status(err), body)
}
