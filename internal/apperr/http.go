package apperr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

var nowUnix = func() int64 { return time.Now().Unix() }

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Shortfall int    `json:"shortfall,omitempty"`
	ResetAt   int64  `json:"reset_at,omitempty"`
}

// WriteHTTP renders err as the typed JSON error body. Errors that are not
// *Error are reported as internal without their text.
func WriteHTTP(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = &Error{Kind: KindInternal, Message: "internal error"}
	}
	p := payload{Kind: e.Kind, Message: e.Message, Shortfall: e.Shortfall}
	if !e.ResetAt.IsZero() {
		p.ResetAt = e.ResetAt.Unix()
		w.Header().Set("Retry-After", strconv.FormatInt(max(1, e.ResetAt.Unix()-nowUnix()), 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Kind))
	_ = json.NewEncoder(w).Encode(body{Error: p})
}
