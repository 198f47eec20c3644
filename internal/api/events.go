package api

import (
	"fmt"
	"net/http"

	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/pkg/httputil"
)

// ListEvents returns the user's account event log, newest first. The same
// events fan out through Svix when that integration is configured.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	p := ParsePagination(r, 50, 200)

	events, total, err := h.store.GetEmailEvents(r.Context(), user.ID, p.Limit, p.Offset)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("listing events: %w", err))
		return
	}
	httputil.OK(w, NewPaginatedResponse(events, p, total))
}
