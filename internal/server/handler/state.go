package handler

import (
	"log/slog"
	"net/http"

	"github.com/micromarkets/engine/internal/domain"
)

// StateService exposes the whole-state snapshot and replace operations the
// multi-device mirror relies on.
type StateService interface {
	Snapshot() domain.State
	Hydrate(state domain.State)
}

// StateHandler serves the opaque state blob used by peers that mirror their
// local state through this instance.
type StateHandler struct {
	state  StateService
	logger *slog.Logger
}

func NewStateHandler(state StateService, logger *slog.Logger) *StateHandler {
	return &StateHandler{
		state:  state,
		logger: logHandler(logger, "state"),
	}
}

// GetState returns the full aggregate state.
// GET /api/state
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// PutState replaces the full aggregate state with the uploaded blob. Writes
// are last-writer-wins; there is no merging.
// PUT /api/state
func (h *StateHandler) PutState(w http.ResponseWriter, r *http.Request) {
	var state domain.State
	if err := decodeJSON(r, &state); err != nil {
		writeError(w, http.StatusBadRequest, "invalid state blob")
		return
	}
	state.Normalize()

	h.state.Hydrate(state)
	h.logger.InfoContext(r.Context(), "state replaced",
		slog.Int("users", len(state.Users)),
		slog.Int("groups", len(state.Groups)),
		slog.Int("markets", len(state.Markets)),
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
