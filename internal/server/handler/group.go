package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

// GroupService defines what the group handler needs from the engine. It is
// declared locally so the handler package does not depend on the concrete
// engine type.
type GroupService interface {
	GetOrCreateUser(name, pubkey string) (domain.User, error)
	CreateGroup(name string, baseBuyIn decimal.Decimal, creatorID string) (domain.Group, error)
	JoinGroup(code, userID string) (domain.Group, error)
	GroupByID(id string) (domain.Group, error)
	GroupsByUser(userID string) []domain.Group
	Leaderboard(groupID string) ([]domain.LeaderboardEntry, error)
	Balance(userID string) decimal.Decimal
}

// GroupHandler serves group and membership endpoints.
type GroupHandler struct {
	groups GroupService
	logger *slog.Logger
}

func NewGroupHandler(groups GroupService, logger *slog.Logger) *GroupHandler {
	return &GroupHandler{
		groups: groups,
		logger: logHandler(logger, "group"),
	}
}

type createGroupRequest struct {
	Name      string          `json:"name"`
	BaseBuyIn decimal.Decimal `json:"baseBuyIn"`
	UserID    string          `json:"userId"`
}

// CreateGroup creates a group with the caller as its first member.
// POST /api/groups
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.groups.GetOrCreateUser(req.UserID, ""); err != nil {
		writeDomainError(w, err)
		return
	}

	group, err := h.groups.CreateGroup(req.Name, req.BaseBuyIn, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, group)
}

type joinGroupRequest struct {
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

// JoinGroup adds the caller to the group matching the join code.
// POST /api/groups/join
func (h *GroupHandler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	var req joinGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.groups.GetOrCreateUser(req.UserID, ""); err != nil {
		writeDomainError(w, err)
		return
	}

	group, err := h.groups.JoinGroup(req.Code, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, group)
}

// GetGroup returns a single group by its identifier.
// GET /api/groups/{id}
func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.groups.GroupByID(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// ListGroups returns all groups the given user belongs to.
// GET /api/groups?user=alice
func (h *GroupHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user parameter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": h.groups.GroupsByUser(userID),
	})
}

// Leaderboard returns group members ranked by balance, highest first.
// GET /api/groups/{id}/leaderboard
func (h *GroupHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.groups.Leaderboard(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"leaderboard": entries,
	})
}

// GetBalance returns the cached balance for a user.
// GET /api/users/{id}/balance
func (h *GroupHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  userID,
		"balance": h.groups.Balance(userID),
	})
}
