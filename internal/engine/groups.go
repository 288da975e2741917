package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
	"github.com/micromarkets/engine/internal/joincode"
)

// CreateGroup creates a group with the creator as its sole member, assigns
// a join code unique across all existing groups, and credits the creator's
// balance with the base buy-in.
func (e *Engine) CreateGroup(name string, baseBuyIn decimal.Decimal, creatorID string) (domain.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Group{}, fmt.Errorf("engine: group name is required: %w", domain.ErrInvalidInput)
	}
	if !baseBuyIn.IsPositive() {
		return domain.Group{}, fmt.Errorf("engine: base buy-in must be positive: %w", domain.ErrInvalidInput)
	}
	if creatorID == "" {
		return domain.Group{}, fmt.Errorf("engine: creator is required: %w", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	code := joincode.Unique(func(candidate string) bool {
		for _, g := range e.state.Groups {
			if joincode.Equal(g.JoinCode, candidate) {
				return true
			}
		}
		return false
	})

	group := domain.Group{
		ID:        uuid.NewString(),
		Name:      name,
		JoinCode:  code,
		BaseBuyIn: baseBuyIn,
		Members:   []string{creatorID},
	}
	e.state.Groups = append(e.state.Groups, group)
	e.creditLocked(creatorID, baseBuyIn)
	e.commitLocked(domain.Change{Event: domain.EventGroupCreated, GroupID: group.ID, UserID: creatorID})

	e.logger.Info("group created",
		slog.String("group", group.ID),
		slog.String("creator", creatorID),
		slog.String("buy_in", baseBuyIn.String()),
	)
	return group.Clone(), nil
}

// JoinGroup adds a user to the group matching the join code
// (case-insensitive) and credits the base buy-in. An unknown code or an
// existing membership is a normal no-effect outcome, not an exceptional
// one.
func (e *Engine) JoinGroup(code, userID string) (domain.Group, error) {
	if userID == "" {
		return domain.Group{}, fmt.Errorf("engine: user is required: %w", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var group *domain.Group
	for i := range e.state.Groups {
		if joincode.Equal(e.state.Groups[i].JoinCode, code) {
			group = &e.state.Groups[i]
			break
		}
	}
	if group == nil {
		return domain.Group{}, fmt.Errorf("engine: join code %q: %w", code, domain.ErrNotFound)
	}
	if group.HasMember(userID) {
		return domain.Group{}, fmt.Errorf("engine: user %q in group %q: %w", userID, group.ID, domain.ErrAlreadyMember)
	}

	group.Members = append(group.Members, userID)
	e.creditLocked(userID, group.BaseBuyIn)
	e.commitLocked(domain.Change{Event: domain.EventGroupJoined, GroupID: group.ID, UserID: userID})

	e.logger.Info("group joined",
		slog.String("group", group.ID),
		slog.String("user", userID),
	)
	return group.Clone(), nil
}

// GroupByID returns the group with the given identifier.
func (e *Engine) GroupByID(id string) (domain.Group, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if g := e.groupLocked(id); g != nil {
		return g.Clone(), nil
	}
	return domain.Group{}, fmt.Errorf("engine: group %q: %w", id, domain.ErrNotFound)
}

// GroupsByUser returns every group the user belongs to, in creation order.
func (e *Engine) GroupsByUser(userID string) []domain.Group {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.Group
	for i := range e.state.Groups {
		if e.state.Groups[i].HasMember(userID) {
			out = append(out, e.state.Groups[i].Clone())
		}
	}
	return out
}

// Leaderboard returns the group's members ordered by descending cached
// balance. Ties keep join order (stable sort).
func (e *Engine) Leaderboard(groupID string) ([]domain.LeaderboardEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	group := e.groupLocked(groupID)
	if group == nil {
		return nil, fmt.Errorf("engine: group %q: %w", groupID, domain.ErrNotFound)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(group.Members))
	for _, userID := range group.Members {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:  userID,
			Balance: e.state.BalanceCache[userID],
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Balance.GreaterThan(entries[j].Balance)
	})
	return entries, nil
}
