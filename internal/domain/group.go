package domain

import "github.com/shopspring/decimal"

// User is a participant identified by their display name. Users are created
// on first sign-in and only removed by a full data reset.
type User struct {
	ID     string `json:"id"` // trimmed display name, case-sensitive
	Name   string `json:"name"`
	Pubkey string `json:"pubkey,omitempty"` // optional wallet reference
}

// Group is a private circle of users who bet against each other. Members are
// kept in join order and may appear at most once. Each group carries a
// globally unique, human-shareable join code.
type Group struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	JoinCode  string          `json:"joinCode"`
	BaseBuyIn decimal.Decimal `json:"baseBuyIn"`
	Members   []string        `json:"members"`
}

// HasMember reports whether userID already belongs to the group.
func (g *Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() Group {
	out := *g
	out.Members = append([]string(nil), g.Members...)
	return out
}

// LeaderboardEntry pairs a group member with their cached balance.
type LeaderboardEntry struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}
