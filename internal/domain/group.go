package domain

import (
	"fmt"
	"strings"
	"time"
)

type GroupID string

// Group is a named selection of accounts used as a batch verification target.
type Group struct {
	ID          GroupID
	Name        string
	AllAccounts bool
	Members     []AccountID
	UpdatedAt   time.Time
}

func (g Group) Validate() error {
	if strings.TrimSpace(string(g.ID)) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("name is required")
	}

	return nil
}

func (g *Group) NormalizeMembers() {
	if g == nil {
		return
	}
	g.Members = NormalizeAccountIDs(g.Members)
}

// NormalizeAccountIDs trims ids and drops empties and duplicates, keeping
// first-occurrence order.
func NormalizeAccountIDs(ids []AccountID) []AccountID {
	out := make([]AccountID, 0, len(ids))
	seen := make(map[AccountID]struct{}, len(ids))
	for _, id := range ids {
		trimmed := AccountID(strings.TrimSpace(string(id)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
