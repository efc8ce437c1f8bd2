package domain

import "strings"

type AccountID string

type Account struct {
	ID       AccountID
	Email    string
	Name     string
	Metadata AccountMetadata
	Auth     Auth
}

type AccountMetadata struct {
	// ProjectID is the Cloud Code companion project resolved for the account.
	ProjectID string
	// IsGCPToS selects the production endpoint instead of the daily one.
	IsGCPToS bool
}

// Label returns the best human identifier for the account.
func (a Account) Label() string {
	if email := strings.TrimSpace(a.Email); email != "" {
		return email
	}
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	return string(a.ID)
}

// ShortID returns at most the first 8 runes of the id.
func (a Account) ShortID() string {
	runes := []rune(string(a.ID))
	if len(runes) > 8 {
		runes = runes[:8]
	}
	return string(runes)
}
