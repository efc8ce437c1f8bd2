package toml

import "fmt"

const currentSchemaVersion = 1

type fileSchema struct {
	Version  int             `toml:"version"`
	Accounts []accountSchema `toml:"accounts"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported accounts schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

type accountSchema struct {
	ID       string         `toml:"id"`
	Email    string         `toml:"email,omitempty"`
	Name     string         `toml:"name,omitempty"`
	Metadata metadataSchema `toml:"metadata"`
	Auth     authSchema     `toml:"auth"`
}

type metadataSchema struct {
	ProjectID string `toml:"project_id,omitempty"`
	IsGCPToS  bool   `toml:"is_gcp_tos"`
}

type authSchema struct {
	Method    string `toml:"method"`
	SecretRef string `toml:"secret_ref"`
}

const currentGroupsSchemaVersion = 1

type groupsFileSchema struct {
	Version int           `toml:"version"`
	Groups  []groupSchema `toml:"groups"`
}

func (s *groupsFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentGroupsSchemaVersion
	}
}

func (s groupsFileSchema) validateVersion() error {
	if s.Version > currentGroupsSchemaVersion {
		return fmt.Errorf("unsupported groups schema version %d (current %d)", s.Version, currentGroupsSchemaVersion)
	}

	return nil
}

type groupSchema struct {
	ID          string   `toml:"id"`
	Name        string   `toml:"name"`
	AllAccounts bool     `toml:"all_accounts"`
	Members     []string `toml:"members"`
	UpdatedAt   string   `toml:"updated_at"`
}
