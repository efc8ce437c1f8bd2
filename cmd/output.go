package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/cobra"
)

func writeJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func accountIDs(raw []string) []domain.AccountID {
	out := make([]domain.AccountID, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, domain.AccountID(trimmed))
			}
		}
	}
	return out
}

func requireAccountID(raw string) (domain.AccountID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("--account is required")
	}
	return domain.AccountID(id), nil
}
