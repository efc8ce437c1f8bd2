package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/cobra"
)

func newGroupCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage account groups",
	}

	cmd.AddCommand(
		newGroupCreateCmd(app),
		newGroupAddCmd(app),
		newGroupRemoveCmd(app),
		newGroupListCmd(app),
		newGroupDeleteCmd(app),
	)

	return cmd
}

type groupView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	AllAccounts bool      `json:"allAccounts"`
	Members     []string  `json:"members"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

func toGroupView(group domain.Group) groupView {
	members := make([]string, 0, len(group.Members))
	for _, id := range group.Members {
		members = append(members, string(id))
	}
	return groupView{
		ID:          string(group.ID),
		Name:        group.Name,
		AllAccounts: group.AllAccounts,
		Members:     members,
		UpdatedAt:   group.UpdatedAt,
	}
}

func printGroup(cmd *cobra.Command, group domain.Group) error {
	view := toGroupView(group)
	kind := ""
	if view.AllAccounts {
		kind = " (all accounts)"
	}
	label := view.ID
	if view.Name != "" {
		label += " " + view.Name
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s%s: %d member(s) %s\n", label, kind, len(view.Members), strings.Join(view.Members, ","))
	return err
}

func newGroupCreateCmd(app *app) *cobra.Command {
	var (
		id       string
		name     string
		all      bool
		accounts []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			group, err := app.groups.CreateGroup(cmd.Context(), domain.GroupID(id), name, all, accountIDs(accounts))
			if err != nil {
				return err
			}
			return printGroup(cmd, group)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Group ID")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().BoolVar(&all, "all", false, "Track every configured account")
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "Member account ID (repeatable or comma separated)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newGroupAddCmd(app *app) *cobra.Command {
	var accounts []string

	cmd := &cobra.Command{
		Use:   "add <group-id>",
		Short: "Add members to a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := app.groups.AddMembers(cmd.Context(), domain.GroupID(args[0]), accountIDs(accounts))
			if err != nil {
				return err
			}
			return printGroup(cmd, group)
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "account", nil, "Member account ID (repeatable or comma separated)")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newGroupRemoveCmd(app *app) *cobra.Command {
	var accounts []string

	cmd := &cobra.Command{
		Use:   "remove <group-id>",
		Short: "Remove members from a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := app.groups.RemoveMembers(cmd.Context(), domain.GroupID(args[0]), accountIDs(accounts))
			if err != nil {
				return err
			}
			return printGroup(cmd, group)
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "account", nil, "Member account ID (repeatable or comma separated)")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newGroupListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups with resolved members",
		RunE: func(cmd *cobra.Command, _ []string) error {
			groups, err := app.groups.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]groupView, 0, len(groups))
				for _, group := range groups {
					views = append(views, toGroupView(group))
				}
				return writeJSON(cmd, views)
			}
			if len(groups) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No groups")
				return err
			}
			for _, group := range groups {
				if err := printGroup(cmd, group); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")
	return cmd
}

func newGroupDeleteCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <group-id>",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.groups.DeleteGroup(cmd.Context(), domain.GroupID(args[0])); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted group %s\n", args[0])
			return err
		},
	}
}
