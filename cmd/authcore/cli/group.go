package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage profile groups",
		Long:  "Create profile groups, nest them, add members, and assign roles. Role and quota grants on a group apply to every profile in the group and its subgroups.",
	}

	cmd.AddCommand(newGroupCreateCmd())
	cmd.AddCommand(newGroupAddProfileCmd())
	cmd.AddCommand(newGroupAssignRoleCmd())
	cmd.AddCommand(newGroupDeleteCmd())

	return cmd
}

// ---------- group create ----------

func newGroupCreateCmd() *cobra.Command {
	var (
		name     string
		parentID int64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new profile group",
		Example: `  authcore group create --name editors
  authcore group create --name junior-editors --parent 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			var parent *int64
			if parentID != 0 {
				parent = &parentID
			}
			group, err := store.CreateGroup(context.Background(), name, parent)
			if err != nil {
				return fmt.Errorf("failed to create group: %w", err)
			}
			fmt.Printf("Created group %q (id %d)\n", group.Name, group.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Group name (required)")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "Parent group ID (omit for a root group)")
	cmd.MarkFlagRequired("name")

	return cmd
}

// ---------- group add-profile ----------

func newGroupAddProfileCmd() *cobra.Command {
	var (
		groupID   int64
		profileID int64
	)

	cmd := &cobra.Command{
		Use:   "add-profile",
		Short: "Add a profile to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddProfileToGroup(context.Background(), groupID, profileID); err != nil {
				return fmt.Errorf("failed to add profile to group: %w", err)
			}
			fmt.Printf("Added profile %d to group %d\n", profileID, groupID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&groupID, "group", 0, "Group ID (required)")
	cmd.Flags().Int64Var(&profileID, "profile", 0, "Profile ID (required)")
	cmd.MarkFlagRequired("group")
	cmd.MarkFlagRequired("profile")

	return cmd
}

// ---------- group assign-role ----------

func newGroupAssignRoleCmd() *cobra.Command {
	var (
		groupID int64
		roleID  int64
	)

	cmd := &cobra.Command{
		Use:   "assign-role",
		Short: "Assign a role to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AssignRoleToGroup(context.Background(), groupID, roleID); err != nil {
				return fmt.Errorf("failed to assign role: %w", err)
			}
			fmt.Printf("Assigned role %d to group %d\n", roleID, groupID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&groupID, "group", 0, "Group ID (required)")
	cmd.Flags().Int64Var(&roleID, "role", 0, "Role ID (required)")
	cmd.MarkFlagRequired("group")
	cmd.MarkFlagRequired("role")

	return cmd
}

// ---------- group delete ----------

func newGroupDeleteCmd() *cobra.Command {
	var groupID int64

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a group and splice its children onto its parents",
		Long:  "Delete a group. Child groups are reattached to the deleted group's parents so the rest of the tree keeps its inherited roles and quota.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			removal, err := store.DeleteGroup(context.Background(), groupID)
			if err != nil {
				return fmt.Errorf("failed to delete group: %w", err)
			}
			fmt.Printf("Deleted group %d (%d closure rows removed)\n", groupID, len(removal.Paths))
			return nil
		},
	}

	cmd.Flags().Int64Var(&groupID, "group", 0, "Group ID (required)")
	cmd.MarkFlagRequired("group")

	return cmd
}
