package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shopfed/authcore/internal/model"
)

func newRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage roles and permissions",
		Long:  "Create roles, list them, and grant audience-scoped permissions and quota.",
	}

	cmd.AddCommand(newRoleCreateCmd())
	cmd.AddCommand(newRoleListCmd())
	cmd.AddCommand(newRoleGrantCmd())
	cmd.AddCommand(newRoleQuotaCmd())

	return cmd
}

// ---------- role create ----------

func newRoleCreateCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new role",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			role, err := store.CreateRole(context.Background(), name)
			if err != nil {
				return fmt.Errorf("failed to create role: %w", err)
			}
			fmt.Printf("Created role %q (id %d)\n", role.Name, role.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Role name (required)")
	cmd.MarkFlagRequired("name")

	return cmd
}

// ---------- role list ----------

func newRoleListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			roles, err := store.ListRoles(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list roles: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(roles)
			}

			if len(roles) == 0 {
				fmt.Println("No roles yet. Use 'authcore role create' to create one.")
				return nil
			}

			fmt.Printf("%-6s %-30s %-20s\n", "ID", "NAME", "CREATED")
			fmt.Printf("%-6s %-30s %-20s\n", "--", "----", "-------")
			for _, r := range roles {
				fmt.Printf("%-6d %-30s %-20s\n", r.ID, r.Name, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- role grant ----------

func newRoleGrantCmd() *cobra.Command {
	var (
		roleID   int64
		appCode  string
		codename string
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a permission to a role",
		Example: `  authcore role grant --role 3 --app media --perm upload_file
  authcore role grant --role 3 --app billing --perm view_invoices`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			perm := model.Permission{AppCode: appCode, CodeName: codename}
			if err := store.GrantPermission(context.Background(), roleID, perm); err != nil {
				return fmt.Errorf("failed to grant permission: %w", err)
			}
			fmt.Printf("Granted %s.%s to role %d\n", appCode, codename, roleID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&roleID, "role", 0, "Role ID (required)")
	cmd.Flags().StringVar(&appCode, "app", "", "Application code the permission is scoped to (required)")
	cmd.Flags().StringVar(&codename, "perm", "", "Permission codename (required)")
	cmd.MarkFlagRequired("role")
	cmd.MarkFlagRequired("app")
	cmd.MarkFlagRequired("perm")

	return cmd
}

// ---------- role quota ----------

func newRoleQuotaCmd() *cobra.Command {
	var (
		subjectType string
		subjectID   int64
		appCode     string
		matCode     string
		maxNum      int64
	)

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Grant a resource quota to a profile or group",
		Long:  "Grant a per-material quota. When several grants apply to one subject the largest wins.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subjectType != "profile" && subjectType != "group" {
				return fmt.Errorf("--subject must be profile or group, got %q", subjectType)
			}

			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			grant := model.QuotaGrant{AppCode: appCode, MatCode: matCode, MaxNum: maxNum}
			if err := store.GrantQuota(context.Background(), subjectType, subjectID, grant); err != nil {
				return fmt.Errorf("failed to grant quota: %w", err)
			}
			fmt.Printf("Granted quota %s/%s=%d to %s %d\n", appCode, matCode, maxNum, subjectType, subjectID)
			return nil
		},
	}

	cmd.Flags().StringVar(&subjectType, "subject", "profile", "Subject type: profile or group")
	cmd.Flags().Int64Var(&subjectID, "id", 0, "Subject ID (required)")
	cmd.Flags().StringVar(&appCode, "app", "", "Application code (required)")
	cmd.Flags().StringVar(&matCode, "material", "", "Material code (required)")
	cmd.Flags().Int64Var(&maxNum, "max", 0, "Maximum number of items")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("app")
	cmd.MarkFlagRequired("material")

	return cmd
}
