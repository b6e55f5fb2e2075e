package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shopfed/authcore/internal/identity"
	"github.com/shopfed/authcore/internal/model"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage login accounts",
		Long:  "Create and list login accounts, change passwords, and assign roles to profiles.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserPasswdCmd())
	cmd.AddCommand(newUserAssignRoleCmd())

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		username string
		password string
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new login account",
		Example: `  authcore user create --username alice --password secret123
  authcore user create --username alice  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(username, password, inactive)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Login username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the account disabled")
	cmd.MarkFlagRequired("username")

	return cmd
}

func runUserCreate(username, password string, inactive bool) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}

	if password == "" {
		var err error
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := identity.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	store, err := openStoreFromConfig()
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now().UTC()
	login := &model.Login{
		Username:     username,
		PasswordHash: hash,
		IsActive:     !inactive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateLogin(context.Background(), login); err != nil {
		return fmt.Errorf("failed to create login: %w", err)
	}

	fmt.Printf("Created login %q (profile id %d)\n", username, login.ProfileID)
	return nil
}

// promptPassword reads a password twice from the terminal without echo.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pwBytes), nil
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all login accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(jsonOutput bool) error {
	store, err := openStoreFromConfig()
	if err != nil {
		return err
	}
	defer store.Close()

	logins, err := store.ListLogins(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list logins: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(logins)
	}

	if len(logins) == 0 {
		fmt.Println("No logins yet. Use 'authcore user create' to create one.")
		return nil
	}

	fmt.Printf("%-10s %-24s %-8s %-20s\n", "PROFILE", "USERNAME", "ACTIVE", "LAST LOGIN")
	fmt.Printf("%-10s %-24s %-8s %-20s\n", "-------", "--------", "------", "----------")
	for _, l := range logins {
		active := "yes"
		if !l.IsActive {
			active = "no"
		}
		lastLogin := "never"
		if l.LastLoginAt != nil {
			lastLogin = l.LastLoginAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-10d %-24s %-8s %-20s\n", l.ProfileID, l.Username, active, lastLogin)
	}

	return nil
}

// ---------- user passwd ----------

func newUserPasswdCmd() *cobra.Command {
	var (
		profileID int64
		password  string
	)

	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change an account password",
		Long:  "Change a login password. Refresh tokens issued before the change stop verifying.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserPasswd(profileID, password)
		},
	}

	cmd.Flags().Int64Var(&profileID, "profile", 0, "Profile ID (required)")
	cmd.Flags().StringVar(&password, "password", "", "New password (prompted if omitted)")
	cmd.MarkFlagRequired("profile")

	return cmd
}

func runUserPasswd(profileID int64, password string) error {
	if password == "" {
		var err error
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := identity.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	store, err := openStoreFromConfig()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpdatePassword(context.Background(), profileID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	fmt.Printf("Password changed for profile %d\n", profileID)
	return nil
}

// ---------- user assign-role ----------

func newUserAssignRoleCmd() *cobra.Command {
	var (
		profileID int64
		roleID    int64
	)

	cmd := &cobra.Command{
		Use:   "assign-role",
		Short: "Assign a role to a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AssignRoleToProfile(context.Background(), profileID, roleID); err != nil {
				return fmt.Errorf("failed to assign role: %w", err)
			}
			fmt.Printf("Assigned role %d to profile %d\n", roleID, profileID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&profileID, "profile", 0, "Profile ID (required)")
	cmd.Flags().Int64Var(&roleID, "role", 0, "Role ID (required)")
	cmd.MarkFlagRequired("profile")
	cmd.MarkFlagRequired("role")

	return cmd
}
