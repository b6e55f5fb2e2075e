package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopfed/authcore/internal/model"
)

func newAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage registered resource services",
		Long:  "Register the downstream services that access tokens may name as audiences. Tokens are only issued for registered application codes.",
	}

	cmd.AddCommand(newAppAddCmd())
	cmd.AddCommand(newAppListCmd())

	return cmd
}

// ---------- app add ----------

func newAppAddCmd() *cobra.Command {
	var (
		code    string
		label   string
		jwksURL string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a resource service",
		Example: `  authcore app add --code media --label "Media service" --jwks https://auth.example.com/jwks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			app := &model.App{
				Code:      code,
				Label:     label,
				JWKSURL:   jwksURL,
				CreatedAt: time.Now().UTC(),
			}
			if err := store.CreateApp(context.Background(), app); err != nil {
				return fmt.Errorf("failed to register app: %w", err)
			}
			fmt.Printf("Registered app %q\n", code)
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Application code used as token audience (required)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable name")
	cmd.Flags().StringVar(&jwksURL, "jwks", "", "JWKS endpoint the service verifies tokens against (required)")
	cmd.MarkFlagRequired("code")
	cmd.MarkFlagRequired("jwks")

	return cmd
}

// ---------- app list ----------

func newAppListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered resource services",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			apps, err := store.ListApps(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list apps: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(apps)
			}

			if len(apps) == 0 {
				fmt.Println("No apps registered. Use 'authcore app add' to register one.")
				return nil
			}

			fmt.Printf("%-16s %-28s %-40s\n", "CODE", "LABEL", "JWKS URL")
			fmt.Printf("%-16s %-28s %-40s\n", "----", "-----", "--------")
			for _, a := range apps {
				fmt.Printf("%-16s %-28s %-40s\n", a.Code, a.Label, a.JWKSURL)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
