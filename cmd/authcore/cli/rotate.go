package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopfed/authcore/internal/keystore"
)

func newRotateCmd() *cobra.Command {
	var dateLimit string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Run one signing-key rotation cycle",
		Long: `Run one rotation cycle against the configured key stores: evict keys
past their expiry horizon, publish the outgoing secret keys to the public
store, and generate a fresh batch of signing keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			limit := time.Now()
			if dateLimit != "" {
				limit, err = time.Parse(keystore.DateLayout, dateLimit)
				if err != nil {
					return fmt.Errorf("invalid --date-limit (want %s): %w", keystore.DateLayout, err)
				}
			}

			ks, err := openKeystore(cfg, logger)
			if err != nil {
				return err
			}
			gen, err := keystore.NewRSAGenerator(cfg.Keystore.Algorithm)
			if err != nil {
				return err
			}

			res, err := ks.Rotate(gen, cfg.Keystore.KeyBits, cfg.Keystore.NumKeys, limit)
			if err != nil {
				return fmt.Errorf("rotation failed: %w", err)
			}

			fmt.Printf("✓ Rotation complete\n")
			fmt.Printf("  evicted keys: %d\n", len(res.Evicted))
			fmt.Printf("  new keys:     %d\n", len(res.Added))
			for _, d := range res.Added {
				fmt.Printf("    %s  %s  expires %s\n", d.Kid, d.Alg, d.Exp)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dateLimit, "date-limit", "", "treat this date as today when evicting (format "+keystore.DateLayout+")")

	return cmd
}
