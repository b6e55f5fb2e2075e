package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authcore",
		Short: "Authentication and authorization core for the service federation",
		Long: `Authcore issues session-bound refresh tokens, exchanges them for
audience-scoped access tokens carrying permissions and quota, publishes the
verification keys as a JWKS document, and rotates the signing key material
on a schedule. Downstream services verify access tokens against the
published key set and resolve profiles over the message bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./authcore.yaml)")

	cobra.OnInitialize(initViper)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRotateCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newRoleCmd())
	cmd.AddCommand(newGroupCmd())
	cmd.AddCommand(newAppCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("authcore")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.authcore")
	}

	viper.SetEnvPrefix("AUTHCORE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // config file is optional
}
