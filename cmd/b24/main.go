package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// newRootCommand builds the b24 command tree on its own viper instance.
func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "b24",
		Short: "Bitrix24 REST client",
		Long: `A command-line client and proxy for the Bitrix24 REST API.

Credentials come from flags, B24_* environment variables or a YAML config
file: either an incoming webhook URL, or an OAuth access/refresh token pair
with the application's client id and secret.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (YAML)")
	flags.StringP("webhook", "w", "", "incoming webhook URL")
	flags.String("endpoint", "", "REST endpoint for OAuth mode, e.g. https://example.bitrix24.com/rest/")
	flags.String("access-token", "", "OAuth access token")
	flags.String("refresh-token", "", "OAuth refresh token")
	flags.String("client-id", "", "OAuth application client id")
	flags.String("client-secret", "", "OAuth application client secret")
	flags.String("domain", "", "portal domain, e.g. example.bitrix24.com")
	flags.String("member-id", "", "portal member id")
	flags.String("redis-url", "", "Redis address for shared tokens and operating-time tracking")
	flags.String("user-agent", "b24-client/"+version, "User-Agent header")
	flags.Float64("rps", 2, "client-side requests per second (0 disables pacing)")
	flags.Duration("timeout", defaultRequestTimeout, "timeout of one HTTP request")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable log output")

	for _, name := range []string{
		"config", "webhook", "endpoint", "access-token", "refresh-token", "client-id", "client-secret",
		"domain", "member-id", "redis-url", "user-agent", "rps", "timeout", "log-level", "log-pretty",
	} {
		v.BindPFlag(name, flags.Lookup(name))
	}

	v.SetEnvPrefix("B24")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newCallCommand(v))
	root.AddCommand(newListCommand(v))
	root.AddCommand(newServeCommand(v))
	return root
}

// loadConfig reads the config file if one was given.
func loadConfig(v *viper.Viper) error {
	cfgFile := v.GetString("config")
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
