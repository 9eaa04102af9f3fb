package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vaultchat/internal/apiclient"
	"vaultchat/internal/config"
)

var (
	clientCfg config.ClientConfig

	flagAPIURL string
	flagTenant string
	flagUser   string

	rootCmd = &cobra.Command{
		Use:           "vaultchat",
		Short:         "Chat with your documents through the vaultchat proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			clientCfg = config.LoadClient()
			if flagAPIURL != "" {
				clientCfg.APIURL = strings.TrimSuffix(flagAPIURL, "/")
			}
			if flagTenant != "" {
				clientCfg.Tenant = flagTenant
			}
			if flagUser != "" {
				clientCfg.UserID = flagUser
			}
			setupLogger(clientCfg.LogLevel)
			return clientCfg.Validate()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "proxy base URL (overrides VAULTCHAT_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", "", "tenant id (overrides VAULTCHAT_TENANT)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "user id (overrides VAULTCHAT_USER)")

	rootCmd.AddCommand(chatCmd, settingsCmd, threadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newClient() *apiclient.Client {
	return apiclient.New(apiclient.Config{
		BaseURL:  clientCfg.APIURL,
		TenantID: clientCfg.Tenant,
		UserID:   clientCfg.UserID,
		Timeout:  clientCfg.Timeout,
	})
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}
