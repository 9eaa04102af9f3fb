package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"vaultchat/internal/apiclient"
)

var (
	setProvider    string
	setAPIKeyStdin bool
	setBaseURL     string
	setModel       string
	setPolicy      string

	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Manage the tenant's LLM configuration",
	}
	settingsGetCmd = &cobra.Command{
		Use:   "get",
		Short: "Show the current configuration with the key masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newClient().GetSettings(cmd.Context())
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}
	settingsSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Create or update the configuration",
		Long: `Create or update the configuration.

The API key is read from VAULTCHAT_LLM_API_KEY, or from the first line of
stdin with --api-key-stdin. It is never accepted as a flag value.`,
		Args: cobra.NoArgs,
		RunE: runSettingsSet,
	}
	settingsDeleteCmd = &cobra.Command{
		Use:   "delete",
		Short: "Remove the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newClient().DeleteSettings(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "LLM configuration removed.")
			return nil
		},
	}
	settingsTestCmd = &cobra.Command{
		Use:   "test",
		Short: "Check connectivity with the stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newClient().TestSettings(cmd.Context())
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}
)

func init() {
	settingsSetCmd.Flags().StringVar(&setProvider, "provider", "", "provider id (openai, openrouter, custom, ...)")
	settingsSetCmd.Flags().BoolVar(&setAPIKeyStdin, "api-key-stdin", false, "read the API key from stdin")
	settingsSetCmd.Flags().StringVar(&setBaseURL, "base-url", "", "provider base URL")
	settingsSetCmd.Flags().StringVar(&setModel, "model", "", "default model")
	settingsSetCmd.Flags().StringVar(&setPolicy, "policy", "", "routing policy (aegis_only, byollm_only, choice)")
	_ = settingsSetCmd.MarkFlagRequired("provider")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsDeleteCmd, settingsTestCmd)
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	key := os.Getenv("VAULTCHAT_LLM_API_KEY")
	if setAPIKeyStdin {
		k, err := readSecretLine(cmd.InOrStdin())
		if err != nil {
			return err
		}
		key = k
	}

	in := apiclient.SettingsInput{
		Provider: setProvider,
		APIKey:   key,
		Policy:   setPolicy,
	}
	if cmd.Flags().Changed("base-url") {
		in.BaseURL = &setBaseURL
	}
	if cmd.Flags().Changed("model") {
		in.DefaultModel = &setModel
	}

	s, err := newClient().PutSettings(cmd.Context(), in)
	if err != nil {
		return err
	}
	printSettings(cmd.OutOrStdout(), s)
	return nil
}

func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read api key: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("read api key: empty input")
	}
	return line, nil
}

func printSettings(out io.Writer, s apiclient.Settings) {
	if !s.Configured {
		fmt.Fprintln(out, "No LLM configuration. Queries use the built-in pipeline.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "provider\t%s\n", s.Provider)
	fmt.Fprintf(tw, "api key\t%s\n", s.MaskedKey)
	if s.BaseURL != nil {
		fmt.Fprintf(tw, "base url\t%s\n", *s.BaseURL)
	}
	if s.DefaultModel != nil {
		fmt.Fprintf(tw, "model\t%s\n", *s.DefaultModel)
	}
	fmt.Fprintf(tw, "policy\t%s\n", s.Policy)
	if s.LastTestedAt != nil {
		result := "unknown"
		if s.LastTestResult != nil {
			result = *s.LastTestResult
		}
		if s.LastTestLatency != nil {
			result += fmt.Sprintf(" (%dms)", *s.LastTestLatency)
		}
		fmt.Fprintf(tw, "last test\t%s at %s\n", result, s.LastTestedAt.Local().Format(time.RFC1123))
	}
}
