package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/llm-rotor/internal/bootstrap"
	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Inspect and export discovered credentials",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials by provider",
	Run: func(c *cobra.Command, args []string) {
		listCredentials(os.Stdout, bootstrap.Catalog(loadConfig()))
	},
}

var exportEnv bool

var credentialsExportCmd = &cobra.Command{
	Use:   "export [provider]",
	Short: "Export credentials for use on another machine",
	Long: `Print discovered credentials as numbered environment lines that a
second llm-rotor instance picks up without any credential files.

Example:
  llm-rotor credentials export --env codex > rotor.env`,
	Args: cobra.MaximumNArgs(1),
	Run: func(c *cobra.Command, args []string) {
		if !exportEnv {
			log.Fatalf("specify an export format (--env)")
		}
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		if err := exportCredentials(os.Stdout, loadConfig(), filter); err != nil {
			log.Fatalf("export failed: %v", err)
		}
	},
}

func listCredentials(w io.Writer, catalog map[string][]*credential.Credential) {
	if len(catalog) == 0 {
		fmt.Fprintln(w, "No credentials discovered. Run 'llm-rotor login <provider>' or set <PROVIDER>_API_KEY.")
		return
	}

	now := time.Now()
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	for _, name := range sortedKeys(catalog) {
		creds := catalog[name]
		fmt.Fprintf(tw, "%s\t(%d credential(s))\t\t\n", name, len(creds))
		for i, cred := range creds {
			fmt.Fprintf(tw, "  %d.\t%s\t%s/%s\t%s\n",
				i+1, cred.DisplayName(), kindLabel(cred.Kind), sourceLabel(cred), expiryLabel(cred, now))
		}
	}
	tw.Flush()
}

func kindLabel(k credential.Kind) string {
	if k == credential.KindOAuth {
		return "oauth"
	}
	return "api_key"
}

func sourceLabel(c *credential.Credential) string {
	if c.EnvBacked() {
		return "env"
	}
	return "file"
}

func expiryLabel(c *credential.Credential, now time.Time) string {
	if c.Kind != credential.KindOAuth {
		return ""
	}
	switch {
	case c.TrulyExpired(now):
		return "expired"
	case c.Expired(now):
		return "refresh due"
	}
	expiry := time.UnixMilli(c.Token().ExpiryDate)
	return "valid until " + expiry.UTC().Format(time.RFC3339)
}

// exportCredentials prints env lines in the shape discovery reads back:
// <PREFIX>_<n>_ACCESS_TOKEN for OAuth bundles, <PREFIX>_API_KEY_<n> for
// static keys. Numbering restarts at 1 per provider.
func exportCredentials(w io.Writer, cfg *config.Config, filter string) error {
	catalog := bootstrap.Catalog(cfg)
	if filter != "" {
		plugin, err := findPlugin(cfg, filter)
		if err != nil {
			return err
		}
		catalog = map[string][]*credential.Credential{plugin.Name(): catalog[plugin.Name()]}
	}

	exported := 0
	for _, name := range sortedKeys(catalog) {
		prefix := config.EnvName(name)
		oauthN, keyN := 0, 0
		for _, cred := range catalog[name] {
			switch cred.Kind {
			case credential.KindOAuth:
				oauthN++
				printOAuthEnv(w, fmt.Sprintf("%s_%d", prefix, oauthN), cred)
			case credential.KindAPIKey:
				keyN++
				if keyN == 1 && cred.APIBase != "" {
					fmt.Fprintf(w, "%s_API_BASE=%s\n", prefix, cred.APIBase)
				}
				fmt.Fprintf(w, "%s_API_KEY_%d=%s\n", prefix, keyN, cred.APIKey)
			}
			exported++
		}
	}
	if exported == 0 {
		return fmt.Errorf("no credentials to export")
	}
	return nil
}

func printOAuthEnv(w io.Writer, prefix string, cred *credential.Credential) {
	token := cred.Token()
	fmt.Fprintf(w, "# %s (%s)\n", cred.DisplayName(), cred.Provider)
	fmt.Fprintf(w, "%s_ACCESS_TOKEN=%s\n", prefix, token.AccessToken)
	fmt.Fprintf(w, "%s_REFRESH_TOKEN=%s\n", prefix, token.RefreshToken)
	fmt.Fprintf(w, "%s_EXPIRY_DATE=%d\n", prefix, token.ExpiryDate)
	if token.IDToken != "" {
		fmt.Fprintf(w, "%s_ID_TOKEN=%s\n", prefix, token.IDToken)
	}
	if email := cred.Email(); email != "" && !strings.HasPrefix(email, "env-user") {
		fmt.Fprintf(w, "%s_EMAIL=%s\n", prefix, email)
	}
	if id := cred.AccountID(); id != "" {
		fmt.Fprintf(w, "%s_ACCOUNT_ID=%s\n", prefix, id)
	}
}

func sortedKeys(catalog map[string][]*credential.Credential) []string {
	keys := make([]string, 0, len(catalog))
	for name := range catalog {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	credentialsExportCmd.Flags().BoolVar(&exportEnv, "env", false, "emit .env lines")
	credentialsCmd.AddCommand(credentialsListCmd, credentialsExportCmd)
	rootCmd.AddCommand(credentialsCmd)
}
