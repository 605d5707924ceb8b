package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nghyane/llm-rotor/internal/bootstrap"
	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/oauth"
	"github.com/nghyane/llm-rotor/internal/provider"
)

var loginCmd = &cobra.Command{
	Use:   "login <provider>",
	Short: "Authorize a provider account interactively",
	Long: `Run the OAuth flow for a provider and save the credential under
<data-dir>/oauth_creds/. Re-authorizing an account that already has a file
updates it in place.

Example:
  llm-rotor login codex`,
	Args: cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		if err := runLogin(args[0]); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	},
}

func runLogin(name string) error {
	cfg := loadConfig()
	plugin, err := findPlugin(cfg, name)
	if err != nil {
		return err
	}
	oc, ok := plugin.(provider.OAuthCapable)
	if !ok {
		return fmt.Errorf("%s uses static API keys; set %s_API_KEY instead",
			plugin.Name(), config.EnvName(plugin.Name()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := credential.NewStore(cfg.DataDir, nil)
	path, err := oauth.Login(ctx, st, plugin.Name(), oc.OAuthSpec(),
		cfg.Provider(plugin.Name()).OAuthPort, noBrowser)
	if err != nil {
		return err
	}
	fmt.Printf("Credential saved: %s\n", path)
	return nil
}

// findPlugin matches a user-supplied name against the plugin set, accepting
// the bare suffix ("codex" for openai_codex).
func findPlugin(cfg *config.Config, name string) (provider.Plugin, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, p := range bootstrap.Plugins(cfg) {
		if p.Name() == want || strings.HasSuffix(p.Name(), "_"+want) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
