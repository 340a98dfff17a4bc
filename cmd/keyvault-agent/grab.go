package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xabxx/acs-keyvault-agent/internal/agent"
	"github.com/xabxx/acs-keyvault-agent/internal/audit"
	"github.com/xabxx/acs-keyvault-agent/internal/auth"
	"github.com/xabxx/acs-keyvault-agent/internal/config"
	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
	"github.com/xabxx/acs-keyvault-agent/internal/manifest"
)

var (
	flagConfig      string
	flagVaultURL    string
	flagCredFile    string
	flagOutput      string
	flagSecrets     string
	flagCerts       string
	flagTimeout     time.Duration
	flagConcurrency int
	flagAuditLog    string
	flagManifest    string
)

var grabCmd = &cobra.Command{
	Use:   "grab",
	Short: "Fetch all configured secrets and certificates, write them to the secrets folder, then exit",
	RunE:  runGrab,
}

func init() {
	grabCmd.Flags().StringVar(&flagConfig, "config", os.Getenv("KEYVAULT_AGENT_CONFIG"), "Optional YAML config file")
	grabCmd.Flags().StringVar(&flagVaultURL, "vault-url", "", "Vault base URL (default $VAULT_BASE_URL)")
	grabCmd.Flags().StringVar(&flagCredFile, "credential-file", "", "Service principal file (default $SERVICE_PRINCIPLE_FILE_PATH)")
	grabCmd.Flags().StringVar(&flagOutput, "output", "", "Secrets output folder (default $SECRETS_FOLDER)")
	grabCmd.Flags().StringVar(&flagSecrets, "secrets", "", "Delimited secret keys (default $SECRETS_KEYS)")
	grabCmd.Flags().StringVar(&flagCerts, "certs", "", "Delimited certificate keys (default $CERTS_KEYS)")
	grabCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Total run deadline (default from config, 120s)")
	grabCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "Parallel fetches (default 1, sequential)")
	grabCmd.Flags().StringVar(&flagAuditLog, "audit-log", "", "JSONL audit log path (default $KEYVAULT_AGENT_AUDIT_PATH)")
	grabCmd.Flags().StringVar(&flagManifest, "manifest", "", "Manifest db path (default $KEYVAULT_AGENT_MANIFEST_PATH)")
	rootCmd.AddCommand(grabCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagVaultURL != "" {
		cfg.VaultBaseURL = flagVaultURL
	}
	if flagCredFile != "" {
		cfg.CredentialPath = flagCredFile
	}
	if flagOutput != "" {
		cfg.OutputDir = flagOutput
	}
	if flagSecrets != "" {
		cfg.SecretsKeys = flagSecrets
	}
	if flagCerts != "" {
		cfg.CertsKeys = flagCerts
	}
	if flagConcurrency > 0 {
		cfg.Concurrency = flagConcurrency
	}
	if flagAuditLog != "" {
		cfg.AuditPath = flagAuditLog
	}
	if flagManifest != "" {
		cfg.ManifestPath = flagManifest
	}
	return cfg, nil
}

func runGrab(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if len(cfg.SecretKeys) == 0 && len(cfg.CertKeys) == 0 {
		log.Warn().Msg("no secret or certificate keys configured, nothing to fetch")
		return nil
	}

	log.Info().Str("credential_file", cfg.CredentialPath).Msg("authenticating")
	cred, err := auth.LoadCredential(cfg.CredentialPath)
	if err != nil {
		return fail(err)
	}
	tokens := auth.NewTokenSource(cfg.AuthorityServer, cfg.VaultResource, cred)
	client := keyvault.NewClient(cfg.VaultBaseURL, tokens)

	opts := []agent.Option{agent.WithConcurrency(cfg.Concurrency)}
	if cfg.AuditPath != "" {
		auditor, err := audit.New(cfg.AuditPath)
		if err != nil {
			return fail(keyvault.E(keyvault.KindIO, "open audit log", "", err))
		}
		defer auditor.Close()
		// Drop entries older than the retention window before this run
		// appends its own.
		if err := auditor.Prune(cfg.AuditRetentionDays); err != nil {
			log.Warn().Err(err).Str("path", cfg.AuditPath).Msg("failed to prune audit log")
		}
		opts = append(opts, agent.WithAuditor(auditor))
	}
	if cfg.ManifestPath != "" {
		store, err := manifest.Open(cfg.ManifestPath)
		if err != nil {
			return fail(keyvault.E(keyvault.KindIO, "open manifest", "", err))
		}
		defer store.Close()
		opts = append(opts, agent.WithManifest(store))
	}

	// Bound the whole run well under the orchestrator's pod start deadline.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout(cfg, flagTimeout))
	defer cancel()

	log.Info().Str("vault", cfg.VaultBaseURL).
		Int("secrets", len(cfg.SecretKeys)).Int("certs", len(cfg.CertKeys)).
		Msg("grabbing secrets from vault")

	result, err := agent.New(client, cfg.OutputDir, opts...).Run(ctx, cfg.SecretKeys, cfg.CertKeys)
	if err != nil {
		return fail(err)
	}

	log.Info().Int("files", result.Files).Int("secrets", result.Secrets).Int("certs", result.Certs).
		Int64("duration_ms", result.DurationMs).Msg("done")
	return nil
}

// runTimeout resolves the total run deadline. The flag keeps sub-second
// precision; the config value is in whole seconds.
func runTimeout(cfg *config.Config, flag time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return time.Duration(cfg.TimeoutSecs) * time.Second
}

// fail logs the classified failure so operators can tell a missing vault
// entry from a flaky network from a bad credential, then propagates it for
// the non-zero exit.
func fail(err error) error {
	log.Error().Str("kind", string(keyvault.KindOf(err))).Err(err).Msg("grab failed")
	return err
}
