package config_test

import (
	"os"
	"testing"

	"github.com/xabxx/acs-keyvault-agent/internal/config"
	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthorityServer != "https://login.microsoftonline.com/" {
		t.Errorf("AuthorityServer = %q", cfg.AuthorityServer)
	}
	if cfg.VaultResource != "https://vault.azure.net" {
		t.Errorf("VaultResource = %q", cfg.VaultResource)
	}
	if cfg.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", cfg.Concurrency)
	}
	if cfg.TimeoutSecs != 120 {
		t.Errorf("TimeoutSecs = %d, want 120", cfg.TimeoutSecs)
	}
	if cfg.AuditRetentionDays != 30 {
		t.Errorf("AuditRetentionDays = %d, want 30", cfg.AuditRetentionDays)
	}
}

func TestLoadAuditRetentionOverride(t *testing.T) {
	t.Setenv("KEYVAULT_AGENT_AUDIT_RETENTION_DAYS", "7")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuditRetentionDays != 7 {
		t.Errorf("AuditRetentionDays = %d, want 7", cfg.AuditRetentionDays)
	}

	t.Setenv("KEYVAULT_AGENT_AUDIT_RETENTION_DAYS", "-1")
	if _, err := config.Load(""); !keyvault.IsKind(err, keyvault.KindConfig) {
		t.Errorf("Load() error = %v, want config kind", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
vault_base_url: https://example-vault.vault.azure.net
credential_path: /etc/kubernetes/azure.json
output_dir: /secrets
secrets_keys: dbpass;apikey
certs_keys: tls
concurrency: 4
`
	f, _ := os.CreateTemp("", "keyvault-agent-*.yaml")
	f.WriteString(content)
	f.Close()
	defer os.Remove(f.Name())

	cfg, err := config.Load(f.Name())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VaultBaseURL != "https://example-vault.vault.azure.net" {
		t.Errorf("VaultBaseURL = %q", cfg.VaultBaseURL)
	}
	if cfg.SecretsKeys != "dbpass;apikey" {
		t.Errorf("SecretsKeys = %q", cfg.SecretsKeys)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VAULT_BASE_URL", "https://env-vault.vault.azure.net")
	t.Setenv("SECRETS_KEYS", "only-from-env")
	t.Setenv("KEYVAULT_AGENT_CONCURRENCY", "3")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VaultBaseURL != "https://env-vault.vault.azure.net" {
		t.Errorf("VaultBaseURL = %q", cfg.VaultBaseURL)
	}
	if cfg.SecretsKeys != "only-from-env" {
		t.Errorf("SecretsKeys = %q", cfg.SecretsKeys)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
}

func TestLoadBadConcurrency(t *testing.T) {
	t.Setenv("KEYVAULT_AGENT_CONCURRENCY", "zero")
	_, err := config.Load("")
	if !keyvault.IsKind(err, keyvault.KindConfig) {
		t.Errorf("Load() error = %v, want config kind", err)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cfg, _ := config.Load("")
	cfg.VaultBaseURL = "https://example-vault.vault.azure.net"
	cfg.CredentialPath = "/etc/kubernetes/azure.json"
	cfg.OutputDir = dir
	cfg.SecretsKeys = "dbpass,apikey"
	cfg.CertsKeys = "tls"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cfg.SecretKeys) != 2 || len(cfg.CertKeys) != 1 {
		t.Errorf("parsed %d secret and %d cert keys, want 2 and 1", len(cfg.SecretKeys), len(cfg.CertKeys))
	}
}

func TestValidateMissingRequired(t *testing.T) {
	cfg, _ := config.Load("")
	err := cfg.Validate()
	if !keyvault.IsKind(err, keyvault.KindConfig) {
		t.Errorf("Validate() error = %v, want config kind", err)
	}
}

func TestValidateMissingOutputDir(t *testing.T) {
	cfg, _ := config.Load("")
	cfg.VaultBaseURL = "https://example-vault.vault.azure.net"
	cfg.CredentialPath = "/etc/kubernetes/azure.json"
	cfg.OutputDir = "/does/not/exist"

	err := cfg.Validate()
	if !keyvault.IsKind(err, keyvault.KindConfig) {
		t.Errorf("Validate() error = %v, want config kind", err)
	}
}

func TestValidateDuplicateKey(t *testing.T) {
	cfg, _ := config.Load("")
	cfg.VaultBaseURL = "https://example-vault.vault.azure.net"
	cfg.CredentialPath = "/etc/kubernetes/azure.json"
	cfg.OutputDir = t.TempDir()
	cfg.SecretsKeys = "tls"
	cfg.CertsKeys = "tls"

	err := cfg.Validate()
	if !keyvault.IsKind(err, keyvault.KindConfig) {
		t.Errorf("Validate() error = %v, want config kind", err)
	}
}
