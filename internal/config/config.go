package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

type Config struct {
	VaultBaseURL    string `yaml:"vault_base_url"`
	CredentialPath  string `yaml:"credential_path"`
	OutputDir       string `yaml:"output_dir"`
	AuthorityServer string `yaml:"authority_server"`
	VaultResource   string `yaml:"vault_resource"`

	// Raw delimited lists; parsed into SecretKeys/CertKeys by Validate.
	SecretsKeys string `yaml:"secrets_keys"`
	CertsKeys   string `yaml:"certs_keys"`

	AuditPath          string `yaml:"audit_path"`
	AuditRetentionDays int    `yaml:"audit_retention_days"`
	ManifestPath       string `yaml:"manifest_path"`
	Concurrency        int    `yaml:"concurrency"`
	TimeoutSecs        int    `yaml:"timeout_seconds"`

	SecretKeys []KeySpec `yaml:"-"`
	CertKeys   []KeySpec `yaml:"-"`
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment overrides. Validate must be called before use.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Defaults
	cfg.AuthorityServer = "https://login.microsoftonline.com/"
	cfg.VaultResource = "https://vault.azure.net"
	cfg.Concurrency = 1
	cfg.TimeoutSecs = 120
	cfg.AuditRetentionDays = 30

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, keyvault.E(keyvault.KindConfig, "read config file", "", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, keyvault.E(keyvault.KindConfig, "parse config file", "", err)
		}
	}

	// Env overrides
	if v := os.Getenv("VAULT_BASE_URL"); v != "" {
		cfg.VaultBaseURL = v
	}
	if v := os.Getenv("SERVICE_PRINCIPLE_FILE_PATH"); v != "" {
		cfg.CredentialPath = v
	}
	if v := os.Getenv("SECRETS_FOLDER"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("SECRETS_KEYS"); v != "" {
		cfg.SecretsKeys = v
	}
	if v := os.Getenv("CERTS_KEYS"); v != "" {
		cfg.CertsKeys = v
	}
	if v := os.Getenv("AZURE_AUTHORITY_SERVER"); v != "" {
		cfg.AuthorityServer = v
	}
	if v := os.Getenv("VAULT_RESOURCE_NAME"); v != "" {
		cfg.VaultResource = v
	}
	if v := os.Getenv("KEYVAULT_AGENT_AUDIT_PATH"); v != "" {
		cfg.AuditPath = v
	}
	if v := os.Getenv("KEYVAULT_AGENT_AUDIT_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, keyvault.E(keyvault.KindConfig, "parse KEYVAULT_AGENT_AUDIT_RETENTION_DAYS", "",
				fmt.Errorf("invalid value %q", v))
		}
		cfg.AuditRetentionDays = n
	}
	if v := os.Getenv("KEYVAULT_AGENT_MANIFEST_PATH"); v != "" {
		cfg.ManifestPath = v
	}
	if v := os.Getenv("KEYVAULT_AGENT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, keyvault.E(keyvault.KindConfig, "parse KEYVAULT_AGENT_CONCURRENCY", "",
				fmt.Errorf("invalid value %q", v))
		}
		cfg.Concurrency = n
	}

	return cfg, nil
}

// Validate checks required values and parses the key lists. Malformed or
// missing configuration fails here, before any network traffic.
func (c *Config) Validate() error {
	if c.VaultBaseURL == "" {
		return missing("VAULT_BASE_URL")
	}
	if c.CredentialPath == "" {
		return missing("SERVICE_PRINCIPLE_FILE_PATH")
	}
	if c.OutputDir == "" {
		return missing("SECRETS_FOLDER")
	}

	info, err := os.Stat(c.OutputDir)
	if err != nil {
		return keyvault.E(keyvault.KindConfig, "check secrets folder", "",
			fmt.Errorf("output directory %s is not mounted: %w", c.OutputDir, err))
	}
	if !info.IsDir() {
		return keyvault.E(keyvault.KindConfig, "check secrets folder", "",
			fmt.Errorf("%s is not a directory", c.OutputDir))
	}

	c.SecretKeys, err = ParseKeyList(c.SecretsKeys)
	if err != nil {
		return err
	}
	c.CertKeys, err = ParseKeyList(c.CertsKeys)
	if err != nil {
		return err
	}

	// A name may not appear in both lists, nor twice in one.
	seen := make(map[string]bool)
	for _, spec := range append(append([]KeySpec{}, c.SecretKeys...), c.CertKeys...) {
		if seen[spec.Name] {
			return keyvault.E(keyvault.KindConfig, "validate key lists", spec.Name,
				fmt.Errorf("key %q requested more than once", spec.Name))
		}
		seen[spec.Name] = true
	}

	if c.Concurrency < 1 {
		return keyvault.E(keyvault.KindConfig, "validate concurrency", "",
			fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	return nil
}

func missing(name string) error {
	return keyvault.E(keyvault.KindConfig, "validate configuration", "",
		fmt.Errorf("%s is required", name))
}
