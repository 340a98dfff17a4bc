package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xabxx/acs-keyvault-agent/internal/config"
	"github.com/xabxx/acs-keyvault-agent/internal/manifest"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a populated secrets folder against the requested keys (exits 1 on missing or corrupt files)",
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&flagOutput, "output", "", "Secrets output folder (default $SECRETS_FOLDER)")
	verifyCmd.Flags().StringVar(&flagSecrets, "secrets", "", "Delimited secret keys (default $SECRETS_KEYS)")
	verifyCmd.Flags().StringVar(&flagCerts, "certs", "", "Delimited certificate keys (default $CERTS_KEYS)")
	verifyCmd.Flags().StringVar(&flagManifest, "manifest", "", "Manifest db path (default $KEYVAULT_AGENT_MANIFEST_PATH)")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	outDir := flagOr(flagOutput, "SECRETS_FOLDER")
	if outDir == "" {
		return fmt.Errorf("output folder is required (--output or SECRETS_FOLDER)")
	}

	secretKeys, err := config.ParseKeyList(flagOr(flagSecrets, "SECRETS_KEYS"))
	if err != nil {
		return err
	}
	certKeys, err := config.ParseKeyList(flagOr(flagCerts, "CERTS_KEYS"))
	if err != nil {
		return err
	}

	manifestPath := flagOr(flagManifest, "KEYVAULT_AGENT_MANIFEST_PATH")

	var problems []string
	if manifestPath != "" {
		if _, err := os.Stat(manifestPath); err == nil {
			problems, err = verifyWithManifest(outDir, manifestPath, secretKeys, certKeys)
			if err != nil {
				return err
			}
		} else {
			problems = verifyByName(outDir, secretKeys, certKeys)
		}
	} else {
		problems = verifyByName(outDir, secretKeys, certKeys)
	}

	if len(problems) > 0 {
		for _, p := range problems {
			log.Error().Msg(p)
		}
		return fmt.Errorf("%d problem(s) found in %s", len(problems), outDir)
	}
	log.Info().Int("secrets", len(secretKeys)).Int("certs", len(certKeys)).Msg("secrets folder verified")
	return nil
}

// verifyWithManifest replays the manifest: every requested key must have at
// least one recorded file, and every recorded file must exist with the
// recorded content.
func verifyWithManifest(outDir, manifestPath string, secretKeys, certKeys []config.KeySpec) ([]string, error) {
	store, err := manifest.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	bySource := make(map[string]int)
	var problems []string
	for _, e := range entries {
		bySource[e.SourceKey]++
		data, err := os.ReadFile(filepath.Join(outDir, e.Name))
		if err != nil {
			problems = append(problems, fmt.Sprintf("file %s missing: %v", e.Name, err))
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != e.SHA256 {
			problems = append(problems, fmt.Sprintf("file %s does not match the recorded checksum", e.Name))
		}
	}

	for _, spec := range append(append([]config.KeySpec{}, secretKeys...), certKeys...) {
		if bySource[spec.Name] == 0 {
			problems = append(problems, fmt.Sprintf("key %q has no materialized files", spec.Name))
		}
	}
	return problems, nil
}

// verifyByName falls back to existence checks using the naming convention
// when no manifest was recorded.
func verifyByName(outDir string, secretKeys, certKeys []config.KeySpec) []string {
	var problems []string
	for _, spec := range secretKeys {
		if _, err := os.Stat(filepath.Join(outDir, spec.Name)); err != nil {
			problems = append(problems, fmt.Sprintf("secret file %s missing", spec.Name))
		}
	}
	for _, spec := range certKeys {
		for _, name := range []string{spec.Name + ".crt", spec.Name + ".key"} {
			if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
				problems = append(problems, fmt.Sprintf("certificate file %s missing", name))
			}
		}
	}
	return problems
}
