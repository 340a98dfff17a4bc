package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xabxx/acs-keyvault-agent/internal/audit"
	"github.com/xabxx/acs-keyvault-agent/internal/config"
	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
	"github.com/xabxx/acs-keyvault-agent/internal/manifest"
	"github.com/xabxx/acs-keyvault-agent/internal/secrets"
)

// VaultClient is the subset of the vault API the agent needs.
type VaultClient interface {
	GetSecret(ctx context.Context, name, version string) (*keyvault.SecretBundle, error)
	GetCertificate(ctx context.Context, name, version string) (*keyvault.CertificateBundle, error)
}

type Option func(*Agent)

// WithConcurrency bounds parallel fetches. 1 (the default) runs the fetch
// phase strictly sequentially.
func WithConcurrency(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithAuditor(l *audit.Logger) Option {
	return func(a *Agent) { a.auditor = l }
}

func WithManifest(s *manifest.Store) Option {
	return func(a *Agent) { a.store = s }
}

// Agent fetches every requested vault entry and materializes the results as
// files. It is one-shot: Run either writes every file or none it can still
// take back.
type Agent struct {
	client      VaultClient
	outDir      string
	concurrency int
	auditor     *audit.Logger
	store       *manifest.Store
}

func New(client VaultClient, outDir string, opts ...Option) *Agent {
	a := &Agent{client: client, outDir: outDir, concurrency: 1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type Result struct {
	Files      int
	Secrets    int
	Certs      int
	DurationMs int64
}

// file is one pending output, held in memory until the whole fetch phase
// has succeeded.
type file struct {
	name      string
	data      []byte
	kind      string // secret, cert, or key
	sourceKey string
	version   string
}

// Run fetches all requested entries, then commits them to the output
// directory. No file is written before every fetch has succeeded, and a
// failed commit removes the files this run created, so a failure never
// leaves a partially populated directory behind.
func (a *Agent) Run(ctx context.Context, secretKeys, certKeys []config.KeySpec) (*Result, error) {
	start := time.Now()

	files, err := a.fetchAll(ctx, secretKeys, certKeys)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, f := range files {
		if seen[f.name] {
			return nil, keyvault.E(keyvault.KindConfig, "resolve output names", f.sourceKey,
				fmt.Errorf("output file %q produced by more than one key", f.name))
		}
		seen[f.name] = true
	}

	if err := a.commit(files); err != nil {
		return nil, err
	}

	result := &Result{Files: len(files), DurationMs: time.Since(start).Milliseconds()}
	for _, f := range files {
		if f.kind == "secret" {
			result.Secrets++
		} else {
			result.Certs++
		}
	}
	return result, nil
}

// fetchAll runs the fetch phase on an errgroup. With concurrency 1 the
// group degenerates to sequential execution; with more, any failure cancels
// the in-flight fetches and the first error wins. Either way nothing is
// written until every fetch has finished.
func (a *Agent) fetchAll(ctx context.Context, secretKeys, certKeys []config.KeySpec) ([]file, error) {
	results := make([][]file, len(secretKeys)+len(certKeys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, spec := range secretKeys {
		i, spec := i, spec
		g.Go(func() error {
			fs, err := a.fetchSecret(gctx, spec)
			if err != nil {
				return err
			}
			results[i] = fs
			return nil
		})
	}
	for i, spec := range certKeys {
		i, spec := i, spec
		g.Go(func() error {
			fs, err := a.fetchCertificate(gctx, spec)
			if err != nil {
				return err
			}
			results[len(secretKeys)+i] = fs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var files []file
	for _, fs := range results {
		files = append(files, fs...)
	}
	return files, nil
}

func (a *Agent) fetchSecret(ctx context.Context, spec config.KeySpec) ([]file, error) {
	start := time.Now()
	log.Info().Str("key", spec.Name).Str("version", spec.Version).Msg("fetching secret")

	bundle, err := a.client.GetSecret(ctx, spec.Name, spec.Version)
	a.auditFetch(spec.Name, "secret", bundle, start, err)
	if err != nil {
		return nil, err
	}

	version := keyvault.Version(bundle.ID)
	files := []file{{
		name:      spec.Name,
		data:      []byte(bundle.Value),
		kind:      "secret",
		sourceKey: spec.Name,
		version:   version,
	}}

	// A secret with a kid backs a certificate: its value carries the private
	// key and certificate, which consumers expect as separate files.
	if bundle.Kid != "" {
		log.Info().Str("key", spec.Name).Msg("secret backs a certificate, splitting key and cert material")
		keyPEM, certPEM, err := certMaterial(bundle)
		if err != nil {
			return nil, keyvault.E(keyvault.KindIO, "split certificate material", spec.Name, err)
		}
		files = append(files,
			file{name: spec.Name + ".crt", data: certPEM, kind: "cert", sourceKey: spec.Name, version: version},
			file{name: spec.Name + ".key", data: keyPEM, kind: "key", sourceKey: spec.Name, version: version},
		)
	}
	return files, nil
}

func (a *Agent) fetchCertificate(ctx context.Context, spec config.KeySpec) ([]file, error) {
	start := time.Now()
	log.Info().Str("key", spec.Name).Str("version", spec.Version).Msg("fetching certificate")

	cert, err := a.client.GetCertificate(ctx, spec.Name, spec.Version)
	if err != nil {
		a.auditFetch(spec.Name, "cert", nil, start, err)
		return nil, err
	}
	version := keyvault.Version(cert.ID)

	// The private key lives in the certificate's backing secret.
	bundle, err := a.client.GetSecret(ctx, spec.Name, spec.Version)
	a.auditFetch(spec.Name, "cert", bundle, start, err)
	if err != nil {
		return nil, err
	}
	keyPEM, _, err := certMaterial(bundle)
	if err != nil {
		return nil, keyvault.E(keyvault.KindIO, "extract certificate private key", spec.Name, err)
	}
	if len(keyPEM) == 0 {
		return nil, keyvault.E(keyvault.KindIO, "extract certificate private key", spec.Name,
			fmt.Errorf("backing secret holds no private key material"))
	}

	return []file{
		{name: spec.Name + ".crt", data: certToPEM(cert.Cer), kind: "cert", sourceKey: spec.Name, version: version},
		{name: spec.Name + ".key", data: keyPEM, kind: "key", sourceKey: spec.Name, version: version},
	}, nil
}

// commit writes every pending file atomically. On failure it removes the
// files this run created; files surviving from an earlier successful run
// are left alone.
func (a *Agent) commit(files []file) error {
	var created []string
	for _, f := range files {
		existed := secrets.Exists(a.outDir, f.name)
		if err := secrets.WriteFile(a.outDir, f.name, f.data); err != nil {
			for _, name := range created {
				if rmErr := secrets.Remove(a.outDir, name); rmErr != nil {
					log.Warn().Err(rmErr).Str("file", name).Msg("rollback failed")
				}
			}
			return err
		}
		if !existed {
			created = append(created, f.name)
		}
		log.Info().Str("file", f.name).Str("kind", f.kind).Msg("wrote secret file")
	}

	// Manifest and audit write records are made only once every file is on
	// disk, so a rolled-back commit never leaves entries claiming files that
	// were taken back.
	for _, f := range files {
		a.recordDrift(f)
		if a.auditor != nil {
			a.auditor.Log(audit.Entry{Action: "write", Key: f.sourceKey, Kind: f.kind, Version: f.version, File: f.name})
		}
		if a.store != nil {
			sum := sha256.Sum256(f.data)
			if err := a.store.Put(&manifest.Entry{
				Name:      f.name,
				Kind:      f.kind,
				SourceKey: f.sourceKey,
				Version:   f.version,
				SHA256:    hex.EncodeToString(sum[:]),
				WrittenAt: time.Now().UTC(),
			}); err != nil {
				log.Warn().Err(err).Str("file", f.name).Msg("failed to record manifest entry")
			}
		}
	}
	return nil
}

// recordDrift logs when a re-run observes a different vault version than the
// one recorded for a file by a previous run.
func (a *Agent) recordDrift(f file) {
	if a.store == nil {
		return
	}
	prev, err := a.store.Get(f.name)
	if err != nil {
		return
	}
	if prev.Version != "" && f.version != "" && prev.Version != f.version {
		log.Warn().Str("file", f.name).Str("previous", prev.Version).Str("current", f.version).
			Msg("vault entry changed since last run")
	}
}

func (a *Agent) auditFetch(key, kind string, bundle *keyvault.SecretBundle, start time.Time, err error) {
	if a.auditor == nil {
		return
	}
	e := audit.Entry{
		Action:     "fetch",
		Key:        key,
		Kind:       kind,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if bundle != nil {
		e.Version = keyvault.Version(bundle.ID)
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.auditor.Log(e)
}
