package config

import (
	"fmt"
	"strings"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

// KeySpec identifies one vault entry to fetch. An empty Version means the
// latest version.
type KeySpec struct {
	Name    string
	Version string
}

// ParseKeySpec parses a single "name" or "name:version" entry.
func ParseKeySpec(raw string) (KeySpec, error) {
	name, version, _ := strings.Cut(strings.TrimSpace(raw), ":")
	name, version = strings.TrimSpace(name), strings.TrimSpace(version)
	if name == "" {
		return KeySpec{}, keyvault.E(keyvault.KindConfig, "parse key spec", "",
			fmt.Errorf("invalid key spec %q: expected name or name:version", raw))
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return KeySpec{}, keyvault.E(keyvault.KindConfig, "parse key spec", name,
			fmt.Errorf("key name %q may not contain path separators", name))
	}
	return KeySpec{Name: name, Version: version}, nil
}

// ParseKeyList parses a delimited key list. Both ';' and ',' are accepted
// as delimiters; blank entries are skipped.
func ParseKeyList(raw string) ([]KeySpec, error) {
	var specs []KeySpec
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ','
	}) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		spec, err := ParseKeySpec(part)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
