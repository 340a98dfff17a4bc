package config_test

import (
	"testing"

	"github.com/xabxx/acs-keyvault-agent/internal/config"
	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

func TestParseKeySpec(t *testing.T) {
	tests := []struct {
		input       string
		wantName    string
		wantVersion string
		wantErr     bool
	}{
		{"dbpass", "dbpass", "", false},
		{"dbpass:4387e9e0", "dbpass", "4387e9e0", false},
		{"  tls-cert : abc ", "tls-cert", "abc", false},
		{"", "", "", true},
		{":version-only", "", "", true},
		{"../escape", "", "", true},
		{"a/b", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			spec, err := config.ParseKeySpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKeySpec(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if err != nil {
				if !keyvault.IsKind(err, keyvault.KindConfig) {
					t.Errorf("ParseKeySpec(%q) kind = %v, want config", tt.input, keyvault.KindOf(err))
				}
				return
			}
			if spec.Name != tt.wantName || spec.Version != tt.wantVersion {
				t.Errorf("ParseKeySpec(%q) = {%q, %q}, want {%q, %q}",
					tt.input, spec.Name, spec.Version, tt.wantName, tt.wantVersion)
			}
		})
	}
}

func TestParseKeyList(t *testing.T) {
	specs, err := config.ParseKeyList("dbpass;apikey:v2; ;third")
	if err != nil {
		t.Fatalf("ParseKeyList() error = %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	if specs[0].Name != "dbpass" || specs[1].Name != "apikey" || specs[1].Version != "v2" || specs[2].Name != "third" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestParseKeyListCommaDelimited(t *testing.T) {
	specs, err := config.ParseKeyList("dbpass,apikey")
	if err != nil {
		t.Fatalf("ParseKeyList() error = %v", err)
	}
	if len(specs) != 2 || specs[0].Name != "dbpass" || specs[1].Name != "apikey" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestParseKeyListEmpty(t *testing.T) {
	specs, err := config.ParseKeyList("")
	if err != nil {
		t.Fatalf("ParseKeyList() error = %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("got %d specs, want 0", len(specs))
	}
}
