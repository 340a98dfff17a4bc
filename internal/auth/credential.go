package auth

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

// Credential is the service-principal descriptor mounted into the pod.
// The field names match the cloud-provider config file the orchestrator
// already writes for its own volume plugins.
type Credential struct {
	TenantID     string `json:"tenantId"`
	ClientID     string `json:"aadClientId"`
	ClientSecret string `json:"aadClientSecret"`
}

// LoadCredential reads and validates the service-principal file. The file
// is read once; the credential is immutable for the process lifetime.
func LoadCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, keyvault.E(keyvault.KindAuth, "read service principal file", "", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, keyvault.E(keyvault.KindAuth, "parse service principal file", "", err)
	}

	for field, v := range map[string]string{
		"tenantId":        cred.TenantID,
		"aadClientId":     cred.ClientID,
		"aadClientSecret": cred.ClientSecret,
	} {
		if v == "" {
			return nil, keyvault.E(keyvault.KindAuth, "validate service principal file", "",
				fmt.Errorf("missing field %q in %s", field, path))
		}
	}
	return &cred, nil
}
