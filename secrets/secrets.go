// Package secrets resolves sensitive run inputs, such as Windows product
// keys, from literal configuration values or from Vault.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

const vaultScheme = "vault://"

// Static resolves to its own value.
type Static string

var _ interfaces.SecretSource = Static("")

func (s Static) Resolve(context.Context) (string, error) {
	return string(s), nil
}

// VaultSource reads one field of a Vault KV secret. The client is
// configured through the standard VAULT_ADDR and VAULT_TOKEN environment
// variables.
type VaultSource struct {
	log    *slog.Logger
	client *api.Client
	path   string
	field  string
}

var _ interfaces.SecretSource = (*VaultSource)(nil)

// NewVaultSource builds a source for the given secret path and field.
func NewVaultSource(log *slog.Logger, path, field string) (*VaultSource, error) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	return &VaultSource{
		log:    log.With("component", "vault-secrets"),
		client: client,
		path:   path,
		field:  field,
	}, nil
}

func (v *VaultSource) Resolve(ctx context.Context) (string, error) {
	v.log.Debug("reading secret", "path", v.path, "field", v.field)
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return "", fmt.Errorf("reading vault secret %s: %w", v.path, err)
	}
	if secret == nil {
		return "", fmt.Errorf("no secret at vault path %s", v.path)
	}

	data := secret.Data
	// KV v2 nests the payload one level down.
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[v.field].(string)
	if !ok {
		return "", fmt.Errorf("no field %q in vault secret %s", v.field, v.path)
	}
	return value, nil
}

// FromSpec builds a secret source from a configuration value. A value of
// the form vault://path#field reads from Vault; anything else resolves
// literally.
func FromSpec(log *slog.Logger, spec string) (interfaces.SecretSource, error) {
	if !strings.HasPrefix(spec, vaultScheme) {
		return Static(spec), nil
	}
	path, field, found := strings.Cut(strings.TrimPrefix(spec, vaultScheme), "#")
	if !found || path == "" || field == "" {
		return nil, fmt.Errorf("malformed vault reference %q, expected vault://path#field", spec)
	}
	return NewVaultSource(log, path, field)
}
