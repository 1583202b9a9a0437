package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(map[string]Entry{
		"balances_usd": {
			Table:        "balances",
			SQLTemplate:  `SELECT address, value_usd FROM balances WHERE network = '{{.Bindings.network}}' AND address IN ({{range $i, $t := .Targets}}{{if $i}},{{end}}'{{$t}}'{{end}})`,
			MaxTimeoutMs: 5000,
		},
	})
	require.NoError(t, err)
	return reg
}

func TestResolve_RendersBindingsAndTargets(t *testing.T) {
	reg := testRegistry(t)
	resolved, err := Resolve(reg, "balances_usd", []byte(`{"network":"ETH"}`), []string{"0xA", "0xB"})
	require.NoError(t, err)
	require.Equal(t, "balances", resolved.Table)
	require.Contains(t, resolved.SQL, "network = 'ETH'")
	require.Contains(t, resolved.SQL, "'0xA','0xB'")
	require.Equal(t, int64(5000), resolved.MaxTimeoutMs)
}

func TestResolve_UnknownCatalogIDIsNotFound(t *testing.T) {
	reg := testRegistry(t)
	_, err := Resolve(reg, "missing", nil, nil)
	require.Error(t, err)
}

func TestResolve_MissingRequiredBindingIsValidationError(t *testing.T) {
	reg := testRegistry(t)
	_, err := Resolve(reg, "balances_usd", []byte(`{}`), []string{"0xA"})
	require.Error(t, err)
}

func TestNewRegistry_RejectsMalformedTemplate(t *testing.T) {
	_, err := NewRegistry(map[string]Entry{
		"bad": {SQLTemplate: `{{.Bindings.network`},
	})
	require.Error(t, err)
}
