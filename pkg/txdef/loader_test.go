package txdef_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3ekko/txflow/pkg/txdef"
)

const sampleCatalog = `
definitions:
  - tx_type: list-asset
    role: seller
    protocol:
      protocol_id: marketplace-v1
      required_capabilities: [sign]
    build:
      builder_endpoint: /build/list
      params_schema:
        type: object
        required: [price]
        properties:
          price:
            type: integer
            minimum: 1
    on_submit:
      - label: record-listing
        method: POST
        endpoint: /listings
        body:
          txHash:
            source: context
            path: txHash
          state:
            source: literal
            value: submitted
    on_confirmation:
      - label: activate-listing
        method: PUT
        endpoint: /listings/{listingId}
        path_params:
          listingId: buildInputs.listingId
        critical: true
`

func TestParseCatalog(t *testing.T) {
	reg, err := txdef.ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	def, err := reg.Get("list-asset")
	require.NoError(t, err)
	assert.Equal(t, "seller", def.Role)
	assert.Equal(t, "marketplace-v1", def.Protocol.ProtocolID)
	require.Len(t, def.OnSubmit, 1)
	assert.Equal(t, txdef.SourceContext, def.OnSubmit[0].Body["txHash"].Source)
	assert.Equal(t, "submitted", def.OnSubmit[0].Body["state"].Value)
	require.Len(t, def.OnConfirmation, 1)
	assert.True(t, def.OnConfirmation[0].Critical)

	// The YAML schema survived normalization and compiled.
	assert.Error(t, reg.ValidateParams("list-asset", map[string]any{"price": 0}))
	assert.NoError(t, reg.ValidateParams("list-asset", map[string]any{"price": 3}))
}

func TestParseCatalog_Empty(t *testing.T) {
	_, err := txdef.ParseCatalog([]byte("definitions: []"))
	assert.ErrorContains(t, err, "catalog is empty")
}

func TestParseCatalog_InvalidYAML(t *testing.T) {
	_, err := txdef.ParseCatalog([]byte("definitions: [unterminated"))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	reg, err := txdef.LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"list-asset"}, reg.Types())

	_, err = txdef.LoadCatalog(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
