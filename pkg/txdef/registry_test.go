package txdef_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3ekko/txflow/pkg/txdef"
)

func validDefinition() *txdef.Definition {
	return &txdef.Definition{
		TxType: "mint-asset",
		Role:   "issuer",
		Protocol: txdef.ProtocolSpec{
			ProtocolID:           "proto-1",
			RequiredCapabilities: []string{"sign"},
		},
		Build: txdef.BuildConfig{
			BuilderEndpoint: "/build/mint",
			ParamsSchema: map[string]any{
				"type":     "object",
				"required": []any{"assetName"},
				"properties": map[string]any{
					"assetName": map[string]any{"type": "string"},
					"quantity":  map[string]any{"type": "integer"},
				},
			},
		},
		OnSubmit: []txdef.SideEffect{
			{
				Label:      "record-submission",
				Method:     "POST",
				Endpoint:   "/assets/{assetId}/submissions",
				PathParams: map[string]string{"assetId": "buildInputs.assetId"},
				Body: map[string]txdef.ValueSource{
					"txHash": txdef.FromContext("txHash"),
					"state":  txdef.Literal("submitted"),
				},
			},
		},
		OnConfirmation: []txdef.SideEffect{
			{
				Label:      "finalize",
				Method:     "PUT",
				Endpoint:   "/assets/{assetId}",
				PathParams: map[string]string{"assetId": "buildInputs.assetId"},
				Critical:   true,
			},
		},
	}
}

func TestRegistry_GetAndTypes(t *testing.T) {
	reg, err := txdef.NewRegistry(validDefinition())
	require.NoError(t, err)

	def, err := reg.Get("mint-asset")
	require.NoError(t, err)
	assert.Equal(t, "mint-asset", def.TxType)
	assert.Equal(t, []string{"mint-asset"}, reg.Types())
	assert.Equal(t, 1, reg.Len())

	_, err = reg.Get("unknown")
	assert.ErrorIs(t, err, txdef.ErrNotFound)
}

func TestRegistry_DuplicateTxType(t *testing.T) {
	_, err := txdef.NewRegistry(validDefinition(), validDefinition())
	assert.ErrorContains(t, err, "duplicate definition")
}

func TestRegistry_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*txdef.Definition)
		wantErr string
	}{
		{
			name:    "missing tx type",
			mutate:  func(d *txdef.Definition) { d.TxType = "" },
			wantErr: "requires a tx_type",
		},
		{
			name: "path param not in endpoint",
			mutate: func(d *txdef.Definition) {
				d.OnSubmit[0].PathParams["extra"] = "buildInputs.extra"
			},
			wantErr: `path param "extra" does not appear in endpoint`,
		},
		{
			name: "placeholder without path param",
			mutate: func(d *txdef.Definition) {
				d.OnSubmit[0].Endpoint = "/assets/{assetId}/{orphan}"
			},
			wantErr: "placeholder {orphan} has no path param",
		},
		{
			name: "value source with both sides",
			mutate: func(d *txdef.Definition) {
				d.OnSubmit[0].Body["bad"] = txdef.ValueSource{Source: txdef.SourceLiteral, Value: 1, Path: "x"}
			},
			wantErr: "must not carry a path",
		},
		{
			name: "context source without path",
			mutate: func(d *txdef.Definition) {
				d.OnSubmit[0].Body["bad"] = txdef.ValueSource{Source: txdef.SourceContext}
			},
			wantErr: "requires a path",
		},
		{
			name: "unknown value source",
			mutate: func(d *txdef.Definition) {
				d.OnSubmit[0].Body["bad"] = txdef.ValueSource{Source: "env"}
			},
			wantErr: "unknown value source",
		},
		{
			name: "condition without equals",
			mutate: func(d *txdef.Definition) {
				d.OnSubmit[0].Condition = &txdef.Condition{Path: "outcome"}
			},
			wantErr: "condition requires an equals value",
		},
		{
			name: "schema does not compile",
			mutate: func(d *txdef.Definition) {
				d.Build.ParamsSchema = map[string]any{"type": 42}
			},
			wantErr: "schema does not compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			_, err := txdef.NewRegistry(d)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRegistry_NotImplementedEndpointSkipsChecks(t *testing.T) {
	d := validDefinition()
	d.OnSubmit = append(d.OnSubmit, txdef.SideEffect{
		Label:    "future-hook",
		Endpoint: txdef.EndpointNotImplemented,
	})
	_, err := txdef.NewRegistry(d)
	assert.NoError(t, err)
}

func TestRegistry_ValidateParams(t *testing.T) {
	reg, err := txdef.NewRegistry(validDefinition())
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateParams("mint-asset", map[string]any{
		"assetName": "gold",
		"quantity":  5,
	}))
	assert.Error(t, reg.ValidateParams("mint-asset", map[string]any{
		"quantity": 5,
	}))
	assert.Error(t, reg.ValidateParams("mint-asset", map[string]any{
		"assetName": "gold",
		"quantity":  "five",
	}))

	// No side-effect params schema declared: everything passes.
	assert.NoError(t, reg.ValidateSideEffectParams("mint-asset", map[string]any{"anything": true}))

	assert.ErrorIs(t, reg.ValidateParams("unknown", nil), txdef.ErrNotFound)
}
