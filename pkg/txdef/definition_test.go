package txdef_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/web3ekko/txflow/pkg/txdef"
)

func TestCondition_Matches(t *testing.T) {
	tests := []struct {
		name   string
		cond   txdef.Condition
		value  any
		expect bool
	}{
		{"scalar match", txdef.Condition{Path: "outcome", Equals: "accept"}, "accept", true},
		{"scalar mismatch", txdef.Condition{Path: "outcome", Equals: "accept"}, "refuse", false},
		{"absent value never matches", txdef.Condition{Path: "outcome", Equals: "accept"}, nil, false},
		{"list match", txdef.Condition{Path: "outcome", Equals: []any{"accept", "counter"}}, "counter", true},
		{"list mismatch", txdef.Condition{Path: "outcome", Equals: []any{"accept", "counter"}}, "refuse", false},
		{"string list match", txdef.Condition{Path: "outcome", Equals: []string{"a", "b"}}, "b", true},
		{"numeric json vs yaml", txdef.Condition{Path: "round", Equals: 2}, float64(2), true},
		{"numeric mismatch", txdef.Condition{Path: "round", Equals: 2}, float64(3), false},
		{"bool match", txdef.Condition{Path: "flag", Equals: true}, true, true},
		{"number never equals string", txdef.Condition{Path: "round", Equals: 2}, "2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.cond.Matches(tt.value))
		})
	}
}

func TestSideEffect_NotImplemented(t *testing.T) {
	se := txdef.SideEffect{Label: "later", Endpoint: txdef.EndpointNotImplemented}
	assert.True(t, se.NotImplemented())
	assert.False(t, txdef.SideEffect{Label: "now", Endpoint: "/x"}.NotImplemented())
}

func TestSubmissionContext_AsMap(t *testing.T) {
	sctx := txdef.SubmissionContext{
		TxHash:        "0xabc",
		WalletAddress: "addr1",
		BuildInputs:   map[string]any{"amount": 10},
	}
	m := sctx.AsMap()
	assert.Equal(t, "0xabc", m["txHash"])
	assert.Equal(t, "addr1", m["walletAddress"])
	assert.Equal(t, map[string]any{"amount": 10}, m["buildInputs"])
	_, hasExtracted := m["extracted"]
	assert.False(t, hasExtracted)

	withData := sctx.WithExtracted(map[string]any{"assetName": "gold"})
	assert.Equal(t, map[string]any{"assetName": "gold"}, withData.AsMap()["extracted"])
	// The original context is untouched.
	assert.Nil(t, sctx.Extracted)
}
