package txdef

import "time"

// SubmissionContext is the bundle of identifiers and parameters every side
// effect evaluation sees: the transaction hash, the submitting wallet, the
// merged build inputs, and (after confirmation) the data extracted from the
// on-chain outputs.
type SubmissionContext struct {
	TxHash        string         `json:"tx_hash"`
	WalletAddress string         `json:"wallet_address"`
	BuildInputs   map[string]any `json:"build_inputs,omitempty"`
	Extracted     map[string]any `json:"extracted,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AsMap flattens the context into the map shape the path resolver traverses.
// Dotted paths address it as e.g. "txHash", "buildInputs.amount" or
// "extracted.assetName".
func (c SubmissionContext) AsMap() map[string]any {
	m := map[string]any{
		"txHash":        c.TxHash,
		"walletAddress": c.WalletAddress,
		"timestamp":     c.Timestamp.UTC().Format(time.RFC3339),
	}
	if c.BuildInputs != nil {
		m["buildInputs"] = c.BuildInputs
	}
	if c.Extracted != nil {
		m["extracted"] = c.Extracted
	}
	return m
}

// WithExtracted returns a copy of the context carrying data pulled from the
// confirmed transaction's outputs.
func (c SubmissionContext) WithExtracted(data map[string]any) SubmissionContext {
	out := c
	out.Extracted = data
	return out
}
