package chainquery

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// DefaultConfirmDepth is how many blocks a receipt must be buried under
// before the transaction counts as confirmed.
const DefaultConfirmDepth = 6

// EVMClient implements Service against an EVM JSON-RPC node. A receipt that
// exists but is shallower than the configured depth reports Found without
// Confirmed; a reverted receipt reports Failed.
type EVMClient struct {
	eth   *ethclient.Client
	depth uint64
	log   *zap.Logger
}

// NewEVMClient wraps an ethclient. depth=0 selects DefaultConfirmDepth.
func NewEVMClient(eth *ethclient.Client, depth uint64, logger *zap.Logger) *EVMClient {
	if depth == 0 {
		depth = DefaultConfirmDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EVMClient{eth: eth, depth: depth, log: logger}
}

// Status implements Service.
func (c *EVMClient) Status(ctx context.Context, txHash string) (TxStatus, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return TxStatus{}, nil
	}
	if err != nil {
		return TxStatus{}, &QueryError{TxHash: txHash, Err: err}
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return TxStatus{}, &QueryError{TxHash: txHash, Err: err}
	}

	var confirmations uint64
	if block := receipt.BlockNumber.Uint64(); head >= block {
		confirmations = head - block + 1
	}

	status := TxStatus{
		Found:         true,
		Failed:        receipt.Status == types.ReceiptStatusFailed,
		Confirmations: confirmations,
		Outputs:       receiptOutputs(receipt),
	}
	status.Confirmed = !status.Failed && confirmations >= c.depth

	c.log.Debug("chain status",
		zap.String("tx_hash", txHash),
		zap.Uint64("confirmations", confirmations),
		zap.Bool("confirmed", status.Confirmed),
		zap.Bool("failed", status.Failed))
	return status, nil
}

// receiptOutputs flattens a receipt into the generic output maps extractors
// operate on: one summary map followed by one map per log.
func receiptOutputs(receipt *types.Receipt) []map[string]any {
	outputs := make([]map[string]any, 0, len(receipt.Logs)+1)
	summary := map[string]any{
		"type":         "receipt",
		"block_number": receipt.BlockNumber.Uint64(),
		"gas_used":     receipt.GasUsed,
		"status":       receipt.Status,
	}
	if receipt.ContractAddress != (common.Address{}) {
		summary["contract_address"] = receipt.ContractAddress.Hex()
	}
	outputs = append(outputs, summary)

	for _, l := range receipt.Logs {
		topics := make([]string, 0, len(l.Topics))
		for _, t := range l.Topics {
			topics = append(topics, t.Hex())
		}
		outputs = append(outputs, map[string]any{
			"type":    "log",
			"address": l.Address.Hex(),
			"topics":  topics,
			"data":    hexutil.Encode(l.Data),
			"index":   l.Index,
		})
	}
	return outputs
}
