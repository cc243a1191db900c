package rpc

import (
	ctypes "github.com/tendermint/tendermint/rpc/core/types"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	meml "towerbft/mempool"
	"towerbft/types"
)

// BroadcastTxAsync submits a tx to the mempool without waiting for it to
// be scheduled.
func BroadcastTxAsync(ctx *rpctypes.Context, tx types.Tx) (*ctypes.ResultBroadcastTx, error) {
	if err := env.Mempool.CheckTx(&tx, meml.TxInfo{SenderID: meml.UnknownPeerID}); err != nil {
		return nil, err
	}
	return &ctypes.ResultBroadcastTx{Hash: tx.Hash()}, nil
}
