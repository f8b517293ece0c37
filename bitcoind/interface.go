package bitcoind

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// TeslacoilBitcoind is a wrapper around a normal RPC client that provides
// the extra ZMQ lifecycle management this package adds on top of
// rpcclient.Client.
type TeslacoilBitcoind interface {
	StartZmq()
	StopZmq()
}

// RpcClient is the subset of rpcclient.Client's surface the reconciliation
// engine's bitcoindstream adapter and Conn depend on. It exists so a fake
// can stand in for a live bitcoind connection in tests.
type RpcClient interface {
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTransaction(txHash *chainhash.Hash) (*btcjson.GetTransactionResult, error)
	ListSinceBlock(blockHash *chainhash.Hash) (*btcjson.ListSinceBlockResult, error)
	ListSinceBlockMinConf(blockHash *chainhash.Hash, minConfirms int) (*btcjson.ListSinceBlockResult, error)
	ListTransactions(account string) ([]btcjson.ListTransactionsResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// check *rpcclient.Client satisfies RpcClient at compile time.
var _ RpcClient = (*rpcclient.Client)(nil)
