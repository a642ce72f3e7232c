package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/parisettle/core"
	"github.com/tolelom/parisettle/indexer"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	state   core.State
	indexer *indexer.Indexer
	chainID string // expected chain_id; used to reject cross-chain replay transactions
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, indexer: idx, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getMarket":
		return h.getMarket(req)

	case "getWager":
		return h.getWager(req)

	case "getOpenMarkets":
		return h.getOpenMarkets(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) getMarket(req Request) Response {
	var params struct {
		MarketKey string `json:"market_key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.MarketKey == "" {
		return errResponse(req.ID, CodeInvalidParams, "market_key is required")
	}
	market, err := h.state.GetMarket(params.MarketKey)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, market)
}

func (h *Handler) getWager(req Request) Response {
	var params struct {
		WagerKey string `json:"wager_key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.WagerKey == "" {
		return errResponse(req.ID, CodeInvalidParams, "wager_key is required")
	}
	wager, err := h.state.GetWager(params.WagerKey)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, wager)
}

func (h *Handler) getOpenMarkets(req Request) Response {
	keys, err := h.indexer.OpenMarketKeys()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, keys)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}
