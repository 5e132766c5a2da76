package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
)

var (
	errNoOperator      = errors.New("no escrow operator key configured")
	errTxReverted      = errors.New("transaction reverted")
	errReceiptTimedOut = errors.New("timed out waiting for transaction receipt")
)

// ReleaseFunds sends releaseFunds(orderID) signed by the escrow operator and waits for it to be mined.
func (c *Client) ReleaseFunds(ctx context.Context, orderID uint64) (TxResult, error) {
	if c.operator == nil {
		return TxResult{}, apperr.ChainWrite("release funds", errNoOperator)
	}

	data, err := c.escrowABI.Pack("releaseFunds", new(big.Int).SetUint64(orderID))
	if err != nil {
		return TxResult{}, apperr.ChainWrite("release funds", fmt.Errorf("failed to pack releaseFunds: %w", err))
	}

	result, err := c.transact(ctx, c.operator, c.escrowAddress, data)
	if err != nil {
		return TxResult{}, apperr.ChainWrite("release funds", err)
	}

	c.logger.Info("Escrow released on chain",
		zap.Uint64("chain_order_id", orderID),
		zap.String("tx_hash", result.TxHash),
		zap.Uint64("block", result.BlockNumber))
	return result, nil
}

// SubmitProof anchors a proof CID for the order, attested by attestor and signed by signer.
func (c *Client) SubmitProof(ctx context.Context, orderID uint64, kind ProofKind, cid string, attestor common.Address, signer *Signer) (TxResult, error) {
	if signer == nil {
		return TxResult{}, apperr.ChainWrite("submit proof", apperr.ErrUnknownSigner)
	}

	data, err := c.attestationABI.Pack("submitProof", new(big.Int).SetUint64(orderID), uint8(kind), cid, attestor)
	if err != nil {
		return TxResult{}, apperr.ChainWrite("submit proof", fmt.Errorf("failed to pack submitProof: %w", err))
	}

	result, err := c.transact(ctx, signer, c.attestationAddress, data)
	if err != nil {
		return TxResult{}, apperr.ChainWrite("submit proof", err)
	}

	c.logger.Info("Proof anchored on chain",
		zap.Uint64("chain_order_id", orderID),
		zap.String("kind", kind.String()),
		zap.String("cid", cid),
		zap.String("signer", signer.Address().Hex()),
		zap.String("tx_hash", result.TxHash))
	return result, nil
}

func (c *Client) transact(ctx context.Context, signer *Signer, to common.Address, data []byte) (TxResult, error) {
	from := signer.Address()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return TxResult{}, fmt.Errorf("failed to get nonce from blockchain: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return TxResult{}, fmt.Errorf("failed to get gas price from blockchain: %w", err)
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return TxResult{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	// 20% headroom over the estimate
	gasLimit += gasLimit / 5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), signer.key)
	if err != nil {
		return TxResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return TxResult{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return TxResult{}, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxResult{}, fmt.Errorf("%w: %s", errTxReverted, signedTx.Hash().Hex())
	}

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	return TxResult{TxHash: signedTx.Hash().Hex(), BlockNumber: blockNumber}, nil
}

func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", errReceiptTimedOut, hash.Hex())
		case <-ticker.C:
		}
	}
}
