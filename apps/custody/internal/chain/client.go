package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
)

const (
	defaultReceiptTimeout      = 2 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second
)

// Backend is the subset of *ethclient.Client the chain client needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Options struct {
	EscrowContract      string
	AttestationContract string
	ChainID             uint64
	Operator            *Signer // signs releases; nil disables them
	DisputeIndexEnabled bool
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// Client reads escrow and dispute state and sends escrow and attestation writes.
type Client struct {
	backend             Backend
	logger              *zap.Logger
	escrowAddress       common.Address
	attestationAddress  common.Address
	escrowABI           abi.ABI
	attestationABI      abi.ABI
	chainID             *big.Int
	operator            *Signer
	disputeIndexEnabled bool
	receiptTimeout      time.Duration
	pollInterval        time.Duration
}

// NewClient creates a new chain client for the escrow and attestation contracts
func NewClient(backend Backend, opts Options, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(opts.EscrowContract) {
		return nil, fmt.Errorf("invalid escrow contract address: %q", opts.EscrowContract)
	}
	attestation := opts.AttestationContract
	if attestation == "" {
		attestation = opts.EscrowContract
	}
	if !common.IsHexAddress(attestation) {
		return nil, fmt.Errorf("invalid attestation contract address: %q", attestation)
	}

	parsedEscrowABI, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	parsedAttestationABI, err := abi.JSON(strings.NewReader(AttestationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation ABI: %w", err)
	}

	receiptTimeout := opts.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = defaultReceiptTimeout
	}
	pollInterval := opts.ReceiptPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultReceiptPollInterval
	}

	return &Client{
		backend:             backend,
		logger:              logger,
		escrowAddress:       common.HexToAddress(opts.EscrowContract),
		attestationAddress:  common.HexToAddress(attestation),
		escrowABI:           parsedEscrowABI,
		attestationABI:      parsedAttestationABI,
		chainID:             new(big.Int).SetUint64(opts.ChainID),
		operator:            opts.Operator,
		disputeIndexEnabled: opts.DisputeIndexEnabled,
		receiptTimeout:      receiptTimeout,
		pollInterval:        pollInterval,
	}, nil
}

// CurrentBlockHeight returns the latest block number
func (c *Client) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, apperr.Transient("current block height", fmt.Errorf("failed to get block number: %w", err))
	}
	return block, nil
}

// QueryEscrow returns false when no escrow has been locked for the order yet.
func (c *Client) QueryEscrow(ctx context.Context, orderID uint64) (Escrow, bool, error) {
	values, err := c.callEscrow(ctx, "escrows", new(big.Int).SetUint64(orderID))
	if err != nil {
		return Escrow{}, false, apperr.Transient("query escrow", err)
	}

	status, ok := values[0].(uint8)
	if !ok {
		return Escrow{}, false, apperr.Transient("query escrow", fmt.Errorf("unexpected status type %T", values[0]))
	}
	lockedAt, ok := values[1].(uint64)
	if !ok {
		return Escrow{}, false, apperr.Transient("query escrow", fmt.Errorf("unexpected lockedAt type %T", values[1]))
	}

	escrow := Escrow{OrderID: orderID, Status: EscrowStatus(status), LockedAt: lockedAt}
	if escrow.Status == EscrowNone {
		return escrow, false, nil
	}
	return escrow, true, nil
}

// ActiveDispute reports whether a non-resolved dispute exists for the order.
// Every failure is an UncertainOracle error; callers must not treat it as "no dispute".
func (c *Client) ActiveDispute(ctx context.Context, orderID uint64) (bool, error) {
	if c.disputeIndexEnabled {
		return c.activeDisputeIndexed(ctx, orderID)
	}
	return c.activeDisputeScan(ctx, orderID)
}

func (c *Client) activeDisputeIndexed(ctx context.Context, orderID uint64) (bool, error) {
	values, err := c.callEscrow(ctx, "disputeOf", new(big.Int).SetUint64(orderID))
	if err != nil {
		return false, apperr.UncertainOracle("dispute lookup", err)
	}

	exists, ok := values[0].(bool)
	if !ok {
		return false, apperr.UncertainOracle("dispute lookup", fmt.Errorf("unexpected exists type %T", values[0]))
	}
	status, ok := values[1].(uint8)
	if !ok {
		return false, apperr.UncertainOracle("dispute lookup", fmt.Errorf("unexpected status type %T", values[1]))
	}

	if !exists {
		return false, nil
	}
	return Dispute{OrderID: orderID, Status: DisputeStatus(status)}.Active(), nil
}

func (c *Client) activeDisputeScan(ctx context.Context, orderID uint64) (bool, error) {
	disputes, err := c.ListDisputes(ctx)
	if err != nil {
		return false, apperr.UncertainOracle("dispute scan", err)
	}
	for _, d := range disputes {
		if d.OrderID == orderID && d.Active() {
			return true, nil
		}
	}
	return false, nil
}

// ListDisputes iterates every dispute entry on the escrow contract.
func (c *Client) ListDisputes(ctx context.Context) ([]Dispute, error) {
	values, err := c.callEscrow(ctx, "disputeCount")
	if err != nil {
		return nil, err
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected dispute count type %T", values[0])
	}
	if !count.IsUint64() {
		return nil, fmt.Errorf("dispute count out of range: %s", count)
	}

	n := count.Uint64()
	disputes := make([]Dispute, 0, n)
	for i := uint64(0); i < n; i++ {
		entry, err := c.callEscrow(ctx, "disputeAt", new(big.Int).SetUint64(i))
		if err != nil {
			return nil, fmt.Errorf("failed to read dispute %d: %w", i, err)
		}
		id, ok := entry[0].(*big.Int)
		if !ok || !id.IsUint64() {
			return nil, fmt.Errorf("invalid order id in dispute %d", i)
		}
		status, ok := entry[1].(uint8)
		if !ok {
			return nil, fmt.Errorf("unexpected status type %T in dispute %d", entry[1], i)
		}
		disputes = append(disputes, Dispute{OrderID: id.Uint64(), Status: DisputeStatus(status)})
	}
	return disputes, nil
}

func (c *Client) callEscrow(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.escrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.escrowAddress, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	values, err := c.escrowABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}
