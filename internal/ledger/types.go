package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrBlockheightExceeded reports that the ledger advanced past a
// transaction's validity window without observing the transaction. The
// outcome is unknown: the transaction may still have landed, so callers
// must treat this as "uncertain", never as a rejection.
var ErrBlockheightExceeded = errors.New("block height exceeded transaction validity window")

// ValidityWindow bounds how long a broadcast transaction stays eligible
// for inclusion.
type ValidityWindow struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"last_valid_block_height"`
}

// BroadcastOpts mirrors the node-side knobs for sendRawTransaction.
type BroadcastOpts struct {
	SkipPreflight       bool
	PreflightCommitment Commitment
	MaxRetries          uint
}

// Commitment names the settlement level a read or confirmation waits for.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ConfirmationResult carries the node's verdict for one signature.
// ExecutionErr holds the on-chain error payload verbatim when the
// transaction landed but failed; it is nil on success.
type ConfirmationResult struct {
	Signature    solana.Signature
	Confirmed    bool
	Slot         uint64
	ExecutionErr any
}

// Client defines the node operations the orchestrator and monitor rely
// on, so higher layers can be tested against fakes.
type Client interface {
	// GetBalance returns the lamport balance of one account.
	GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error)
	// GetMultipleBalances returns balances for every address in input
	// order using a single combined node request.
	GetMultipleBalances(ctx context.Context, addrs []solana.PublicKey) ([]uint64, error)
	// SendRawTransaction broadcasts a fully signed transaction exactly once.
	SendRawTransaction(ctx context.Context, payload []byte, opts BroadcastOpts) (solana.Signature, error)
	// ConfirmTransaction polls until the signature settles, the validity
	// window elapses (ErrBlockheightExceeded) or ctx is cancelled.
	ConfirmTransaction(ctx context.Context, sig solana.Signature, window ValidityWindow) (ConfirmationResult, error)
	// BlockHeight reads the node's current block height.
	BlockHeight(ctx context.Context) (uint64, error)
	// LatestValidityWindow fetches a fresh blockhash and its expiry height.
	LatestValidityWindow(ctx context.Context) (ValidityWindow, error)
	Close() error
}
