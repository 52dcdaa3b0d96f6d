package solana

import (
	"context"
	"errors"
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/ledger"
)

// Config describes how to construct a Solana node client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// ConfirmPollInterval controls how often confirmation polls the node.
	ConfirmPollInterval time.Duration
}

// Client implements the ledger.Client interface against a Solana RPC node.
type Client struct {
	name         string
	notes        string
	rpcClient    *rpc.Client
	pollInterval time.Duration
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// client.
func NewClient(cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	interval := cfg.ConfirmPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		rpcClient:    rpc.New(rpcURL),
		pollInterval: interval,
	}, nil
}

// Name returns the configured network name, used for display only.
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() error {
	if c == nil || c.rpcClient == nil {
		return nil
	}
	err := c.rpcClient.Close()
	c.rpcClient = nil
	return err
}

// GetBalance reads one account's lamport balance at confirmed commitment.
func (c *Client) GetBalance(ctx context.Context, addr sol.PublicKey) (uint64, error) {
	if c == nil || c.rpcClient == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端未初始化")
	}
	out, err := c.rpcClient.GetBalance(ctx, addr, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNodeUnavailable, err, "查询余额失败")
	}
	if out == nil {
		return 0, xerrors.New(xerrors.CodeNodeUnavailable, "节点返回空余额响应")
	}
	return out.Value, nil
}

// GetMultipleBalances reads balances for all addresses with one combined
// request. Accounts the node does not know about report zero lamports.
func (c *Client) GetMultipleBalances(ctx context.Context, addrs []sol.PublicKey) ([]uint64, error) {
	if c == nil || c.rpcClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端未初始化")
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	out, err := c.rpcClient.GetMultipleAccounts(ctx, addrs...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNodeUnavailable, err, "批量查询账户失败")
	}
	if out == nil || len(out.Value) != len(addrs) {
		return nil, xerrors.New(xerrors.CodeNodeUnavailable, "节点返回的账户数量与请求不一致")
	}
	balances := make([]uint64, len(addrs))
	for i, account := range out.Value {
		if account == nil {
			continue
		}
		balances[i] = account.Lamports
	}
	return balances, nil
}

// SendRawTransaction broadcasts a signed transaction. The broadcast
// happens exactly once; retrying is a caller decision.
func (c *Client) SendRawTransaction(ctx context.Context, payload []byte, opts ledger.BroadcastOpts) (sol.Signature, error) {
	if c == nil || c.rpcClient == nil {
		return sol.Signature{}, xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端未初始化")
	}
	if len(payload) == 0 {
		return sol.Signature{}, xerrors.New(xerrors.CodeInvalidInput, "交易负载不能为空")
	}
	maxRetries := opts.MaxRetries
	sig, err := c.rpcClient.SendRawTransactionWithOpts(ctx, payload, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: toCommitment(opts.PreflightCommitment),
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		return sol.Signature{}, xerrors.Wrap(xerrors.CodeNodeUnavailable, err, "广播交易失败")
	}
	return sig, nil
}

// ConfirmTransaction polls signature status until the transaction
// settles or the validity window elapses. A settled transaction that
// failed on chain is reported through ExecutionErr with a nil error, so
// the caller can distinguish rejection from an unknown outcome.
func (c *Client) ConfirmTransaction(ctx context.Context, sig sol.Signature, window ledger.ValidityWindow) (ledger.ConfirmationResult, error) {
	if c == nil || c.rpcClient == nil {
		return ledger.ConfirmationResult{}, xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端未初始化")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		statuses, err := c.rpcClient.GetSignatureStatuses(ctx, false, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return ledger.ConfirmationResult{
					Signature:    sig,
					Confirmed:    false,
					Slot:         status.Slot,
					ExecutionErr: status.Err,
				}, nil
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return ledger.ConfirmationResult{
					Signature: sig,
					Confirmed: true,
					Slot:      status.Slot,
				}, nil
			}
		}
		// 状态查询失败时不立即放弃：节点可能只是暂时不可达，
		// 有效窗口未过期前继续轮询。
		height, heightErr := c.rpcClient.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
		if heightErr == nil && height > window.LastValidBlockHeight {
			return ledger.ConfirmationResult{Signature: sig}, ledger.ErrBlockheightExceeded
		}

		select {
		case <-ctx.Done():
			return ledger.ConfirmationResult{Signature: sig}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认被取消")
		case <-ticker.C:
		}
	}
}

// BlockHeight reads the node's current block height.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	if c == nil || c.rpcClient == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端未初始化")
	}
	height, err := c.rpcClient.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNodeUnavailable, err, "查询区块高度失败")
	}
	return height, nil
}

// LatestValidityWindow fetches a fresh blockhash and its expiry height.
func (c *Client) LatestValidityWindow(ctx context.Context) (ledger.ValidityWindow, error) {
	if c == nil || c.rpcClient == nil {
		return ledger.ValidityWindow{}, xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端未初始化")
	}
	out, err := c.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return ledger.ValidityWindow{}, xerrors.Wrap(xerrors.CodeNodeUnavailable, err, "获取最新 blockhash 失败")
	}
	if out == nil || out.Value == nil {
		return ledger.ValidityWindow{}, xerrors.New(xerrors.CodeNodeUnavailable, "节点返回空 blockhash 响应")
	}
	return ledger.ValidityWindow{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func toCommitment(commitment ledger.Commitment) rpc.CommitmentType {
	switch commitment {
	case ledger.CommitmentProcessed:
		return rpc.CommitmentProcessed
	case ledger.CommitmentFinalized:
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

var _ ledger.Client = (*Client)(nil)
