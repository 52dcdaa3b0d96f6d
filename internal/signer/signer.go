// Package signer 抽象覆写交易的授权签名环节。签名者可能是本地密钥、
// 硬件钱包或远程审批流程；上层只关心签名成功、被拒绝或被取消。
package signer

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// ErrRejected 表示签名者审阅后明确拒绝了这笔交易。
var ErrRejected = errors.New("signer rejected the transaction")

// ErrCancelled 表示签名流程在完成前被放弃。
var ErrCancelled = errors.New("signing was cancelled")

// Signer 对交易追加授权签名。实现必须原地修改交易，不得广播。
type Signer interface {
	// PublicKey 返回签名者的公钥，用于构造交易与审计记录。
	PublicKey() solana.PublicKey
	// Sign 为交易追加签名。拒绝时返回 ErrRejected，中途放弃时返回
	// ErrCancelled，其余错误视为签名环节故障。
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// FuncSigner 用一个函数适配 Signer 接口，主要服务于测试与远程审批。
type FuncSigner struct {
	Key    solana.PublicKey
	SignFn func(ctx context.Context, tx *solana.Transaction) error
}

func (f FuncSigner) PublicKey() solana.PublicKey { return f.Key }

func (f FuncSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	if f.SignFn == nil {
		return ErrCancelled
	}
	return f.SignFn(ctx, tx)
}

// LocalSigner 持有一把本地私钥并直接完成签名，用于自动化环境。
type LocalSigner struct {
	key solana.PrivateKey
}

// NewLocalSigner 校验私钥并构造本地签名者。
func NewLocalSigner(key solana.PrivateKey) (*LocalSigner, error) {
	if len(key) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "本地签名者私钥不能为空")
	}
	return &LocalSigner{key: key}, nil
}

func (s *LocalSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *LocalSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "待签名交易不能为空")
	}
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "本地签名失败")
	}
	return nil
}
