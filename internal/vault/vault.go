package vault

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// LamportsPerUnit 是链上最小单位与展示单位之间的换算系数。
const LamportsPerUnit uint64 = 1_000_000_000

// VaultIdentity 汇总了一个金库的确定性身份。VaultAddress 与
// CustodyAddress 永远由 (Owner, Nonce) 推导而来，不单独存储。
type VaultIdentity struct {
	Owner          solana.PublicKey `json:"owner"`
	Nonce          uint64           `json:"nonce"`
	VaultAddress   solana.PublicKey `json:"vault_address"`
	VaultBump      uint8            `json:"vault_bump"`
	CustodyAddress solana.PublicKey `json:"custody_address"`
	CustodyBump    uint8            `json:"custody_bump"`
}

// Identity 由所有者与 nonce 推导出完整的金库身份。
func (d *Deriver) Identity(owner solana.PublicKey, nonce uint64) (VaultIdentity, error) {
	vaultAddr, vaultBump, err := d.VaultAddress(owner, nonce)
	if err != nil {
		return VaultIdentity{}, err
	}
	custodyAddr, custodyBump, err := d.CustodyAddress(vaultAddr)
	if err != nil {
		return VaultIdentity{}, err
	}
	return VaultIdentity{
		Owner:          owner,
		Nonce:          nonce,
		VaultAddress:   vaultAddr,
		VaultBump:      vaultBump,
		CustodyAddress: custodyAddr,
		CustodyBump:    custodyBump,
	}, nil
}

// NewVaultNonce 生成推荐的金库 nonce：高 32 位取当前秒级时间戳，
// 低 32 位取随机数，保证同一所有者可以创建任意数量互不冲突的金库。
func NewVaultNonce() uint64 {
	var random [4]byte
	_, _ = rand.Read(random[:])
	return uint64(time.Now().Unix())<<32 | uint64(binary.BigEndian.Uint32(random[:]))
}

// ReasonCode 标识覆写请求触碰了哪条护栏。
type ReasonCode string

const (
	ReasonDailyLimitExceeded ReasonCode = "daily_limit_exceeded"
	ReasonNotWhitelisted     ReasonCode = "destination_not_whitelisted"
	ReasonVaultPaused        ReasonCode = "vault_paused"
	ReasonManual             ReasonCode = "manual"
)

// IsValidReason 检查给定的覆写原因是否为支持的枚举值。
func IsValidReason(reason ReasonCode) bool {
	switch reason {
	case ReasonDailyLimitExceeded, ReasonNotWhitelisted, ReasonVaultPaused, ReasonManual:
		return true
	default:
		return false
	}
}

// OverrideRequest 描述一次需要人工批准的例外支出。构造后不可变。
type OverrideRequest struct {
	Vault          solana.PublicKey `json:"vault"`
	Destination    solana.PublicKey `json:"destination"`
	AmountLamports uint64           `json:"amount_lamports"`
	Reason         ReasonCode       `json:"reason"`
	RequestedBy    solana.PublicKey `json:"requested_by"`
}

// Validate 在提交前校验请求内容。校验失败视为调用方缺陷。
func (r OverrideRequest) Validate() error {
	if r.Vault.IsZero() {
		return xerrors.New(xerrors.CodeInvalidInput, "金库地址不能为空")
	}
	if r.Destination.IsZero() {
		return xerrors.New(xerrors.CodeInvalidInput, "目标地址不能为空")
	}
	if r.AmountLamports == 0 {
		return xerrors.New(xerrors.CodeInvalidInput, "覆写金额必须大于零")
	}
	if !IsValidReason(r.Reason) {
		return xerrors.New(xerrors.CodeInvalidInput, "未知的覆写原因")
	}
	if r.RequestedBy.IsZero() {
		return xerrors.New(xerrors.CodeInvalidInput, "签名者公钥不能为空")
	}
	return nil
}

// ParseOverrideRequest 从外部输入构造覆写请求，所有地址均为 base58 字符串。
func ParseOverrideRequest(vaultAddr, destination string, amountLamports uint64, reason, requestedBy string) (OverrideRequest, error) {
	vaultKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(vaultAddr))
	if err != nil {
		return OverrideRequest{}, xerrors.Wrap(xerrors.CodeInvalidInput, err, "金库地址格式非法")
	}
	destKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(destination))
	if err != nil {
		return OverrideRequest{}, xerrors.Wrap(xerrors.CodeInvalidInput, err, "目标地址格式非法")
	}
	signerKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(requestedBy))
	if err != nil {
		return OverrideRequest{}, xerrors.Wrap(xerrors.CodeInvalidInput, err, "签名者公钥格式非法")
	}
	req := OverrideRequest{
		Vault:          vaultKey,
		Destination:    destKey,
		AmountLamports: amountLamports,
		Reason:         ReasonCode(strings.TrimSpace(reason)),
		RequestedBy:    signerKey,
	}
	if err := req.Validate(); err != nil {
		return OverrideRequest{}, err
	}
	return req, nil
}
