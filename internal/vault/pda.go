package vault

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
)

// 种子前缀必须与链上程序使用的字节完全一致，任何偏差都会让后续操作
// 指向错误账户。
const (
	seedVault          = "vault"
	seedVaultAuthority = "vault_authority"
	seedOverride       = "override"
	seedTreasury       = "treasury"
)

// Deriver 根据程序 ID 计算各类程序控制地址。纯函数，无状态、无 IO。
type Deriver struct {
	programID solana.PublicKey
}

// NewDeriver 创建 Deriver。程序 ID 来自配置，不允许为零值。
func NewDeriver(programID solana.PublicKey) (*Deriver, error) {
	if programID.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "程序 ID 不能为空")
	}
	return &Deriver{programID: programID}, nil
}

// ProgramID 返回推导使用的程序 ID。
func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// VaultAddress 计算金库记录地址。
// 种子为 "vault" ‖ owner(32) ‖ nonce(8, 小端)。
func (d *Deriver) VaultAddress(owner solana.PublicKey, nonce uint64) (solana.PublicKey, uint8, error) {
	if d == nil {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInitializationFailure, "Deriver 未初始化")
	}
	if owner.IsZero() {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInvalidInput, "owner 公钥不能为空")
	}
	seeds := [][]byte{
		[]byte(seedVault),
		owner.Bytes(),
		encodeU64LE(nonce),
	}
	addr, bump, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, xerrors.Wrap(xerrors.CodeInvalidInput, err, "推导金库地址失败")
	}
	return addr, bump, nil
}

// CustodyAddress 计算金库资金托管地址。
// 种子为 "vault_authority" ‖ vault(32)。
func (d *Deriver) CustodyAddress(vaultAddr solana.PublicKey) (solana.PublicKey, uint8, error) {
	if d == nil {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInitializationFailure, "Deriver 未初始化")
	}
	if vaultAddr.IsZero() {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInvalidInput, "金库地址不能为空")
	}
	seeds := [][]byte{
		[]byte(seedVaultAuthority),
		vaultAddr.Bytes(),
	}
	addr, bump, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, xerrors.Wrap(xerrors.CodeInvalidInput, err, "推导托管地址失败")
	}
	return addr, bump, nil
}

// PendingOverrideAddress 计算待审批覆写记录地址。
// 种子为 "override" ‖ vault(32) ‖ seq(8, 小端)。
func (d *Deriver) PendingOverrideAddress(vaultAddr solana.PublicKey, seq uint64) (solana.PublicKey, uint8, error) {
	if d == nil {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInitializationFailure, "Deriver 未初始化")
	}
	if vaultAddr.IsZero() {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInvalidInput, "金库地址不能为空")
	}
	seeds := [][]byte{
		[]byte(seedOverride),
		vaultAddr.Bytes(),
		encodeU64LE(seq),
	}
	addr, bump, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, xerrors.Wrap(xerrors.CodeInvalidInput, err, "推导覆写地址失败")
	}
	return addr, bump, nil
}

// TreasuryAddress 计算协议费用地址。全局单例，种子仅为 "treasury"。
func (d *Deriver) TreasuryAddress() (solana.PublicKey, uint8, error) {
	if d == nil {
		return solana.PublicKey{}, 0, xerrors.New(xerrors.CodeInitializationFailure, "Deriver 未初始化")
	}
	seeds := [][]byte{
		[]byte(seedTreasury),
	}
	addr, bump, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, xerrors.Wrap(xerrors.CodeInvalidInput, err, "推导费用地址失败")
	}
	return addr, bump, nil
}

func encodeU64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
