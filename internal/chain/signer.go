package chain

import (
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
)

// SignerID names one of the operational keys. Each maps to a distinct
// on-chain account with its own contract-side permissions.
type SignerID string

const (
	SignerAdmin      SignerID = "ADMIN"
	SignerVip        SignerID = "VIP_APPROVER"
	SignerRebalancer SignerID = "REBALANCER"
)

type account struct {
	id   SignerID
	key  *ecdsa.PrivateKey
	addr common.Address
}

type KeyringConfig struct {
	AdminKey      string // hex-encoded private keys; empty leaves the slot unconfigured
	VipKey        string
	RebalancerKey string
	MaxPerTx      *big.Int // base units
	MaxDaily      *big.Int // base units, per signer, UTC calendar day
}

// Keyring holds the signing keys and enforces the spend policy: a hard
// per-transaction cap and a per-signer daily budget. The daily window rolls
// at UTC midnight. Policy refusals are terminal; callers must not retry.
type Keyring struct {
	mu       sync.Mutex
	accounts map[SignerID]*account
	maxPerTx *big.Int
	maxDaily *big.Int

	day   string // UTC date of the current spend window
	spent map[SignerID]*big.Int
}

func NewKeyring(cfg KeyringConfig) (*Keyring, error) {
	k := &Keyring{
		accounts: make(map[SignerID]*account),
		maxPerTx: cfg.MaxPerTx,
		maxDaily: cfg.MaxDaily,
		spent:    make(map[SignerID]*big.Int),
	}

	for _, slot := range []struct {
		id  SignerID
		hex string
	}{
		{SignerAdmin, cfg.AdminKey},
		{SignerVip, cfg.VipKey},
		{SignerRebalancer, cfg.RebalancerKey},
	} {
		if slot.hex == "" {
			continue
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(slot.hex, "0x"))
		if err != nil {
			return nil, fault.Newf(fault.KindValidation, "chain.NewKeyring", "bad private key for %s: %v", slot.id, err)
		}
		k.accounts[slot.id] = &account{
			id:   slot.id,
			key:  key,
			addr: crypto.PubkeyToAddress(key.PublicKey),
		}
	}
	return k, nil
}

// Address returns the on-chain account for a signer, if configured.
func (k *Keyring) Address(id SignerID) (common.Address, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	acct, ok := k.accounts[id]
	if !ok {
		return common.Address{}, false
	}
	return acct.addr, true
}

// SignTx signs with the named key. The private key never leaves the keyring.
func (k *Keyring) SignTx(id SignerID, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k.mu.Lock()
	acct, ok := k.accounts[id]
	k.mu.Unlock()
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "chain.SignTx", "no key configured for signer %s", id)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), acct.key)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "chain.SignTx", err)
	}
	return signed, nil
}

// Authorize checks a prospective spend against the per-transaction cap and
// the signer's remaining daily budget. It does not record the spend; the
// sender commits it after a successful submission.
func (k *Keyring) Authorize(id SignerID, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.maxPerTx != nil && amount.Cmp(k.maxPerTx) > 0 {
		return fault.Newf(fault.KindValidation, "chain.Authorize",
			"rejected by signer policy: amount %s exceeds per-tx cap %s", amount, k.maxPerTx)
	}

	k.rollDay(now)
	if k.maxDaily != nil {
		total := new(big.Int).Add(k.spentLocked(id), amount)
		if total.Cmp(k.maxDaily) > 0 {
			return fault.Newf(fault.KindValidation, "chain.Authorize",
				"rejected by signer policy: %s daily budget exhausted (%s of %s spent)",
				id, k.spentLocked(id), k.maxDaily)
		}
	}
	return nil
}

// RecordSpend commits an amount against the signer's daily budget.
func (k *Keyring) RecordSpend(id SignerID, amount *big.Int, now time.Time) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rollDay(now)
	k.spentLocked(id).Add(k.spentLocked(id), amount)
}

// SpentToday reports the committed spend in the current UTC window.
func (k *Keyring) SpentToday(id SignerID, now time.Time) *big.Int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rollDay(now)
	return new(big.Int).Set(k.spentLocked(id))
}

// SpentTodayWhole is SpentToday truncated to whole tokens, for gauges.
func (k *Keyring) SpentTodayWhole(id SignerID, now time.Time) int64 {
	return fpmath.WholeUnits(k.SpentToday(id, now))
}

func (k *Keyring) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != k.day {
		k.day = day
		k.spent = make(map[SignerID]*big.Int)
	}
}

func (k *Keyring) spentLocked(id SignerID) *big.Int {
	s, ok := k.spent[id]
	if !ok {
		s = new(big.Int)
		k.spent[id] = s
	}
	return s
}
