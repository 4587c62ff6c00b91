package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/streamer-network/payment-channel/pkg/payments"
)

var ErrAlreadyExists = errors.New("already exists")
var ErrNotFound = errors.New("not found")
var ErrChannelDefunded = errors.New("channel is defunded")
var ErrInvalidAddress = errors.New("invalid address")

// ChannelRecord mirrors the on-chain channel of one payer, keyed by payer address.
type ChannelRecord struct {
	Address             string `json:"address"`
	LatestSignature     string `json:"latestSignature,omitempty"`
	UpdatedBalance      string `json:"updatedBalance"`
	IsChannelChallenged bool   `json:"isChannelChallenged"`
	IsChannelDefunded   bool   `json:"isChannelDefunded"`
	// ChallengedAt is unix seconds, only meaningful while challenged and not defunded.
	ChallengedAt int64 `json:"challengedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	DBVersion int64     `json:"dbVersion"`
}

// StatusUpdate is a partial status change, nil fields are left untouched.
type StatusUpdate struct {
	IsChannelChallenged *bool  `json:"isChannelChallenged,omitempty"`
	IsChannelDefunded   *bool  `json:"isChannelDefunded,omitempty"`
	ChallengedAt        *int64 `json:"challengedAt,omitempty"`
}

func (u StatusUpdate) IsEmpty() bool {
	return u.IsChannelChallenged == nil && u.IsChannelDefunded == nil && u.ChallengedAt == nil
}

// onlyConfirmsDefund is true when update sets nothing but isChannelDefunded = true.
func (u StatusUpdate) onlyConfirmsDefund() bool {
	return u.IsChannelChallenged == nil && u.ChallengedAt == nil &&
		u.IsChannelDefunded != nil && *u.IsChannelDefunded
}

func (u StatusUpdate) apply(ch *ChannelRecord) {
	if u.IsChannelChallenged != nil {
		ch.IsChannelChallenged = *u.IsChannelChallenged
	}
	if u.IsChannelDefunded != nil {
		ch.IsChannelDefunded = *u.IsChannelDefunded
	}
	if u.ChallengedAt != nil {
		ch.ChallengedAt = *u.ChallengedAt
	}
}

func (ch *ChannelRecord) Balance() (*big.Int, error) {
	v, ok := new(big.Int).SetString(ch.UpdatedBalance, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("incorrect stored balance %q", ch.UpdatedBalance)
	}
	return v, nil
}

// Signature returns decoded latest signature, nil if payer has not signed anything yet.
func (ch *ChannelRecord) Signature() ([]byte, error) {
	if ch.LatestSignature == "" {
		return nil, nil
	}
	return payments.ParseSignatureHex(ch.LatestSignature)
}

// Attestation returns the latest stored attestation, nil when there is no signature.
func (ch *ChannelRecord) Attestation() (*payments.BalanceAttestation, error) {
	sig, err := ch.Signature()
	if err != nil || sig == nil {
		return nil, err
	}

	balance, err := ch.Balance()
	if err != nil {
		return nil, err
	}

	return &payments.BalanceAttestation{
		UpdatedBalance: balance,
		Signature:      sig,
	}, nil
}

// NormalizeAddress validates hex address and returns it in EIP-55 checksum form.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

type Task struct {
	ID             string
	Type           string
	Queue          string
	Data           json.RawMessage
	LockedTill     *time.Time
	ExecuteAfter   time.Time
	ReExecuteAfter *time.Time
	ExecuteTill    *time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
	LastError      string
}
