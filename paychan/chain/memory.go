package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
)

type memoryChannel struct {
	balance    *big.Int
	canCloseAt int64
	defunded   bool
}

// Memory is an in-process ledger following the Streamer contract rules.
type Memory struct {
	owner  common.Address
	window time.Duration
	now    func() time.Time

	channels map[common.Address]*memoryChannel
	earnings map[common.Address]*big.Int
	block    uint64

	mx sync.Mutex
}

func NewMemory(owner common.Address, window time.Duration) *Memory {
	return &Memory{
		owner:    owner,
		window:   window,
		now:      time.Now,
		channels: map[common.Address]*memoryChannel{},
		earnings: map[common.Address]*big.Int{},
	}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.now = now
}

func (m *Memory) LockFunds(ctx context.Context, payer common.Address, amount *big.Int) (*paychan.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: nothing to lock", paychan.ErrLedgerRejected)
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if ch := m.channels[payer]; ch != nil && ch.balance.Sign() != 0 {
		return nil, fmt.Errorf("%w: channel of %s is already open", paychan.ErrLedgerRejected, payer.Hex())
	}

	m.channels[payer] = &memoryChannel{
		balance: new(big.Int).Set(amount),
	}
	return m.confirm("fund", payer), nil
}

func (m *Memory) StartChallenge(ctx context.Context, payer common.Address) (*paychan.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	ch := m.channels[payer]
	if ch == nil || ch.balance.Sign() == 0 {
		return nil, fmt.Errorf("%w: no open channel for %s", paychan.ErrLedgerRejected, payer.Hex())
	}
	if ch.canCloseAt != 0 {
		return nil, fmt.Errorf("%w: channel of %s is already challenged", paychan.ErrLedgerRejected, payer.Hex())
	}

	ch.canCloseAt = m.now().Add(m.window).Unix()
	return m.confirm("challenge", payer), nil
}

func (m *Memory) FinalizeDefund(ctx context.Context, payer common.Address) (*paychan.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	ch := m.channels[payer]
	switch {
	case ch == nil || ch.defunded:
		return nil, fmt.Errorf("%w: no open channel for %s", paychan.ErrLedgerRejected, payer.Hex())
	case ch.canCloseAt == 0:
		return nil, fmt.Errorf("%w: channel of %s is not challenged", paychan.ErrLedgerRejected, payer.Hex())
	case m.now().Unix() < ch.canCloseAt:
		return nil, fmt.Errorf("%w: challenge window of %s is not over", paychan.ErrLedgerRejected, payer.Hex())
	}

	// remaining funds go back to payer
	ch.balance = new(big.Int)
	ch.defunded = true
	return m.confirm("defund", payer), nil
}

func (m *Memory) Withdraw(ctx context.Context, payee common.Address, att *payments.BalanceAttestation) (*paychan.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if payee != m.owner {
		return nil, fmt.Errorf("%w: %s is not the channel owner", paychan.ErrLedgerRejected, payee.Hex())
	}

	payer, err := att.RecoverSigner()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paychan.ErrLedgerRejected, err)
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	ch := m.channels[payer]
	if ch == nil || ch.balance.Sign() == 0 {
		return nil, fmt.Errorf("%w: %w: no funds locked by signer %s", paychan.ErrLedgerRejected, payments.ErrInvalidSignature, payer.Hex())
	}

	if ch.balance.Cmp(att.UpdatedBalance) <= 0 {
		return nil, fmt.Errorf("%w: %w: locked %s, attested %s", paychan.ErrLedgerRejected, paychan.ErrStaleBalance, ch.balance, att.UpdatedBalance)
	}

	payment := new(big.Int).Sub(ch.balance, att.UpdatedBalance)
	ch.balance = new(big.Int).Set(att.UpdatedBalance)

	earned := m.earnings[payee]
	if earned == nil {
		earned = new(big.Int)
	}
	m.earnings[payee] = earned.Add(earned, payment)

	return m.confirm("withdraw", payer), nil
}

func (m *Memory) ChannelState(ctx context.Context, payer common.Address) (*paychan.LedgerChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	ch := m.channels[payer]
	if ch == nil {
		return &paychan.LedgerChannel{Balance: new(big.Int)}, nil
	}
	return &paychan.LedgerChannel{
		Balance:    new(big.Int).Set(ch.balance),
		CanCloseAt: ch.canCloseAt,
		Defunded:   ch.defunded,
	}, nil
}

// Earnings returns the total withdrawn to payee.
func (m *Memory) Earnings(payee common.Address) *big.Int {
	m.mx.Lock()
	defer m.mx.Unlock()

	if v := m.earnings[payee]; v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// must be called under lock
func (m *Memory) confirm(op string, payer common.Address) *paychan.Confirmation {
	m.block++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", op, payer.Hex(), m.block)))
	return &paychan.Confirmation{
		TxHash:      hash.Hex(),
		BlockNumber: m.block,
	}
}
