package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
)

// Backend is the part of ethclient.Client used by Streamer.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Streamer is a ledger backed by the Streamer contract. Its key acts as payer for
// fund, challenge and defund, and as payee (contract owner) for withdraw.
type Streamer struct {
	backend  Backend
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address

	PollInterval time.Duration

	// serializes nonce allocation
	sendMx sync.Mutex
}

func DialStreamer(ctx context.Context, rpcURL string, contract common.Address, key *ecdsa.PrivateKey) (*Streamer, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	return NewStreamer(client, chainID, contract, key), nil
}

func NewStreamer(backend Backend, chainID *big.Int, contract common.Address, key *ecdsa.PrivateKey) *Streamer {
	return &Streamer{
		backend:      backend,
		contract:     contract,
		chainID:      chainID,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		PollInterval: 2 * time.Second,
	}
}

func (s *Streamer) Address() common.Address {
	return s.from
}

func (s *Streamer) LockFunds(ctx context.Context, payer common.Address, amount *big.Int) (*paychan.Confirmation, error) {
	if err := s.checkActor(payer); err != nil {
		return nil, err
	}
	return s.transact(ctx, amount, "fundChannel")
}

func (s *Streamer) StartChallenge(ctx context.Context, payer common.Address) (*paychan.Confirmation, error) {
	if err := s.checkActor(payer); err != nil {
		return nil, err
	}
	return s.transact(ctx, nil, "challengeChannel")
}

func (s *Streamer) FinalizeDefund(ctx context.Context, payer common.Address) (*paychan.Confirmation, error) {
	if err := s.checkActor(payer); err != nil {
		return nil, err
	}
	return s.transact(ctx, nil, "defundChannel")
}

func (s *Streamer) Withdraw(ctx context.Context, payee common.Address, att *payments.BalanceAttestation) (*paychan.Confirmation, error) {
	if err := s.checkActor(payee); err != nil {
		return nil, err
	}

	v, err := toVoucher(att)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paychan.ErrLedgerRejected, err)
	}
	return s.transact(ctx, nil, "withdrawEarnings", v)
}

// ChannelState reads balances and canCloseAt of payer. The contract keeps no explicit
// closed flag, channel counts as defunded when its challenge has expired and nothing is locked.
func (s *Streamer) ChannelState(ctx context.Context, payer common.Address) (*paychan.LedgerChannel, error) {
	balance, err := s.callUint(ctx, "balances", payer)
	if err != nil {
		return nil, err
	}

	closeAt, err := s.callUint(ctx, "canCloseAt", payer)
	if err != nil {
		return nil, err
	}

	st := &paychan.LedgerChannel{
		Balance:    balance,
		CanCloseAt: closeAt.Int64(),
	}

	if st.CanCloseAt != 0 && balance.Sign() == 0 {
		head, err := s.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest header: %w", err)
		}
		st.Defunded = int64(head.Time) >= st.CanCloseAt
	}
	return st, nil
}

func (s *Streamer) checkActor(addr common.Address) error {
	if addr != s.from {
		return fmt.Errorf("%w: ledger key %s cannot act for %s", paychan.ErrLedgerRejected, s.from.Hex(), addr.Hex())
	}
	return nil
}

func (s *Streamer) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := streamerABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	res, err := s.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &s.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	out, err := streamerABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(out))
	}

	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}

func (s *Streamer) transact(ctx context.Context, value *big.Int, method string, args ...any) (*paychan.Confirmation, error) {
	if value == nil {
		value = new(big.Int)
	}

	tx, err := s.send(ctx, value, method, args...)
	if err != nil {
		if errors.Is(err, paychan.ErrLedgerTimeout) {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		// failed before broadcast, definitely did not happen
		return nil, fmt.Errorf("%w: %s: %w", paychan.ErrLedgerRejected, method, err)
	}

	log.Debug().Str("method", method).Str("tx", tx.Hash().Hex()).Msg("transaction sent, waiting for receipt")

	receipt, err := s.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted in tx %s", paychan.ErrLedgerRejected, method, tx.Hash().Hex())
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	return &paychan.Confirmation{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: block,
	}, nil
}

func (s *Streamer) send(ctx context.Context, value *big.Int, method string, args ...any) (*types.Transaction, error) {
	data, err := streamerABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack call: %w", err)
	}

	s.sendMx.Lock()
	defer s.sendMx.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	// estimation executes the call, so contract requirements fail here
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &s.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &s.contract,
		Value:    value,
		Data:     data,
	}), types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err = s.backend.SendTransaction(ctx, tx); err != nil {
		if ctx.Err() != nil {
			// node may have accepted it before we gave up
			return nil, fmt.Errorf("%w: tx %s: send interrupted: %w", paychan.ErrLedgerTimeout, tx.Hash().Hex(), err)
		}
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return tx, nil
}

func (s *Streamer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	tick := time.NewTicker(s.PollInterval)
	defer tick.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("tx", hash.Hex()).Msg("failed to get receipt, will retry")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: tx %s: %w", paychan.ErrLedgerTimeout, hash.Hex(), ctx.Err())
		case <-tick.C:
		}
	}
}
