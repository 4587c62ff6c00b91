package paychan

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan/config"
	"github.com/streamer-network/payment-channel/paychan/db"
)

const WebhooksTaskPool = "wp"

// Confirmation is returned by the ledger once a transaction is final.
type Confirmation struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// Ledger commits channel actions. Implementations block until confirmation,
// returning ErrLedgerRejected when the action definitely did not happen
// and ErrLedgerTimeout when the outcome is unknown.
type Ledger interface {
	LockFunds(ctx context.Context, payer common.Address, amount *big.Int) (*Confirmation, error)
	StartChallenge(ctx context.Context, payer common.Address) (*Confirmation, error)
	FinalizeDefund(ctx context.Context, payer common.Address) (*Confirmation, error)
	Withdraw(ctx context.Context, payee common.Address, att *payments.BalanceAttestation) (*Confirmation, error)
}

type LedgerChannel struct {
	Balance *big.Int
	// CanCloseAt is unix seconds when defund becomes possible, 0 when not challenged.
	CanCloseAt int64
	Defunded   bool
}

// LedgerView is implemented by ledgers able to report channel state, used for reconciliation.
type LedgerView interface {
	ChannelState(ctx context.Context, payer common.Address) (*LedgerChannel, error)
}

// Signer holds the payer key. SignDigest may block waiting for approval and must return when ctx is done.
type Signer interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

type Webhook interface {
	PushChannelEvent(ctx context.Context, ch *db.ChannelRecord) error
}

type DB interface {
	Transaction(ctx context.Context, f func(ctx context.Context) error) error

	CreateChannel(ctx context.Context, channel *db.ChannelRecord) error
	GetChannel(ctx context.Context, addr string) (*db.ChannelRecord, error)
	ListChannels(ctx context.Context) ([]*db.ChannelRecord, error)
	SetBalance(ctx context.Context, addr string, balance *big.Int, signature []byte) error
	SetUnsignedBalance(ctx context.Context, addr string, balance *big.Int) error
	SetStatus(ctx context.Context, addr string, upd db.StatusUpdate) error
	SetOnChannelUpdated(f func(ctx context.Context, ch *db.ChannelRecord, statusChanged bool))

	ListActiveTasks(ctx context.Context, poolName string) ([]*db.Task, error)
}

type Service struct {
	db      DB
	ledger  Ledger
	webhook Webhook

	// payee receives withdrawn funds
	payee common.Address
	cfg   config.ChannelConfig
	now   func() time.Time

	useMetrics bool

	globalCtx    context.Context
	globalCancel context.CancelFunc
}

func NewService(database DB, ledger Ledger, payee common.Address, cfg config.ChannelConfig, useMetrics bool) *Service {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	s := &Service{
		db:           database,
		ledger:       ledger,
		payee:        payee,
		cfg:          cfg,
		now:          time.Now,
		useMetrics:   useMetrics,
		globalCtx:    globalCtx,
		globalCancel: globalCancel,
	}
	s.db.SetOnChannelUpdated(s.channelCallback)
	return s
}

// SetClock replaces the wall clock used for challenge window arithmetic.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) SetWebhook(webhook Webhook) {
	s.webhook = webhook
}

func (s *Service) Payee() common.Address {
	return s.payee
}

func (s *Service) ChallengeWindow() time.Duration {
	return s.cfg.ChallengeWindow()
}

// Start reconciles stored channels with the ledger and runs monitors until Stop.
func (s *Service) Start() {
	ctx, cancel := context.WithTimeout(s.globalCtx, 5*time.Minute)
	if err := s.ReconcileAll(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
	}
	cancel()

	if s.useMetrics {
		go s.channelsMonitor()
		go s.taskMonitor()
	}
}

func (s *Service) Stop() {
	s.globalCancel()
}

// channelCallback is called inside the transaction that changed the record.
func (s *Service) channelCallback(ctx context.Context, ch *db.ChannelRecord, statusChanged bool) {
	if s.webhook == nil {
		return
	}

	if err := s.webhook.PushChannelEvent(ctx, ch); err != nil {
		log.Error().Err(err).Str("address", ch.Address).Msg("failed to push channel event")
	}
}
