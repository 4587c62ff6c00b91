package paychan_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
	"github.com/streamer-network/payment-channel/paychan/chain"
	"github.com/streamer-network/payment-channel/paychan/config"
	"github.com/streamer-network/payment-channel/paychan/db"
	"github.com/streamer-network/payment-channel/paychan/db/leveldb"
	"github.com/streamer-network/payment-channel/paychan/wallet"
)

var payee = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = t
}

type env struct {
	svc    *paychan.Service
	db     *db.DB
	ledger *chain.Memory
	clock  *clock
	payer  *wallet.Wallet
}

func newEnv(t *testing.T, mod ...func(cfg *config.ChannelConfig)) *env {
	t.Helper()

	st, err := leveldb.NewMemoryDB()
	require.NoError(t, err)
	database := db.NewDB(st)
	t.Cleanup(database.Close)

	cfg := config.DefaultChannelConfig()
	for _, m := range mod {
		m(&cfg)
	}

	c := &clock{now: time.Unix(1_700_000_000, 0)}
	ledger := chain.NewMemory(payee, cfg.ChallengeWindow())
	ledger.SetClock(c.Now)

	svc := paychan.NewService(database, ledger, payee, cfg, false)
	svc.SetClock(c.Now)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &env{
		svc:    svc,
		db:     database,
		ledger: ledger,
		clock:  c,
		payer:  wallet.NewWallet(key, nil),
	}
}

func (e *env) addr() string {
	return e.payer.Address().Hex()
}

func TestEndToEndSpend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(1e16))
	require.NoError(t, err)

	current, err := e.svc.CurrentBalance(ctx, e.addr())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1e16), current)

	att, err := e.svc.AuthorizeSpend(ctx, current, big.NewInt(1e15), e.payer)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(9e15), att.UpdatedBalance)
	assert.Len(t, att.Signature, payments.SignatureSize)

	require.NoError(t, e.svc.RecordAttestation(ctx, e.addr(), att))

	current, err = e.svc.CurrentBalance(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(9e15), current)
	assert.True(t, e.svc.Verify(att, e.payer.Address()))

	conf, err := e.svc.Withdraw(ctx, e.addr())
	require.NoError(t, err)
	assert.NotEmpty(t, conf.TxHash)
	assert.Equal(t, big.NewInt(1e15), e.ledger.Earnings(payee))
}

func TestCurrentBalanceNoChannel(t *testing.T) {
	e := newEnv(t)

	balance, err := e.svc.CurrentBalance(context.Background(), e.addr())
	require.NoError(t, err)
	assert.Nil(t, balance)

	stage, err := e.svc.Stage(context.Background(), e.addr())
	require.NoError(t, err)
	assert.Equal(t, paychan.StageNoChannel, stage)
}

func TestAuthorizeSpendClamp(t *testing.T) {
	e := newEnv(t)

	att, err := e.svc.AuthorizeSpend(context.Background(), big.NewInt(1_000_000), big.NewInt(2_000_000), e.payer)
	require.NoError(t, err)
	assert.Zero(t, att.UpdatedBalance.Sign())

	signer, err := att.RecoverSigner()
	require.NoError(t, err)
	assert.Equal(t, e.payer.Address(), signer)
}

func TestAuthorizeSpendReject(t *testing.T) {
	e := newEnv(t, func(cfg *config.ChannelConfig) {
		cfg.ClampOverspend = false
	})

	_, err := e.svc.AuthorizeSpend(context.Background(), big.NewInt(1_000_000), big.NewInt(2_000_000), e.payer)
	assert.ErrorIs(t, err, paychan.ErrInsufficientBalance)

	att, err := e.svc.AuthorizeSpend(context.Background(), big.NewInt(1_000_000), big.NewInt(1_000_000), e.payer)
	require.NoError(t, err)
	assert.Zero(t, att.UpdatedBalance.Sign())
}

func TestAuthorizeSpendSigningRejected(t *testing.T) {
	e := newEnv(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	declining := wallet.NewWallet(key, func(ctx context.Context, digest []byte) error {
		return errors.New("declined")
	})

	_, err = e.svc.AuthorizeSpend(context.Background(), big.NewInt(10), big.NewInt(1), declining)
	assert.ErrorIs(t, err, paychan.ErrSigningRejected)
}

func TestAbandonedSigningStoresNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(1000))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	waiting := wallet.NewWallet(key, func(ctx context.Context, digest []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})

	spendCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = e.svc.Spend(spendCtx, e.addr(), big.NewInt(10), waiting)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ch, err := e.db.GetChannel(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, "1000", ch.UpdatedBalance)
	assert.Empty(t, ch.LatestSignature)
}

func TestRecordAttestationMonotonic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(1000))
	require.NoError(t, err)

	sign := func(balance int64) *payments.BalanceAttestation {
		att, err := e.svc.AuthorizeSpend(ctx, big.NewInt(balance), big.NewInt(0), e.payer)
		require.NoError(t, err)
		return att
	}

	var prev int64 = 1000
	for _, b := range []int64{900, 950, 900, 1001, 500, 700, 0, 1} {
		err := e.svc.RecordAttestation(ctx, e.addr(), sign(b))
		if b > prev {
			assert.ErrorIs(t, err, paychan.ErrStaleBalance, "balance %d", b)
		} else {
			require.NoError(t, err, "balance %d", b)
			prev = b
		}

		current, err := e.svc.CurrentBalance(ctx, e.addr())
		require.NoError(t, err)
		assert.EqualValues(t, prev, current.Int64())
	}
}

func TestRecordAttestationChecks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	att, err := e.svc.AuthorizeSpend(ctx, big.NewInt(10), big.NewInt(1), e.payer)
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.RecordAttestation(ctx, e.addr(), att), db.ErrNotFound)

	_, err = e.svc.Fund(ctx, e.addr(), big.NewInt(10))
	require.NoError(t, err)

	short := &payments.BalanceAttestation{UpdatedBalance: big.NewInt(5), Signature: att.Signature[:64]}
	assert.ErrorIs(t, e.svc.RecordAttestation(ctx, e.addr(), short), payments.ErrMalformedSignature)

	// signed by another key
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreign, err := e.svc.AuthorizeSpend(ctx, big.NewInt(10), big.NewInt(1), wallet.NewWallet(key, nil))
	require.NoError(t, err)
	assert.ErrorIs(t, e.svc.RecordAttestation(ctx, e.addr(), foreign), payments.ErrInvalidSignature)

	require.NoError(t, e.svc.RecordAttestation(ctx, e.addr(), att))
}

func TestRecordAttestationWithoutVerify(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *config.ChannelConfig) {
		cfg.VerifyOnRecord = false
	})

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(10))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreign, err := e.svc.AuthorizeSpend(ctx, big.NewInt(10), big.NewInt(1), wallet.NewWallet(key, nil))
	require.NoError(t, err)
	require.NoError(t, e.svc.RecordAttestation(ctx, e.addr(), foreign))

	// withdraw always verifies
	_, err = e.svc.Withdraw(ctx, e.addr())
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)
	assert.Zero(t, e.ledger.Earnings(payee).Sign())
}

func TestChallengeDefundScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	T := e.clock.Now()

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(1e16))
	require.NoError(t, err)
	_, err = e.svc.Spend(ctx, e.addr(), big.NewInt(1e15), e.payer)
	require.NoError(t, err)

	err = e.svc.Defund(ctx, e.addr())
	assert.ErrorIs(t, err, paychan.ErrInvalidStage)

	require.NoError(t, e.svc.Challenge(ctx, e.addr()))

	stage, err := e.svc.Stage(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, paychan.StageChallenged, stage)

	remaining, ok, err := e.svc.RemainingChallengeSeconds(ctx, e.addr())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 30, remaining)

	assert.ErrorIs(t, e.svc.Challenge(ctx, e.addr()), paychan.ErrInvalidStage)

	e.clock.Set(T.Add(10 * time.Second))
	assert.ErrorIs(t, e.svc.Defund(ctx, e.addr()), paychan.ErrInvalidStage)

	e.clock.Set(T.Add(30 * time.Second))
	remaining, ok, err = e.svc.RemainingChallengeSeconds(ctx, e.addr())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, remaining)

	stage, err = e.svc.Stage(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, paychan.StageReadyToDefund, stage)

	// balance updates still go through while challenged
	_, err = e.svc.Spend(ctx, e.addr(), big.NewInt(1e15), e.payer)
	require.NoError(t, err)

	require.NoError(t, e.svc.Defund(ctx, e.addr()))
	stage, err = e.svc.Stage(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, paychan.StageDefunded, stage)

	_, ok, err = e.svc.RemainingChallengeSeconds(ctx, e.addr())
	require.NoError(t, err)
	assert.False(t, ok)

	e.clock.Set(T.Add(31 * time.Second))
	require.NoError(t, e.svc.Defund(ctx, e.addr()))

	ch, err := e.db.GetChannel(ctx, e.addr())
	require.NoError(t, err)
	assert.True(t, ch.IsChannelDefunded)
	assert.Equal(t, "8000000000000000", ch.UpdatedBalance)

	// terminal
	_, err = e.svc.Spend(ctx, e.addr(), big.NewInt(1), e.payer)
	assert.ErrorIs(t, err, db.ErrChannelDefunded)
	_, err = e.svc.Withdraw(ctx, e.addr())
	assert.ErrorIs(t, err, db.ErrChannelDefunded)
	assert.ErrorIs(t, e.svc.Challenge(ctx, e.addr()), paychan.ErrInvalidStage)
}

func TestFundErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, "0x1234", big.NewInt(1))
	assert.ErrorIs(t, err, db.ErrInvalidAddress)

	_, err = e.svc.Fund(ctx, e.addr(), big.NewInt(0))
	assert.ErrorIs(t, err, payments.ErrInvalidBalance)

	_, err = e.svc.Fund(ctx, e.addr(), big.NewInt(10))
	require.NoError(t, err)

	_, err = e.svc.Fund(ctx, e.addr(), big.NewInt(10))
	assert.ErrorIs(t, err, db.ErrAlreadyExists)
}

func TestWithdrawWithoutAttestation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(10))
	require.NoError(t, err)

	_, err = e.svc.Withdraw(ctx, e.addr())
	assert.ErrorIs(t, err, paychan.ErrNoAttestation)
}

func TestCreateSignatureRecord(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	att, err := e.svc.AuthorizeSpend(ctx, big.NewInt(500), big.NewInt(100), e.payer)
	require.NoError(t, err)

	ch, err := e.svc.CreateSignatureRecord(ctx, e.addr(), att)
	require.NoError(t, err)
	assert.Equal(t, "400", ch.UpdatedBalance)
	assert.Equal(t, att.SignatureHex(), ch.LatestSignature)

	_, err = e.svc.CreateSignatureRecord(ctx, e.addr(), att)
	assert.ErrorIs(t, err, db.ErrAlreadyExists)

	att, err = e.svc.AuthorizeSpend(ctx, big.NewInt(400), big.NewInt(100), e.payer)
	require.NoError(t, err)
	require.NoError(t, e.svc.UpdateBalance(ctx, e.addr(), att.UpdatedBalance, att.Signature))

	ch, err = e.db.GetChannel(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, "300", ch.UpdatedBalance)
	assert.Equal(t, att.SignatureHex(), ch.LatestSignature)
}

func TestUnsignedBalanceUpdateRefused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(1e16))
	require.NoError(t, err)
	att, err := e.svc.Spend(ctx, e.addr(), big.NewInt(1e15), e.payer)
	require.NoError(t, err)

	err = e.svc.UpdateBalance(ctx, e.addr(), big.NewInt(8e15), nil)
	assert.ErrorIs(t, err, paychan.ErrSignatureRequired)

	ch, err := e.db.GetChannel(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, "9000000000000000", ch.UpdatedBalance)
	assert.Equal(t, att.SignatureHex(), ch.LatestSignature)

	// stored pair still redeems
	_, err = e.svc.Withdraw(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e15), e.ledger.Earnings(payee))
}

func TestUnsignedBalanceUpdateDropsSignature(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *config.ChannelConfig) {
		cfg.VerifyOnRecord = false
	})

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(1e16))
	require.NoError(t, err)
	_, err = e.svc.Spend(ctx, e.addr(), big.NewInt(1e15), e.payer)
	require.NoError(t, err)

	require.NoError(t, e.svc.UpdateBalance(ctx, e.addr(), big.NewInt(8e15), nil))
	assert.ErrorIs(t, e.svc.UpdateBalance(ctx, e.addr(), big.NewInt(8e15+1), nil), paychan.ErrStaleBalance)

	ch, err := e.db.GetChannel(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, "8000000000000000", ch.UpdatedBalance)
	assert.Empty(t, ch.LatestSignature)

	_, err = e.svc.Withdraw(ctx, e.addr())
	assert.ErrorIs(t, err, paychan.ErrNoAttestation)
	assert.NotErrorIs(t, err, payments.ErrInvalidSignature)
}

func TestUpdateStatusRequiresChallengeTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Fund(ctx, e.addr(), big.NewInt(10))
	require.NoError(t, err)

	challenged := true
	err = e.svc.UpdateStatus(ctx, e.addr(), db.StatusUpdate{IsChannelChallenged: &challenged})
	assert.ErrorIs(t, err, paychan.ErrInvalidStatus)

	stage, err := e.svc.Stage(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, paychan.StageFunded, stage)

	at := e.clock.Now().Unix()
	require.NoError(t, e.svc.UpdateStatus(ctx, e.addr(), db.StatusUpdate{IsChannelChallenged: &challenged, ChallengedAt: &at}))

	stage, err = e.svc.Stage(ctx, e.addr())
	require.NoError(t, err)
	assert.Equal(t, paychan.StageChallenged, stage)
}
