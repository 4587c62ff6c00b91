package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamer-network/payment-channel/paychan"
	"github.com/streamer-network/payment-channel/paychan/chain"
	"github.com/streamer-network/payment-channel/paychan/config"
	"github.com/streamer-network/payment-channel/paychan/db"
	"github.com/streamer-network/payment-channel/paychan/db/leveldb"
)

func TestConsoleStopsAtEndOfInput(t *testing.T) {
	st, err := leveldb.NewMemoryDB()
	require.NoError(t, err)
	d := db.NewDB(st)
	t.Cleanup(d.Close)

	payee := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payer := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	cfg := config.DefaultChannelConfig()
	svc := paychan.NewService(d, chain.NewMemory(payee, cfg.ChallengeWindow()), payee, cfg, false)

	in := strings.NewReader("fund\n" + payer + "\n1000\nlist\nunknown\n")

	done := make(chan struct{})
	go func() {
		console(in, svc, time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console kept reading after input was closed")
	}

	ch, err := d.GetChannel(context.Background(), payer)
	require.NoError(t, err)
	assert.Equal(t, "1000", ch.UpdatedBalance)
}
