package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
	"github.com/streamer-network/payment-channel/paychan/api"
	"github.com/streamer-network/payment-channel/paychan/chain"
	"github.com/streamer-network/payment-channel/paychan/config"
	"github.com/streamer-network/payment-channel/paychan/db"
	"github.com/streamer-network/payment-channel/paychan/db/leveldb"
	"github.com/streamer-network/payment-channel/paychan/metrics"
	"github.com/streamer-network/payment-channel/paychan/wallet"
)

var ConfigPath = flag.String("config", "payment-channel/config.json", "config file path, generated when missing")
var Debug = flag.Bool("debug", false, "debug logs")
var LogFile = flag.String("log-file", "", "rotating log file, overrides config")
var Dev = flag.Bool("dev", false, "use in-memory ledger regardless of config")
var Console = flag.Bool("console", true, "read operator commands from stdin")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*ConfigPath)
	if err != nil {
		log.Setup(*Debug, nil)
		log.Fatal().Err(err).Str("path", *ConfigPath).Msg("failed to load config")
		return
	}

	logFile := cfg.LogFile
	if *LogFile != "" {
		logFile = *LogFile
	}
	closer := log.Setup(*Debug, &log.FileConfig{
		Path:       logFile,
		MaxSizeMB:  512,
		MaxBackups: 16,
		MaxAgeDays: 30,
		Compress:   true,
	})
	defer closer.Close()

	if *Dev {
		cfg.Ledger.Mode = config.LedgerModeMemory
	}

	if err = cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
		return
	}

	key, err := crypto.HexToECDSA(cfg.Ledger.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse ledger private key")
		return
	}
	payee := crypto.PubkeyToAddress(key.PublicKey)

	ldb, freshDb, err := leveldb.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init leveldb")
		return
	}

	d := db.NewDB(ldb)
	defer d.Close()

	if freshDb {
		if err = d.SetMigrationVersion(context.Background(), len(db.Migrations)); err != nil {
			log.Fatal().Err(err).Msg("failed to set initial migration version")
			return
		}
	} else {
		if err = db.RunMigrations(d); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
			return
		}
	}

	var ledger paychan.Ledger
	switch cfg.Ledger.Mode {
	case config.LedgerModeEVM:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		st, err := chain.DialStreamer(ctx, cfg.Ledger.RPCURL, common.HexToAddress(cfg.Ledger.ContractAddress), key)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("rpc", cfg.Ledger.RPCURL).Msg("failed to connect to ledger")
			return
		}
		ledger = st
		log.Info().Str("contract", cfg.Ledger.ContractAddress).Str("payee", payee.Hex()).Msg("using evm ledger")
	default:
		ledger = chain.NewMemory(payee, cfg.Channel.ChallengeWindow())
		log.Warn().Str("payee", payee.Hex()).Msg("using in-memory ledger, funds are not real")
	}

	useMetrics := cfg.MetricsListenAddr != ""
	if useMetrics {
		metrics.RegisterMetrics("streamer")
		go func() {
			mx := http.NewServeMux()
			mx.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mx, ReadHeaderTimeout: 10 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	svc := paychan.NewService(d, ledger, payee, cfg.Channel, useMetrics)

	var creds *api.Credentials
	if cfg.APICredentials != nil {
		creds = &api.Credentials{Login: cfg.APICredentials.Login, Password: cfg.APICredentials.Password}
	}

	var hookKey []byte
	if cfg.WebhooksSignatureHMACSHA256Key != "" {
		if hookKey, err = base64.StdEncoding.DecodeString(cfg.WebhooksSignatureHMACSHA256Key); err != nil {
			log.Fatal().Err(err).Msg("invalid webhook signature key, should be base64")
			return
		}
	}

	srv := api.NewServer(cfg.APIListenAddr, cfg.WebhookURL, hookKey, svc, d, creds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WebhookURL != "" {
		svc.SetWebhook(srv)
		go srv.StartWebhooksSender(ctx)
	}

	go func() {
		log.Info().Str("addr", cfg.APIListenAddr).Msg("starting api server")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	svc.Start()
	defer svc.Stop()

	if *Console {
		go console(os.Stdin, svc, cfg.Channel.ConfirmationTimeout())
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown api server")
	}
}

// console serves operator commands until in is exhausted.
func console(in io.Reader, svc *paychan.Service, timeout time.Duration) {
	readAddr := func() string {
		println("Payer address:")
		var addr string
		fmt.Fscanln(in, &addr)
		return addr
	}

	readAmount := func() (*big.Int, bool) {
		println("Amount (wei):")
		var str string
		fmt.Fscanln(in, &str)

		amt, ok := new(big.Int).SetString(str, 10)
		if !ok || amt.Sign() < 0 {
			println("incorrect format of amount")
			return nil, false
		}
		return amt, true
	}

	for {
		var cmd string
		if _, err := fmt.Fscanln(in, &cmd); errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			log.Info().Msg("console input closed, operator commands disabled")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
		switch cmd {
		case "":
		case "list":
			list, err := svc.ListChannels(ctx)
			if err != nil {
				println("failed to list channels:", err.Error())
				break
			}
			for _, ch := range list {
				stage, remaining, _ := svc.StageOf(ch)
				fmt.Printf("%s balance=%s stage=%s remaining=%d\n", ch.Address, ch.UpdatedBalance, stage, remaining)
			}
		case "stage":
			addr := readAddr()
			stage, err := svc.Stage(ctx, addr)
			if err != nil {
				println("failed to get stage:", err.Error())
				break
			}
			println("STAGE:", stage.String())
		case "fund":
			addr := readAddr()
			amt, ok := readAmount()
			if !ok {
				break
			}
			if _, err := svc.Fund(ctx, addr, amt); err != nil {
				println("failed to fund channel:", err.Error())
				break
			}
			println("CHANNEL FUNDED")
		case "spend":
			println("Payer private key:")
			var strKey string
			fmt.Fscanln(in, &strKey)

			payer, err := wallet.FromHex(strKey, nil)
			if err != nil {
				println("incorrect payer key:", err.Error())
				break
			}

			amt, ok := readAmount()
			if !ok {
				break
			}

			att, err := svc.Spend(ctx, payer.Address().Hex(), amt, payer)
			if err != nil {
				println("failed to spend:", err.Error())
				break
			}
			println("SIGNED BALANCE:", att.UpdatedBalance.String(), payments.FormatSignature(att.Signature))
		case "challenge":
			if err := svc.Challenge(ctx, readAddr()); err != nil {
				println("failed to challenge:", err.Error())
				break
			}
			println("CHALLENGE STARTED, DEFUND AVAILABLE IN", svc.ChallengeWindow().String())
		case "defund":
			if err := svc.Defund(ctx, readAddr()); err != nil {
				println("failed to defund:", err.Error())
				break
			}
			println("CHANNEL DEFUNDED")
		case "withdraw":
			conf, err := svc.Withdraw(ctx, readAddr())
			if err != nil {
				println("failed to withdraw:", err.Error())
				break
			}
			println("WITHDRAWN IN TX:", conf.TxHash)
		case "reconcile":
			changed, err := svc.Reconcile(ctx, readAddr())
			if err != nil {
				println("failed to reconcile:", err.Error())
				break
			}
			println("RECONCILED, CHANGED:", changed)
		default:
			println("UNKNOWN COMMAND " + cmd)
		}
		cancel()
	}
}
