package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
	"github.com/streamer-network/payment-channel/paychan/db"
)

type Queue interface {
	CreateTask(ctx context.Context, poolName, typ, queue, id string, data any, executeAfter, executeTill *time.Time) error
	AcquireTask(ctx context.Context, poolName string) (*db.Task, error)
	RetryTask(ctx context.Context, task *db.Task, reason string, retryAt time.Time) error
	CompleteTask(ctx context.Context, poolName string, task *db.Task) error
}

type Service interface {
	GetChannel(ctx context.Context, addr string) (*db.ChannelRecord, error)
	ListChannels(ctx context.Context) ([]*db.ChannelRecord, error)
	StageOf(ch *db.ChannelRecord) (paychan.Stage, int64, bool)

	CurrentBalance(ctx context.Context, addr string) (*big.Int, error)
	UpdateBalance(ctx context.Context, addr string, balance *big.Int, signature []byte) error
	UpdateStatus(ctx context.Context, addr string, upd db.StatusUpdate) error
	CreateSignatureRecord(ctx context.Context, addr string, att *payments.BalanceAttestation) (*db.ChannelRecord, error)

	Fund(ctx context.Context, addr string, amount *big.Int) (*db.ChannelRecord, error)
	Challenge(ctx context.Context, addr string) error
	Defund(ctx context.Context, addr string) error
	Withdraw(ctx context.Context, addr string) (*paychan.Confirmation, error)
	Reconcile(ctx context.Context, addr string) (bool, error)
}

type Success struct {
	Success bool `json:"success"`
}

type Error struct {
	Error string `json:"error"`
}

type Server struct {
	svc            Service
	queue          Queue
	webhook        string
	webhookKey     []byte
	webhookSignal  chan bool
	srv            http.Server
	sender         http.Client
	apiCredentials *Credentials
}

type Credentials struct {
	Login    string
	Password string
}

func NewServer(addr, webhook string, webhookKey []byte, svc Service, queue Queue, credentials *Credentials) *Server {
	s := &Server{
		svc:           svc,
		queue:         queue,
		webhook:       webhook,
		webhookKey:    webhookKey,
		webhookSignal: make(chan bool, 1),
		sender: http.Client{
			Timeout: 10 * time.Second,
		},
		apiCredentials: credentials,
	}

	mx := http.NewServeMux()
	mx.HandleFunc("/api/v1/channel/balance", s.checkCredentials(s.handleBalance))
	mx.HandleFunc("/api/v1/channel/status", s.checkCredentials(s.handleStatus))
	mx.HandleFunc("/api/v1/channel/signature", s.checkCredentials(s.handleSignatureCreate))
	mx.HandleFunc("/api/v1/channel/verify", s.checkCredentials(s.handleVerify))
	mx.HandleFunc("/api/v1/channel/list", s.checkCredentials(s.handleChannelsList))
	mx.HandleFunc("/api/v1/channel/fund", s.checkCredentials(s.handleFund))
	mx.HandleFunc("/api/v1/channel/challenge", s.checkCredentials(s.handleChallenge))
	mx.HandleFunc("/api/v1/channel/defund", s.checkCredentials(s.handleDefund))
	mx.HandleFunc("/api/v1/channel/withdraw", s.checkCredentials(s.handleWithdraw))
	mx.HandleFunc("/api/v1/channel/reconcile", s.checkCredentials(s.handleReconcile))
	mx.HandleFunc("/api/v1/channel", s.checkCredentials(s.handleChannelGet))

	s.srv = http.Server{
		Addr:              addr,
		Handler:           withRequestID(mx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Msg("api request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkCredentials(handler func(w http.ResponseWriter, r *http.Request)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiCredentials != nil {
			login, password, ok := r.BasicAuth()
			if !ok {
				writeErr(w, 401, "unauthorized")
				return
			}

			if s.apiCredentials.Password != password || s.apiCredentials.Login != login {
				writeErr(w, 401, "unauthorized")
				return
			}
		}

		handler(w, r)
	}
}

func writeErr(w http.ResponseWriter, code int, text string) {
	data, _ := json.Marshal(Error{text})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// writeServiceErr maps service errors to http codes.
func writeServiceErr(w http.ResponseWriter, err error) {
	code := 500
	switch {
	case errors.Is(err, db.ErrNotFound):
		code = 404
	case errors.Is(err, db.ErrAlreadyExists),
		errors.Is(err, db.ErrChannelDefunded),
		errors.Is(err, paychan.ErrInvalidStage):
		code = 409
	case errors.Is(err, db.ErrInvalidAddress),
		errors.Is(err, payments.ErrMalformedSignature),
		errors.Is(err, payments.ErrInvalidBalance),
		errors.Is(err, paychan.ErrStaleBalance),
		errors.Is(err, paychan.ErrInsufficientBalance),
		errors.Is(err, paychan.ErrNoAttestation),
		errors.Is(err, paychan.ErrSignatureRequired),
		errors.Is(err, paychan.ErrInvalidStatus):
		code = 400
	case errors.Is(err, paychan.ErrLedgerTimeout):
		code = 504
	case errors.Is(err, paychan.ErrLedgerRejected):
		code = 502
	case errors.Is(err, payments.ErrInvalidSignature):
		code = 400
	}

	if code == 500 {
		log.Error().Err(err).Msg("api internal error")
	}
	writeErr(w, code, err.Error())
}

func writeResp(w http.ResponseWriter, obj any) {
	data, _ := json.Marshal(obj)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, _ = w.Write(data)
}

func writeSuccess(w http.ResponseWriter) {
	writeResp(w, Success{true})
}

func parseBalance(v string) (*big.Int, error) {
	b, ok := new(big.Int).SetString(v, 10)
	if !ok || b.Sign() < 0 {
		return nil, payments.ErrInvalidBalance
	}
	return b, nil
}
