package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamer-network/payment-channel/pkg/payments"
	"github.com/streamer-network/payment-channel/paychan"
	"github.com/streamer-network/payment-channel/paychan/db"
)

type Channel struct {
	Address                   string        `json:"address"`
	LatestSignature           *string       `json:"latestSignature"`
	UpdatedBalance            string        `json:"updatedBalance"`
	IsChannelChallenged       bool          `json:"isChannelChallenged"`
	IsChannelDefunded         bool          `json:"isChannelDefunded"`
	ChallengedAt              int64         `json:"challengedAt"`
	Stage                     paychan.Stage `json:"stage"`
	RemainingChallengeSeconds *int64        `json:"remainingChallengeSeconds,omitempty"`
	CreatedAt                 time.Time     `json:"createdAt"`
	UpdatedAt                 time.Time     `json:"updatedAt"`
}

type Status struct {
	IsChannelChallenged       bool          `json:"isChannelChallenged"`
	IsChannelDefunded         bool          `json:"isChannelDefunded"`
	ChallengedAt              int64         `json:"challengedAt"`
	Stage                     paychan.Stage `json:"stage"`
	RemainingChallengeSeconds *int64        `json:"remainingChallengeSeconds,omitempty"`
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	ch, err := s.svc.GetChannel(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeResp(w, s.convertChannel(ch))
}

func (s *Server) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	list, err := s.svc.ListChannels(r.Context())
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	res := make([]Channel, 0, len(list))
	for _, ch := range list {
		res = append(res, s.convertChannel(ch))
	}
	writeResp(w, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		balance, err := s.svc.CurrentBalance(r.Context(), r.URL.Query().Get("address"))
		if err != nil {
			writeServiceErr(w, err)
			return
		}
		if balance == nil {
			writeErr(w, 404, "channel is not opened")
			return
		}

		writeResp(w, struct {
			UpdatedBalance string `json:"updatedBalance"`
		}{balance.String()})
	case "PUT":
		var req struct {
			Address        string `json:"address"`
			UpdatedBalance string `json:"updatedBalance"`
			Signature      string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, 400, "incorrect request body: "+err.Error())
			return
		}

		balance, err := parseBalance(req.UpdatedBalance)
		if err != nil {
			writeServiceErr(w, err)
			return
		}

		var sig []byte
		if req.Signature != "" {
			if sig, err = payments.ParseSignatureHex(req.Signature); err != nil {
				writeServiceErr(w, err)
				return
			}
		}

		if err = s.svc.UpdateBalance(r.Context(), req.Address, balance, sig); err != nil {
			writeServiceErr(w, err)
			return
		}
		writeSuccess(w)
	default:
		writeErr(w, 400, "incorrect request method")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		ch, err := s.svc.GetChannel(r.Context(), r.URL.Query().Get("address"))
		if err != nil {
			writeServiceErr(w, err)
			return
		}

		c := s.convertChannel(ch)
		writeResp(w, Status{
			IsChannelChallenged:       c.IsChannelChallenged,
			IsChannelDefunded:         c.IsChannelDefunded,
			ChallengedAt:              c.ChallengedAt,
			Stage:                     c.Stage,
			RemainingChallengeSeconds: c.RemainingChallengeSeconds,
		})
	case "PUT":
		var req struct {
			Address string `json:"address"`
			db.StatusUpdate
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, 400, "incorrect request body: "+err.Error())
			return
		}

		if err := s.svc.UpdateStatus(r.Context(), req.Address, req.StatusUpdate); err != nil {
			writeServiceErr(w, err)
			return
		}
		writeSuccess(w)
	default:
		writeErr(w, 400, "incorrect request method")
	}
}

type signedBalanceRequest struct {
	Address        string `json:"address"`
	UpdatedBalance string `json:"updatedBalance"`
	Signature      string `json:"signature"`
}

func (req signedBalanceRequest) attestation() (*payments.BalanceAttestation, error) {
	balance, err := parseBalance(req.UpdatedBalance)
	if err != nil {
		return nil, err
	}

	sig, err := payments.ParseSignatureHex(req.Signature)
	if err != nil {
		return nil, err
	}

	return &payments.BalanceAttestation{
		UpdatedBalance: balance,
		Signature:      sig,
	}, nil
}

func (s *Server) handleSignatureCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	var req signedBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, 400, "incorrect request body: "+err.Error())
		return
	}

	att, err := req.attestation()
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	ch, err := s.svc.CreateSignatureRecord(r.Context(), req.Address, att)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeResp(w, s.convertChannel(ch))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	var req signedBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, 400, "incorrect request body: "+err.Error())
		return
	}

	addr, err := db.NormalizeAddress(req.Address)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	att, err := req.attestation()
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	signer, err := att.RecoverSigner()
	res := struct {
		Valid  bool   `json:"valid"`
		Signer string `json:"signer,omitempty"`
	}{}
	if err == nil {
		res.Signer = signer.Hex()
		res.Valid = res.Signer == addr
	}
	writeResp(w, res)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	var req struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, 400, "incorrect request body: "+err.Error())
		return
	}

	amount, err := parseBalance(req.Amount)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	ch, err := s.svc.Fund(r.Context(), req.Address, amount)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeResp(w, s.convertChannel(ch))
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.svc.Challenge)
}

func (s *Server) handleDefund(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.svc.Defund)
}

// handleAction runs a lifecycle action and responds with the resulting status.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, addr string) error) {
	if r.Method != "POST" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, 400, "incorrect request body: "+err.Error())
		return
	}

	if err := action(r.Context(), req.Address); err != nil {
		writeServiceErr(w, err)
		return
	}

	ch, err := s.svc.GetChannel(r.Context(), req.Address)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeResp(w, s.convertChannel(ch))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, 400, "incorrect request body: "+err.Error())
		return
	}

	conf, err := s.svc.Withdraw(r.Context(), req.Address)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeResp(w, conf)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		writeErr(w, 400, "incorrect request method")
		return
	}

	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, 400, "incorrect request body: "+err.Error())
		return
	}

	changed, err := s.svc.Reconcile(r.Context(), req.Address)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeResp(w, struct {
		Changed bool `json:"changed"`
	}{changed})
}

func (s *Server) convertChannel(ch *db.ChannelRecord) Channel {
	stage, remaining, ok := s.svc.StageOf(ch)

	c := Channel{
		Address:             ch.Address,
		UpdatedBalance:      ch.UpdatedBalance,
		IsChannelChallenged: ch.IsChannelChallenged,
		IsChannelDefunded:   ch.IsChannelDefunded,
		ChallengedAt:        ch.ChallengedAt,
		Stage:               stage,
		CreatedAt:           ch.CreatedAt,
		UpdatedAt:           ch.UpdatedAt,
	}
	if ch.LatestSignature != "" {
		sig := ch.LatestSignature
		c.LatestSignature = &sig
	}
	if ok {
		c.RemainingChallengeSeconds = &remaining
	}
	return c
}

func (s *Server) PushChannelEvent(ctx context.Context, ch *db.ChannelRecord) error {
	res := s.convertChannel(ch)

	if err := s.queue.CreateTask(ctx, paychan.WebhooksTaskPool, "channel-event", "events",
		ch.Address+"-"+fmt.Sprint(ch.DBVersion),
		res, nil, nil,
	); err != nil {
		return fmt.Errorf("failed to create webhook task: %w", err)
	}

	s.touchWebhook()
	return nil
}
