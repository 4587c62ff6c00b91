package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/streamer-network/payment-channel/pkg/payments"
)

const StreamerABI = `[
	{"type":"function","name":"fundChannel","inputs":[],"outputs":[],"stateMutability":"payable"},
	{"type":"function","name":"challengeChannel","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"defundChannel","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"withdrawEarnings","inputs":[{"name":"voucher","type":"tuple","internalType":"struct Streamer.Voucher","components":[
		{"name":"updatedBalance","type":"uint256"},
		{"name":"sig","type":"tuple","internalType":"struct Streamer.Signature","components":[
			{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"},{"name":"v","type":"uint8"}
		]}
	]}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"balances","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"canCloseAt","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

var streamerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(StreamerABI))
	if err != nil {
		panic("incorrect streamer abi: " + err.Error())
	}
	return parsed
}()

type voucherSignature struct {
	R [32]byte
	S [32]byte
	V uint8
}

// voucher is the withdrawEarnings argument, field names follow the abi components.
type voucher struct {
	UpdatedBalance *big.Int
	Sig            voucherSignature
}

func toVoucher(att *payments.BalanceAttestation) (voucher, error) {
	sig, err := att.Split()
	if err != nil {
		return voucher{}, err
	}

	v := sig.V
	if v < 27 {
		// contract uses ecrecover which wants 27/28
		v += 27
	}

	return voucher{
		UpdatedBalance: att.UpdatedBalance,
		Sig: voucherSignature{
			R: sig.R,
			S: sig.S,
			V: v,
		},
	}, nil
}
