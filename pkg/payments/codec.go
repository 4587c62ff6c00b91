package payments

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

const (
	// BalanceSize is the width of an encoded balance, a solidity uint256.
	BalanceSize = 32
	// DigestSize is the width of a keccak256 digest.
	DigestSize = 32
	// SignatureSize is r (32) + s (32) + v (1).
	SignatureSize = 65
	// SignatureHexSize is the length of a 0x prefixed hex encoded signature.
	SignatureHexSize = 2 + SignatureSize*2
)

var ErrMalformedSignature = errors.New("malformed signature")
var ErrInvalidSignature = errors.New("invalid signature")
var ErrInvalidBalance = errors.New("invalid balance")

// Signature is a recoverable secp256k1 signature split into its parts.
type Signature struct {
	R [32]byte
	S [32]byte
	V uint8
}

// EncodeBalance packs balance as a 32 byte big-endian word,
// same as solidity abi.encodePacked(uint256).
func EncodeBalance(balance *big.Int) ([]byte, error) {
	if balance == nil || balance.Sign() < 0 || balance.BitLen() > BalanceSize*8 {
		return nil, ErrInvalidBalance
	}

	out := make([]byte, BalanceSize)
	balance.FillBytes(out)
	return out, nil
}

// Digest is keccak256 of encoded data.
func Digest(encoded []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(encoded)
	return h.Sum(nil)
}

// BalanceDigest is Digest(EncodeBalance(balance)), the value the payer signs.
func BalanceDigest(balance *big.Int) ([]byte, error) {
	encoded, err := EncodeBalance(balance)
	if err != nil {
		return nil, err
	}
	return Digest(encoded), nil
}

// MessageHash wraps digest into an EIP-191 personal message hash:
// keccak256("\x19Ethereum Signed Message:\n32" + digest).
// Wallets sign this hash and the contract recovers the signer from it.
func MessageHash(digest []byte) []byte {
	return accounts.TextHash(digest)
}

// SplitSignature parses a 65 byte signature, no cryptographic checks are done.
func SplitSignature(sig []byte) (Signature, error) {
	if len(sig) != SignatureSize {
		return Signature{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureSize, len(sig))
	}

	var s Signature
	copy(s.R[:], sig[:32])
	copy(s.S[:], sig[32:64])
	s.V = sig[64]
	return s, nil
}

// Bytes assembles signature back to r || s || v.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.V)
}

// IsWellFormedHex checks only prefix, length and alphabet.
func IsWellFormedHex(s string) bool {
	if len(s) != SignatureHexSize || !strings.HasPrefix(s, "0x") {
		return false
	}

	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseSignatureHex decodes 0x + 130 hex chars signature.
func ParseSignatureHex(s string) ([]byte, error) {
	if !IsWellFormedHex(s) {
		return nil, fmt.Errorf("%w: should be 0x prefixed %d hex chars", ErrMalformedSignature, SignatureSize*2)
	}

	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedSignature, err.Error())
	}
	return sig, nil
}

func FormatSignature(sig []byte) string {
	return hexutil.Encode(sig)
}
