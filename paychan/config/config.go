package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	LedgerModeEVM    = "evm"
	LedgerModeMemory = "memory"
)

type ChannelConfig struct {
	// ChallengeWindowSeconds must match the dispute window enforced by the ledger.
	ChallengeWindowSeconds uint32
	// ClampOverspend makes spends above the balance settle at zero instead of failing.
	ClampOverspend               bool
	VerifyOnRecord               bool
	LedgerConfirmationTimeoutSec uint32
}

type LedgerConfig struct {
	Mode            string
	RPCURL          string
	ContractAddress string
	// PrivateKey is hex encoded secp256k1 key used to send ledger transactions.
	PrivateKey string
}

type Credentials struct {
	Login    string
	Password string
}

type Config struct {
	APIListenAddr                  string
	APICredentials                 *Credentials
	MetricsListenAddr              string
	DBPath                         string
	LogFile                        string
	WebhookURL                     string
	WebhooksSignatureHMACSHA256Key string
	Channel                        ChannelConfig
	Ledger                         LedgerConfig
}

func (c ChannelConfig) ChallengeWindow() time.Duration {
	return time.Duration(c.ChallengeWindowSeconds) * time.Second
}

func (c ChannelConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(c.LedgerConfirmationTimeoutSec) * time.Second
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		ChallengeWindowSeconds:       30,
		ClampOverspend:               true,
		VerifyOnRecord:               true,
		LedgerConfirmationTimeoutSec: 120,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Channel.ChallengeWindowSeconds == 0 {
		return errors.New("challenge window should be greater than zero")
	}
	if cfg.Channel.LedgerConfirmationTimeoutSec == 0 {
		return errors.New("ledger confirmation timeout should be greater than zero")
	}

	switch cfg.Ledger.Mode {
	case LedgerModeMemory:
	case LedgerModeEVM:
		if cfg.Ledger.RPCURL == "" {
			return errors.New("ledger rpc url is required in evm mode")
		}
		if !common.IsHexAddress(cfg.Ledger.ContractAddress) {
			return fmt.Errorf("incorrect ledger contract address %q", cfg.Ledger.ContractAddress)
		}
	default:
		return fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}

	if _, err := crypto.HexToECDSA(cfg.Ledger.PrivateKey); err != nil {
		return fmt.Errorf("incorrect ledger private key: %w", err)
	}

	if cfg.WebhooksSignatureHMACSHA256Key != "" {
		if _, err := base64.StdEncoding.DecodeString(cfg.WebhooksSignatureHMACSHA256Key); err != nil {
			return fmt.Errorf("incorrect webhook hmac key, should be base64: %w", err)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	_, err = os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(dir, os.ModePerm)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check directory: %w", err)
		}
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}

		whKey := make([]byte, 32)
		if _, err = rand.Read(whKey); err != nil {
			return nil, err
		}

		cfg := &Config{
			APIListenAddr:                  "127.0.0.1:8096",
			MetricsListenAddr:              "127.0.0.1:9096",
			DBPath:                         filepath.Join(dir, "db"),
			WebhooksSignatureHMACSHA256Key: base64.StdEncoding.EncodeToString(whKey),
			Channel:                        DefaultChannelConfig(),
			Ledger: LedgerConfig{
				Mode:       LedgerModeMemory,
				RPCURL:     "http://127.0.0.1:8545",
				PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
			},
		}

		err = SaveConfig(cfg, path)
		if err != nil {
			return nil, err
		}

		return cfg, nil
	} else if err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		cfg := &Config{Channel: DefaultChannelConfig()}
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}

	return nil, err
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return err
	}
	return nil
}
