package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"giftescrow/internal/ledger"
)

// GenesisConfig models genesis.json: the fixed parameters of the ledger and
// the balances it starts from.
type GenesisConfig struct {
	Asset struct {
		Symbol   string `json:"symbol"`
		Decimals int32  `json:"decimals"`
	} `json:"asset"`
	Fee struct {
		RateBps   uint64 `json:"rateBps"`
		Recipient string `json:"recipient"`
	} `json:"fee"`
	Escrow struct {
		Address           string `json:"address"`
		RefundDelayBlocks uint64 `json:"refundDelayBlocks"`
	} `json:"escrow"`
	Chain struct {
		GenesisTime      time.Time `json:"genesisTime"`
		BlockTimeSeconds int       `json:"blockTimeSeconds"`
	} `json:"chain"`
	Faucet struct {
		MaxDeposit uint64 `json:"maxDeposit"`
	} `json:"faucet"`
	Allocations []Allocation `json:"allocations"`
}

type Allocation struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// AppConfig ties together genesis info and derived service values.
type AppConfig struct {
	Genesis GenesisConfig
	Service ServiceConfig
	Chain   ChainConfig
}

type ServiceConfig struct {
	AppEnv         string
	HTTPPort       int
	SigClockSkew   time.Duration
	JournalPath    string
	DatabaseURL    string
	ShutdownWindow time.Duration
}

type ChainConfig struct {
	RPCURL    string
	BlockTime time.Duration
}

const (
	defaultGenesisPath = "genesis.json"
	defaultRefundDelay = 2016 // 14 days of 10 minute blocks
)

// Load aggregates configuration from .env, disk and environment.
func Load() (*AppConfig, error) {
	_ = godotenv.Load(".env", ".env.local")

	genesisPath := envOr("GENESIS_PATH", defaultGenesisPath)
	genesis, err := loadGenesis(genesisPath)
	if err != nil {
		return nil, fmt.Errorf("load genesis: %w", err)
	}

	cfg := &AppConfig{
		Genesis: *genesis,
		Service: ServiceConfig{
			AppEnv:         envOr("APP_ENV", "development"),
			HTTPPort:       envOrInt("API_HTTP_PORT", 3000),
			SigClockSkew:   time.Duration(envOrInt("SIG_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			JournalPath:    envOr("JOURNAL_PATH", filepath.Join(os.TempDir(), "giftescrow-journal.db")),
			DatabaseURL:    envOr("DATABASE_URL", ""),
			ShutdownWindow: time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:    envOr("CHAIN_RPC_URL", ""),
			BlockTime: time.Duration(genesis.Chain.BlockTimeSeconds) * time.Second,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadGenesis(path string) (*GenesisConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg GenesisConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Escrow.RefundDelayBlocks == 0 {
		cfg.Escrow.RefundDelayBlocks = defaultRefundDelay
	}
	if cfg.Asset.Decimals == 0 {
		cfg.Asset.Decimals = 6
	}
	if cfg.Asset.Symbol == "" {
		cfg.Asset.Symbol = "STX"
	}
	return &cfg, nil
}

// Validate checks addresses and ranges that the ledger would otherwise reject at startup.
func (c *AppConfig) Validate() error {
	g := c.Genesis
	if !common.IsHexAddress(g.Escrow.Address) {
		return fmt.Errorf("escrow address %q is not a hex address", g.Escrow.Address)
	}
	if g.Fee.RateBps > ledger.BpsDenominator {
		return fmt.Errorf("fee rate %d bps exceeds %d", g.Fee.RateBps, ledger.BpsDenominator)
	}
	if g.Fee.RateBps > 0 && !common.IsHexAddress(g.Fee.Recipient) {
		return fmt.Errorf("fee recipient %q is not a hex address", g.Fee.Recipient)
	}
	for i, a := range g.Allocations {
		if !common.IsHexAddress(a.Address) {
			return fmt.Errorf("allocation %d: %q is not a hex address", i, a.Address)
		}
		if a.Amount == 0 {
			return fmt.Errorf("allocation %d: amount must be positive", i)
		}
	}
	if c.Chain.RPCURL == "" && c.Chain.BlockTime <= 0 {
		return errors.New("chain.blockTimeSeconds is required without CHAIN_RPC_URL")
	}
	return nil
}

// Ledger derives the ledger configuration.
func (c *AppConfig) Ledger() ledger.Config {
	cfg := ledger.Config{
		Escrow:      common.HexToAddress(c.Genesis.Escrow.Address),
		FeeRateBps:  c.Genesis.Fee.RateBps,
		RefundDelay: c.Genesis.Escrow.RefundDelayBlocks,
	}
	if c.Genesis.Fee.Recipient != "" {
		cfg.FeeRecipient = common.HexToAddress(c.Genesis.Fee.Recipient)
	}
	return cfg
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}
