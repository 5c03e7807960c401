package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Oracle struct {
	// ExpectedURLPrefix pins proofs to one upstream API. Proofs whose
	// request URL falls outside this prefix are rejected.
	ExpectedURLPrefix string
	MinLiquidity      int64 // USD 1e6 scale
	Attesters         int
	AttesterSeed      string
}

type Engine struct {
	MinCollateral           int64 // USD 1e6 scale
	MinLeverageBps          int64
	MaxLeverageBps          int64
	ProtocolFeeBps          int64
	LiquidationThresholdBps int64
	LiquidationRewardBps    int64
	MaxPositionSize         int64
	MaxOracleStaleness      time.Duration
}

type Node struct {
	DataDir     string
	APIAddr     string
	OwnerKeyHex string
}

type Keeper struct {
	NodeURL  string
	Interval time.Duration
	// Markets lists the Polymarket condition IDs the keeper fetches
	// each cycle. Comma-separated in env.
	Markets []string
}

type Config struct {
	Oracle Oracle
	Engine Engine
	Node   Node
	Keeper Keeper
}

func Default() Config {
	return Config{
		Oracle: Oracle{
			ExpectedURLPrefix: "https://gamma-api.polymarket.com/",
			MinLiquidity:      1_000 * 1_000_000,
			Attesters:         4,
			AttesterSeed:      "polyflux-devnet",
		},
		Engine: Engine{
			MinCollateral:           10 * 1_000_000,
			MinLeverageBps:          10_000,
			MaxLeverageBps:          50_000,
			ProtocolFeeBps:          10,
			LiquidationThresholdBps: 8_000,
			LiquidationRewardBps:    500,
			MaxPositionSize:         100_000_000 * 1_000_000,
			MaxOracleStaleness:      time.Hour,
		},
		Node: Node{
			DataDir: "data",
			APIAddr: ":8080",
		},
		Keeper: Keeper{
			NodeURL:  "http://localhost:8080",
			Interval: 30 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Oracle.ExpectedURLPrefix = getEnv("ORACLE_URL_PREFIX", cfg.Oracle.ExpectedURLPrefix)
	cfg.Oracle.AttesterSeed = getEnv("ORACLE_ATTESTER_SEED", cfg.Oracle.AttesterSeed)
	cfg.Oracle.MinLiquidity = getEnvInt64("ORACLE_MIN_LIQUIDITY", cfg.Oracle.MinLiquidity)
	if n := os.Getenv("ORACLE_ATTESTERS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			cfg.Oracle.Attesters = v
		}
	}

	cfg.Engine.MinCollateral = getEnvInt64("ENGINE_MIN_COLLATERAL", cfg.Engine.MinCollateral)
	cfg.Engine.MinLeverageBps = getEnvInt64("ENGINE_MIN_LEVERAGE_BPS", cfg.Engine.MinLeverageBps)
	cfg.Engine.MaxLeverageBps = getEnvInt64("ENGINE_MAX_LEVERAGE_BPS", cfg.Engine.MaxLeverageBps)
	cfg.Engine.ProtocolFeeBps = getEnvInt64("ENGINE_FEE_BPS", cfg.Engine.ProtocolFeeBps)
	cfg.Engine.LiquidationThresholdBps = getEnvInt64("ENGINE_LIQ_THRESHOLD_BPS", cfg.Engine.LiquidationThresholdBps)
	cfg.Engine.LiquidationRewardBps = getEnvInt64("ENGINE_LIQ_REWARD_BPS", cfg.Engine.LiquidationRewardBps)
	cfg.Engine.MaxPositionSize = getEnvInt64("ENGINE_MAX_POSITION_SIZE", cfg.Engine.MaxPositionSize)
	if stale := os.Getenv("ENGINE_MAX_STALENESS_SEC"); stale != "" {
		if sec, err := strconv.Atoi(stale); err == nil && sec > 0 {
			cfg.Engine.MaxOracleStaleness = time.Duration(sec) * time.Second
		}
	}

	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("NODE_API_ADDR", cfg.Node.APIAddr)
	cfg.Node.OwnerKeyHex = getEnv("NODE_OWNER_KEY", cfg.Node.OwnerKeyHex)

	cfg.Keeper.NodeURL = getEnv("KEEPER_NODE_URL", cfg.Keeper.NodeURL)
	if iv := os.Getenv("KEEPER_INTERVAL_MS"); iv != "" {
		if ms, err := strconv.Atoi(iv); err == nil && ms > 0 {
			cfg.Keeper.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if mkts := os.Getenv("KEEPER_MARKETS"); mkts != "" {
		for _, part := range strings.Split(mkts, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.Keeper.Markets = append(cfg.Keeper.Markets, part)
			}
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}
