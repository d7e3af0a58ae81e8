package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. Contract addresses, strategy
// percentages, and limits live here only; packages receive them through
// this struct instead of re-declaring constants.
type Config struct {
	AppName    string
	AppVersion string
	Port       string

	Environment    string
	AdminAPIToken  string
	AdminJWTSecret string

	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Payment provider webhook
	SquareWebhookSecret   string
	SquareNotificationURL string
	// Emergency escape hatch: process events despite a signature mismatch.
	// Such events are flagged severity=critical, never treated as valid.
	SquareSignatureBypass bool

	// Chain access. Reads go to the public RPC; transactions go to the
	// signer endpoint, a private node that holds the hub wallet key.
	ChainRPCURL        string
	SignerRPCURL       string
	SignerAuthToken    string
	ChainID            int64
	HubWalletAddress   string
	GasPriceCeilingWei int64
	RPCReadTimeout     time.Duration
	ConfirmTimeout     time.Duration

	// Contract addresses (Avalanche C-Chain)
	USDCAddress      string
	AaveAUSDCAddress string
	AavePoolAddress  string
	GMXRouterAddress string
	MorphoVaultA     string
	MorphoVaultB     string
	ERGCTokenAddress string
	TreasuryAddress  string

	// Strategy parameters
	GasTopUpWei        int64
	GMXLeverageX10     int64 // leverage multiplier times 10 (20 = 2.0x)
	GMXExecutionFeeWei int64
	ERGCFeeUnits       int64
	SplitVaultAPercent int
	SplitVaultBPercent int

	// Admission limits
	WebhookPerMinute     int
	PaymentLockTTL       time.Duration
	SignatureReplayTTL   time.Duration
	ProcessedTTL         time.Duration
	PendingOrderTTL      time.Duration
	HourlyCentsPerIP     int64
	DailyCentsPerIP      int64
	GlobalViolationLimit int
	TighteningFactor     float64
	FactorTightening     float64
	TighteningWindow     time.Duration

	// Queue / worker
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	JobMaxAttempts     int
	QueueDepthAlert    int64
	DeadLetterAlert    int64

	// Recovery
	RefundCooldown    time.Duration
	RecoveryInterval  time.Duration
	DiscrepancySample int
	DiscrepancyTolBps int64
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:        getenv("APP_SERVICE", "tiltvault-cloud"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Port:           getenv("PORT", "8080"),
		Environment:    environment,
		AdminAPIToken:  strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		AdminJWTSecret: strings.TrimSpace(getenv("ADMIN_JWT_SECRET", "")),

		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "tiltvault"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     10,
		DBMaxOpenConn:     100,
		DBConnMaxLifetime: 3600,
		DBConnMaxIdleTime: 60,

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SquareWebhookSecret:   strings.TrimSpace(getenv("SQUARE_WEBHOOK_SECRET", "")),
		SquareNotificationURL: strings.TrimSpace(getenv("SQUARE_NOTIFICATION_URL", "")),
		SquareSignatureBypass: getenvBool("SQUARE_SIGNATURE_BYPASS", false),

		ChainRPCURL:        getenv("CHAIN_RPC_URL", "https://api.avax.network/ext/bc/C/rpc"),
		SignerRPCURL:       getenv("SIGNER_RPC_URL", ""),
		SignerAuthToken:    strings.TrimSpace(getenv("SIGNER_AUTH_TOKEN", "")),
		ChainID:            getenvInt64("CHAIN_ID", 43114),
		HubWalletAddress:   strings.TrimSpace(getenv("HUB_WALLET_ADDRESS", "")),
		GasPriceCeilingWei: getenvInt64("GAS_PRICE_CEILING_WEI", 50_000_000_000),
		RPCReadTimeout:     time.Duration(getenvInt("RPC_READ_TIMEOUT_SECONDS", 10)) * time.Second,
		ConfirmTimeout:     time.Duration(getenvInt("CONFIRM_TIMEOUT_SECONDS", 120)) * time.Second,

		USDCAddress:      getenv("USDC_ADDRESS", "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"),
		AaveAUSDCAddress: getenv("AAVE_AUSDC_ADDRESS", "0x625E7708f30cA75bfd92586e17077590C60eb4cD"),
		AavePoolAddress:  getenv("AAVE_POOL_ADDRESS", "0x794a61358D6845594F94dc1DB02A252b5b4814aD"),
		GMXRouterAddress: getenv("GMX_ROUTER_ADDRESS", "0x7452c558d45f8afC8c83dAe62C3f8A5BE19c71f6"),
		MorphoVaultA:     getenv("MORPHO_VAULT_A", ""),
		MorphoVaultB:     getenv("MORPHO_VAULT_B", ""),
		ERGCTokenAddress: getenv("ERGC_TOKEN_ADDRESS", ""),
		TreasuryAddress:  getenv("TREASURY_ADDRESS", ""),

		GasTopUpWei:        getenvInt64("GAS_TOPUP_WEI", 5_000_000_000_000_000), // 0.005 AVAX
		GMXLeverageX10:     getenvInt64("GMX_LEVERAGE_X10", 20),
		GMXExecutionFeeWei: getenvInt64("GMX_EXECUTION_FEE_WEI", 1_000_000_000_000_000),
		ERGCFeeUnits:       getenvInt64("ERGC_FEE_UNITS", 100),
		SplitVaultAPercent: getenvInt("SPLIT_VAULT_A_PERCENT", 50),
		SplitVaultBPercent: getenvInt("SPLIT_VAULT_B_PERCENT", 50),

		WebhookPerMinute:     getenvInt("WEBHOOK_PER_MINUTE", 60),
		PaymentLockTTL:       time.Duration(getenvInt("PAYMENT_LOCK_TTL_SECONDS", 300)) * time.Second,
		SignatureReplayTTL:   time.Duration(getenvInt("SIGNATURE_REPLAY_TTL_SECONDS", 600)) * time.Second,
		ProcessedTTL:         time.Duration(getenvInt("PROCESSED_TTL_SECONDS", 86400)) * time.Second,
		PendingOrderTTL:      time.Duration(getenvInt("PENDING_ORDER_TTL_SECONDS", 900)) * time.Second,
		HourlyCentsPerIP:     getenvInt64("HOURLY_CENTS_PER_IP", 5_000_000),
		DailyCentsPerIP:      getenvInt64("DAILY_CENTS_PER_IP", 10_000_000),
		GlobalViolationLimit: getenvInt("GLOBAL_VIOLATION_LIMIT", 25),
		TighteningFactor:     getenvFloat("TIGHTENING_FACTOR", 0.7),
		FactorTightening:     getenvFloat("FACTOR_TIGHTENING", 0.8),
		TighteningWindow:     time.Duration(getenvInt("TIGHTENING_WINDOW_SECONDS", 300)) * time.Second,

		WorkerPollInterval: time.Duration(getenvInt("WORKER_POLL_SECONDS", 5)) * time.Second,
		WorkerBatchSize:    getenvInt("WORKER_BATCH_SIZE", 5),
		JobMaxAttempts:     getenvInt("JOB_MAX_ATTEMPTS", 8),
		QueueDepthAlert:    getenvInt64("QUEUE_DEPTH_ALERT", 100),
		DeadLetterAlert:    getenvInt64("DEAD_LETTER_ALERT", 10),

		RefundCooldown:    time.Duration(getenvInt("REFUND_COOLDOWN_HOURS", 24)) * time.Hour,
		RecoveryInterval:  time.Duration(getenvInt("RECOVERY_INTERVAL_SECONDS", 300)) * time.Second,
		DiscrepancySample: getenvInt("DISCREPANCY_SAMPLE", 20),
		DiscrepancyTolBps: getenvInt64("DISCREPANCY_TOLERANCE_BPS", 50),
	}

	return &cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
