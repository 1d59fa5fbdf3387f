package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa de mitate.
type Config struct {
	Ledger     LedgerConfig     `yaml:"ledger"`
	Sync       SyncConfig       `yaml:"sync"`
	Settlement SettlementConfig `yaml:"settlement"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// LedgerConfig apunta al nodo rippled y a las cuentas del operador.
type LedgerConfig struct {
	RPCURL          string  `yaml:"rpc_url"`
	WSURL           string  `yaml:"ws_url"`
	OperatorAddress string  `yaml:"operator_address"` // sin él no hay sync ni creación de mercados
	IssuerAddress   string  `yaml:"issuer_address"`   // vacío = el operador emite los tokens
	RPCRatePerSec   float64 `yaml:"rpc_rate_per_sec"`
}

// SyncConfig controla la ingesta de eventos.
type SyncConfig struct {
	QueueSize       int    `yaml:"queue_size"`
	CheckpointEvery uint32 `yaml:"checkpoint_every"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryWaitMillis int    `yaml:"retry_wait_ms"`
	StartLedger     uint32 `yaml:"start_ledger"` // primer ledger si no hay cursor; 0 = último validado
}

// SettlementConfig controla resolución y payouts.
type SettlementConfig struct {
	PayoutBatchSize int    `yaml:"payout_batch_size"`
	WeightedShares  bool   `yaml:"weighted_shares"`
	EscrowSeedDrops string `yaml:"escrow_seed_drops"` // entero en drops, como string para no perder precisión
}

// SchedulerConfig usa specs de cron con segundos.
type SchedulerConfig struct {
	CloseSpec    string `yaml:"close_spec"`
	FinalizeSpec string `yaml:"finalize_spec"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables MITATE_* sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	if _, err := cfg.EscrowSeed(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// RetryWait devuelve la espera inicial entre reintentos de RPC.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.Sync.RetryWaitMillis) * time.Millisecond
}

// Issuer devuelve la cuenta emisora de tokens; por defecto el operador.
func (c *Config) Issuer() string {
	if c.Ledger.IssuerAddress != "" {
		return c.Ledger.IssuerAddress
	}
	return c.Ledger.OperatorAddress
}

// EscrowSeed parsea settlement.escrow_seed_drops.
func (c *Config) EscrowSeed() (*big.Int, error) {
	seed, ok := new(big.Int).SetString(strings.TrimSpace(c.Settlement.EscrowSeedDrops), 10)
	if !ok || seed.Sign() <= 0 {
		return nil, fmt.Errorf("settlement.escrow_seed_drops %q: must be a positive integer", c.Settlement.EscrowSeedDrops)
	}
	return seed, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"MITATE_RPC_URL":           &cfg.Ledger.RPCURL,
		"MITATE_WS_URL":            &cfg.Ledger.WSURL,
		"MITATE_OPERATOR_ADDRESS":  &cfg.Ledger.OperatorAddress,
		"MITATE_ISSUER_ADDRESS":    &cfg.Ledger.IssuerAddress,
		"MITATE_ESCROW_SEED_DROPS": &cfg.Settlement.EscrowSeedDrops,
		"MITATE_DB":                &cfg.Storage.DSN,
		"MITATE_LOG_LEVEL":         &cfg.Log.Level,
		"MITATE_LOG_FORMAT":        &cfg.Log.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("MITATE_WEIGHTED_SHARES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MITATE_WEIGHTED_SHARES=%q: %w", v, err)
		}
		cfg.Settlement.WeightedShares = b
	}
	if v := os.Getenv("MITATE_START_LEDGER"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("MITATE_START_LEDGER=%q: %w", v, err)
		}
		cfg.Sync.StartLedger = uint32(n)
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = "https://s.altnet.rippletest.net:51234"
	}
	if cfg.Ledger.WSURL == "" {
		cfg.Ledger.WSURL = "wss://s.altnet.rippletest.net:51233"
	}
	if cfg.Ledger.RPCRatePerSec <= 0 {
		cfg.Ledger.RPCRatePerSec = 6
	}
	if cfg.Sync.QueueSize <= 0 {
		cfg.Sync.QueueSize = 256
	}
	if cfg.Sync.CheckpointEvery == 0 {
		cfg.Sync.CheckpointEvery = 100
	}
	if cfg.Sync.MaxRetries <= 0 {
		cfg.Sync.MaxRetries = 3
	}
	if cfg.Sync.RetryWaitMillis <= 0 {
		cfg.Sync.RetryWaitMillis = 500
	}
	if cfg.Settlement.PayoutBatchSize <= 0 {
		cfg.Settlement.PayoutBatchSize = 25
	}
	if cfg.Settlement.EscrowSeedDrops == "" {
		cfg.Settlement.EscrowSeedDrops = "1000000" // 1 XRP
	}
	if cfg.Scheduler.CloseSpec == "" {
		cfg.Scheduler.CloseSpec = "*/15 * * * * *"
	}
	if cfg.Scheduler.FinalizeSpec == "" {
		cfg.Scheduler.FinalizeSpec = "0 * * * * *"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "mitate.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
