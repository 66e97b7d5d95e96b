// Package config holds the gateway configuration: the struct the flag and
// environment layers unmarshal into, its defaults, and the validation rules
// every run must pass before any component starts.
package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/types"
)

// Defaults for every tunable key. The cmd layer binds these to flags and
// environment variables.
const (
	DefaultNetworkID            = "testnet"
	DefaultBatchSize            = 75
	DefaultBatchIntervalMS      = 300
	DefaultMaxParallelTx        = 30
	DefaultMaxConcurrentBatches = 15
	DefaultQueueConcurrency     = 50
	DefaultFunctionCallTGas     = 30
	DefaultAttachedDeposit      = "1"
	DefaultRPCPoolSize          = 8
	DefaultRPCTimeoutMS         = 30000
	DefaultQueueCap             = 5000
	DefaultMaxTransferRetries   = 2
	DefaultKafkaTopic           = "ftgate-events"
	DefaultListenHost           = "0.0.0.0"
	DefaultListenPort           = 8080
	DefaultLogLevel             = "info"
	DefaultLogOutput            = "stdout"
	DefaultDrainTimeoutMS       = 30000
	DefaultMinBalanceWarn       = "0"
)

// Gas bounds for the ft_transfer function call, in TGas.
const (
	MinFunctionCallTGas = 10
	MaxFunctionCallTGas = 50
)

// Config is the full gateway configuration. Keys are flat kebab-case; the
// environment form replaces dashes with underscores under the FTGATE prefix.
type Config struct {
	NetworkID        string   `mapstructure:"network-id"`
	NodeURL          []string `mapstructure:"node-url"`
	MasterAccountID  string   `mapstructure:"master-account-id"`
	MasterPrivateKey string   `mapstructure:"master-private-key"`
	ContractID       string   `mapstructure:"contract-id"`

	BatchSize            int `mapstructure:"batch-size"`
	BatchIntervalMS      int `mapstructure:"batch-interval-ms"`
	MaxParallelTx        int `mapstructure:"max-parallel-transactions"`
	MaxConcurrentBatches int `mapstructure:"max-concurrent-batches"`
	QueueConcurrency     int `mapstructure:"queue-concurrency"`
	QueueCap             int `mapstructure:"queue-cap"`
	MaxTransferRetries   int `mapstructure:"max-transfer-retries"`

	FunctionCallTGas int    `mapstructure:"function-call-gas"`
	AttachedDeposit  string `mapstructure:"attached-deposit"`

	RPCPoolSize  int `mapstructure:"rpc-pool-size"`
	RPCTimeoutMS int `mapstructure:"rpc-timeout-ms"`

	SigningKeys  []string `mapstructure:"signing-keys"`
	GenerateKeys int      `mapstructure:"generate-keys"`

	SubmitIntervalCap int `mapstructure:"submit-interval-cap"`
	SubmitIntervalMS  int `mapstructure:"submit-interval-ms"`

	Datadir        string `mapstructure:"datadir"`
	MinBalanceWarn string `mapstructure:"min-balance-warn"`

	KafkaBrokers []string `mapstructure:"kafka-brokers"`
	KafkaTopic   string   `mapstructure:"kafka-topic"`

	ListenHost string `mapstructure:"listen-host"`
	ListenPort int    `mapstructure:"listen-port"`

	LogLevel  string `mapstructure:"log-level"`
	LogOutput string `mapstructure:"log-output"`

	DrainTimeoutMS int `mapstructure:"drain-timeout-ms"`
}

// New returns a Config carrying every default.
func New() *Config {
	return &Config{
		NetworkID:            DefaultNetworkID,
		BatchSize:            DefaultBatchSize,
		BatchIntervalMS:      DefaultBatchIntervalMS,
		MaxParallelTx:        DefaultMaxParallelTx,
		MaxConcurrentBatches: DefaultMaxConcurrentBatches,
		QueueConcurrency:     DefaultQueueConcurrency,
		QueueCap:             DefaultQueueCap,
		MaxTransferRetries:   DefaultMaxTransferRetries,
		FunctionCallTGas:     DefaultFunctionCallTGas,
		AttachedDeposit:      DefaultAttachedDeposit,
		RPCPoolSize:          DefaultRPCPoolSize,
		RPCTimeoutMS:         DefaultRPCTimeoutMS,
		MinBalanceWarn:       DefaultMinBalanceWarn,
		KafkaTopic:           DefaultKafkaTopic,
		ListenHost:           DefaultListenHost,
		ListenPort:           DefaultListenPort,
		LogLevel:             DefaultLogLevel,
		LogOutput:            DefaultLogOutput,
		DrainTimeoutMS:       DefaultDrainTimeoutMS,
	}
}

// Validate checks every rule the gateway depends on. It returns the first
// violation found.
func (c *Config) Validate() error {
	if len(c.NodeURL) == 0 {
		return fmt.Errorf("at least one node URL is required")
	}
	if c.MasterAccountID == "" {
		return fmt.Errorf("master account id is required")
	}
	if err := types.ValidateAccountID(c.MasterAccountID); err != nil {
		return fmt.Errorf("master account id: %w", err)
	}
	if c.MasterPrivateKey == "" {
		return fmt.Errorf("master private key is required")
	}
	if _, err := neartx.ParsePrivateKey(c.MasterPrivateKey); err != nil {
		return fmt.Errorf("master private key: %w", err)
	}
	if c.ContractID == "" {
		return fmt.Errorf("token contract id is required")
	}
	if err := types.ValidateAccountID(c.ContractID); err != nil {
		return fmt.Errorf("contract id: %w", err)
	}
	for i, key := range c.SigningKeys {
		if _, err := neartx.ParsePrivateKey(key); err != nil {
			return fmt.Errorf("signing key %d: %w", i, err)
		}
	}
	if c.GenerateKeys < 0 {
		return fmt.Errorf("generate-keys must not be negative")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BatchIntervalMS <= 0 {
		return fmt.Errorf("batch interval must be positive")
	}
	if c.MaxParallelTx <= 0 {
		return fmt.Errorf("max parallel transactions must be positive")
	}
	if c.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("max concurrent batches must be positive")
	}
	if c.QueueConcurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.QueueCap <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.MaxTransferRetries < 0 {
		return fmt.Errorf("max transfer retries must not be negative")
	}

	if c.FunctionCallTGas < MinFunctionCallTGas || c.FunctionCallTGas > MaxFunctionCallTGas {
		return fmt.Errorf("function call gas must be %d-%d TGas, got %d",
			MinFunctionCallTGas, MaxFunctionCallTGas, c.FunctionCallTGas)
	}
	// The FT standard requires exactly one yoctoNEAR attached.
	if c.AttachedDeposit != "1" {
		return fmt.Errorf("attached deposit must be exactly \"1\" yoctoNEAR, got %q", c.AttachedDeposit)
	}

	if c.RPCPoolSize < 1 {
		return fmt.Errorf("rpc pool size must be at least 1")
	}
	if c.RPCTimeoutMS <= 0 {
		return fmt.Errorf("rpc timeout must be positive")
	}
	if c.SubmitIntervalCap < 0 {
		return fmt.Errorf("submit interval cap must not be negative")
	}
	if c.SubmitIntervalCap > 0 && c.SubmitIntervalMS <= 0 {
		return fmt.Errorf("submit interval must be positive when the interval cap is set")
	}

	if _, ok := new(big.Int).SetString(c.MinBalanceWarn, 10); !ok {
		return fmt.Errorf("min balance warn %q is not a plain decimal", c.MinBalanceWarn)
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are configured")
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d is out of range", c.ListenPort)
	}
	if c.DrainTimeoutMS <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}
	return nil
}

// BatchInterval is the collector tick cadence.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

// RPCTimeout is the per-call RPC deadline.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMS) * time.Millisecond
}

// SubmitInterval is the work-pool rate-gate window.
func (c *Config) SubmitInterval() time.Duration {
	return time.Duration(c.SubmitIntervalMS) * time.Millisecond
}

// DrainTimeout bounds the graceful shutdown drain.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// Gas is the attached gas in raw units.
func (c *Config) Gas() uint64 {
	return uint64(c.FunctionCallTGas) * neartx.TGas
}

// Deposit is the attached deposit in yoctoNEAR.
func (c *Config) Deposit() *big.Int {
	// Validate pins the deposit to one yocto.
	return neartx.OneYocto
}

// MinBalance is the warning floor for the master's token balance, nil when
// disabled.
func (c *Config) MinBalance() *big.Int {
	v, ok := new(big.Int).SetString(c.MinBalanceWarn, 10)
	if !ok || v.Sign() == 0 {
		return nil
	}
	return v
}
