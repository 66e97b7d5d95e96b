package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nearforge/ftgate/config"
	"github.com/nearforge/ftgate/internal"
)

const defaultDatadir = ".ftgate" // Will be prefixed with user's home directory

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*config.Config, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)
	defaults := config.New()

	// Configure flags
	flag.StringP("network-id", "n", defaults.NetworkID, "chain network identifier (testnet, mainnet, localnet)")
	flag.StringSliceP("node-url", "u", []string{}, "JSON-RPC endpoint(s), comma-separated (required)")
	flag.StringP("master-account-id", "m", "", "account every transfer is signed from (required)")
	flag.StringP("master-private-key", "k", "", "ed25519 private key of the master account (required)")
	flag.StringP("contract-id", "t", "", "fungible token contract account (required)")
	flag.Int("batch-size", defaults.BatchSize, "base number of transfers per batch")
	flag.Int("batch-interval-ms", defaults.BatchIntervalMS, "batch collection interval in milliseconds")
	flag.Int("max-parallel-transactions", defaults.MaxParallelTx, "concurrent transaction submission bound")
	flag.Int("max-concurrent-batches", defaults.MaxConcurrentBatches, "concurrent batch execution bound")
	flag.Int("queue-cap", defaults.QueueCap, "ingress queue capacity")
	flag.Int("queue-concurrency", defaults.QueueConcurrency, "concurrent HTTP request bound")
	flag.Int("max-transfer-retries", defaults.MaxTransferRetries, "retry budget for transient transfer failures")
	flag.Int("function-call-gas", defaults.FunctionCallTGas, "gas attached to each ft_transfer, in TGas (10-50)")
	flag.String("attached-deposit", defaults.AttachedDeposit, "yoctoNEAR deposit attached to each ft_transfer")
	flag.Int("rpc-pool-size", defaults.RPCPoolSize, "HTTP connection pool size per RPC endpoint")
	flag.Int("rpc-timeout-ms", defaults.RPCTimeoutMS, "RPC request timeout in milliseconds")
	flag.StringSlice("signing-keys", []string{}, "extra pre-registered ed25519 private keys, comma-separated")
	flag.Int("generate-keys", 0, "number of signing keys to generate and register at startup")
	flag.Int("submit-interval-cap", 0, "submissions allowed per submit interval (0 disables pacing)")
	flag.Int("submit-interval-ms", defaults.SubmitIntervalMS, "pacing interval in milliseconds")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the transfer journal (empty for in-memory)")
	flag.String("min-balance-warn", defaults.MinBalanceWarn, "token balance floor that triggers low-balance warnings (0 disables)")
	flag.StringSlice("kafka-brokers", []string{}, "kafka broker(s) for the event stream, comma-separated (empty disables)")
	flag.String("kafka-topic", defaults.KafkaTopic, "kafka topic for pipeline events")
	flag.StringP("listen-host", "a", defaults.ListenHost, "API host")
	flag.IntP("listen-port", "p", defaults.ListenPort, "API port")
	flag.StringP("log-level", "l", defaults.LogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log-output", "o", defaults.LogOutput, "log output (stdout, stderr or filepath)")
	flag.Int("drain-timeout-ms", defaults.DrainTimeoutMS, "graceful shutdown drain window in milliseconds")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ftgate v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: ftgate [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, FTGATE_MASTER_ACCOUNT_ID or FTGATE_LISTEN_PORT\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Dispatch against testnet with a single signing key\n")
		fmt.Fprintf(os.Stderr, "  ftgate -u https://rpc.testnet.near.org -m gateway.testnet -t token.testnet -k ed25519:...\n\n")
		fmt.Fprintf(os.Stderr, "  # Generate 30 extra signing keys for high-throughput dispatch\n")
		fmt.Fprintf(os.Stderr, "  ftgate -u https://rpc.testnet.near.org -m gateway.testnet -t token.testnet -k ed25519:... --generate-keys=30\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("FTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Unmarshal configuration into struct
	cfg := config.New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}
