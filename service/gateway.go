// Package service assembles the gateway: it bootstraps the chain client,
// signing keys and dispatch pipeline from configuration, runs the periodic
// health probes, and exposes the surface the HTTP API serves.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearforge/ftgate/config"
	"github.com/nearforge/ftgate/db"
	"github.com/nearforge/ftgate/db/inmemory"
	"github.com/nearforge/ftgate/db/pebbledb"
	"github.com/nearforge/ftgate/dispatch"
	"github.com/nearforge/ftgate/events"
	"github.com/nearforge/ftgate/internal"
	"github.com/nearforge/ftgate/journal"
	"github.com/nearforge/ftgate/keys"
	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/nearclient"
	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/nonce"
)

// ProbeInterval is the cadence of the background chain probe. This can be
// overridden before starting the service.
var ProbeInterval = 10 * time.Second

// StatsMonitorInterval is the interval at which gateway statistics are
// logged. This can be overridden before starting the service.
var StatsMonitorInterval = 30 * time.Second

// State is the gateway lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// probeState is the latest chain view collected at bootstrap and refreshed
// by the probe loop.
type probeState struct {
	at            time.Time
	chainOK       bool
	syncing       bool
	tokenSymbol   string
	tokenDecimals uint8
	masterBalance string
	lowBalance    bool
}

// Gateway owns every long-lived component of the transfer service.
type Gateway struct {
	cfg        *config.Config
	client     *nearclient.Client
	registry   *keys.Registry
	nonces     *nonce.Allocator
	engine     *metrics.Engine
	dispatcher *dispatch.Dispatcher
	journal    *journal.Journal
	sink       *events.Sink
	store      db.Database

	state     atomic.Int32
	startedAt time.Time

	probeMu sync.RWMutex
	probe   probeState

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a gateway from a validated configuration. Chain interaction is
// deferred to Start.
func New(cfg *config.Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	client, err := nearclient.New(cfg.NodeURL, nearclient.Config{
		PoolSize: cfg.RPCPoolSize,
		Timeout:  cfg.RPCTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("create RPC client: %w", err)
	}

	var store db.Database
	if cfg.Datadir != "" {
		store, err = pebbledb.New(db.Options{Path: filepath.Join(cfg.Datadir, "journal")})
	} else {
		store, err = inmemory.New(db.Options{})
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	jnl, err := journal.New(store, journal.DefaultRetention)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create journal: %w", err)
	}

	var sink *events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sink, err = events.New(events.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create event sink: %w", err)
		}
	}

	return &Gateway{
		cfg:     cfg,
		client:  client,
		engine:  metrics.New(),
		journal: jnl,
		sink:    sink,
		store:   store,
	}, nil
}

// Client exposes the RPC client, mainly for tests.
func (g *Gateway) Client() *nearclient.Client { return g.client }

// State reports the current lifecycle stage.
func (g *Gateway) State() State { return State(g.state.Load()) }

// Start runs the bootstrap sequence: chain and contract checks, key
// registration, nonce initialization, then the dispatch pipeline and the
// background probes. It fails without side effects when any prerequisite
// is unmet.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return fmt.Errorf("gateway already started (state %s)", g.State())
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if err := g.bootstrap(runCtx); err != nil {
		cancel()
		g.state.Store(int32(StateCreated))
		return err
	}
	g.cancel = cancel
	g.startedAt = time.Now()
	g.state.Store(int32(StateRunning))

	go g.probeLoop(runCtx)
	go g.statsMonitor(runCtx)

	log.Infow("gateway running",
		"version", internal.Version,
		"network", g.cfg.NetworkID,
		"account", g.cfg.MasterAccountID,
		"contract", g.cfg.ContractID,
		"keys", g.registry.ActiveCount(),
	)
	return nil
}

// bootstrap performs the ordered chain checks and component wiring.
func (g *Gateway) bootstrap(ctx context.Context) error {
	status, err := g.client.Status(ctx)
	if err != nil {
		return fmt.Errorf("chain status check: %w", err)
	}
	if status.SyncInfo.Syncing {
		log.Warnw("RPC node is still syncing", "height", status.SyncInfo.LatestBlockHeight)
	}
	if g.cfg.NetworkID != "" && status.ChainID != g.cfg.NetworkID {
		log.Warnw("configured network does not match the node",
			"configured", g.cfg.NetworkID, "node", status.ChainID)
	}
	log.Infow("connected to chain",
		"chainId", status.ChainID,
		"height", status.SyncInfo.LatestBlockHeight,
	)

	if _, err := g.client.ViewAccount(ctx, g.cfg.MasterAccountID); err != nil {
		return fmt.Errorf("master account %s: %w", g.cfg.MasterAccountID, err)
	}

	symbol, decimals, err := g.fetchTokenMetadata(ctx)
	if err != nil {
		return fmt.Errorf("token contract %s: %w", g.cfg.ContractID, err)
	}
	log.Infow("token contract verified",
		"contract", g.cfg.ContractID, "symbol", symbol, "decimals", decimals)

	balance, low := g.fetchMasterBalance(ctx)

	g.probeMu.Lock()
	g.probe = probeState{
		at:            time.Now(),
		chainOK:       true,
		syncing:       status.SyncInfo.Syncing,
		tokenSymbol:   symbol,
		tokenDecimals: decimals,
		masterBalance: balance,
		lowBalance:    low,
	}
	g.probeMu.Unlock()

	pairs, err := g.assembleKeyPairs(ctx)
	if err != nil {
		return err
	}
	g.registry = keys.New(g.cfg.MasterAccountID, pairs)
	g.nonces = nonce.New(g.client)
	for i := 0; i < g.registry.Len(); i++ {
		key := g.registry.Key(i)
		if err := g.nonces.InitKey(ctx, key.AccountID, key.PublicKey); err != nil {
			log.Warnw("signing key left inactive",
				"index", i, "publicKey", key.PublicKey, "error", err)
			continue
		}
		g.registry.SetActive(i, true)
	}
	if g.registry.ActiveCount() == 0 {
		return fmt.Errorf("no signing key could be initialized (%d configured)", g.registry.Len())
	}
	log.Infow("signing keys ready",
		"active", g.registry.ActiveCount(), "total", g.registry.Len())

	g.dispatcher = dispatch.New(g.client, g.registry, g.nonces, g.engine, dispatch.Config{
		ContractID:           g.cfg.ContractID,
		Gas:                  g.cfg.Gas(),
		Deposit:              g.cfg.Deposit(),
		BatchSize:            g.cfg.BatchSize,
		BatchInterval:        g.cfg.BatchInterval(),
		MaxParallel:          g.cfg.MaxParallelTx,
		MaxConcurrentBatches: g.cfg.MaxConcurrentBatches,
		QueueCapacity:        g.cfg.QueueCap,
		MaxRetries:           g.cfg.MaxTransferRetries,
		SubmitIntervalCap:    g.cfg.SubmitIntervalCap,
		SubmitInterval:       g.cfg.SubmitInterval(),
	})
	g.dispatcher.Subscribe(g.journal)
	if g.sink != nil {
		g.dispatcher.Subscribe(g.sink)
		g.sink.Start(ctx)
	}
	g.journal.Start(ctx)

	return g.dispatcher.Start(ctx)
}

// fetchTokenMetadata reads symbol and decimals from the NEP-148 metadata
// view.
func (g *Gateway) fetchTokenMetadata(ctx context.Context) (string, uint8, error) {
	raw, err := g.client.ViewFunction(ctx, g.cfg.ContractID, "ft_metadata", map[string]any{})
	if err != nil {
		return "", 0, err
	}
	var md struct {
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return "", 0, fmt.Errorf("decode ft_metadata: %w", err)
	}
	return md.Symbol, md.Decimals, nil
}

// fetchMasterBalance reads the master account's token balance. Failures are
// reported as an empty balance, not an error: an unregistered master shows
// up soon enough as CONTRACT_ERROR outcomes.
func (g *Gateway) fetchMasterBalance(ctx context.Context) (string, bool) {
	raw, err := g.client.ViewFunction(ctx, g.cfg.ContractID, "ft_balance_of",
		map[string]any{"account_id": g.cfg.MasterAccountID})
	if err != nil {
		log.Warnw("token balance check failed",
			"account", g.cfg.MasterAccountID, "error", err)
		return "", false
	}
	var balance string
	if err := json.Unmarshal(raw, &balance); err != nil {
		log.Warnw("token balance decode failed", "error", err)
		return "", false
	}
	low := false
	if floor := g.cfg.MinBalance(); floor != nil {
		if v, ok := new(big.Int).SetString(balance, 10); ok && v.Cmp(floor) < 0 {
			low = true
			log.Warnw("master token balance below warning floor",
				"balance", balance, "floor", floor.String())
		}
	}
	return balance, low
}

// assembleKeyPairs gathers the master key, any configured extra signing
// keys, and freshly generated ones. Generated keys are registered on-chain
// with full access before use; a failed registration keeps the pair in the
// set but it will stay inactive after nonce initialization fails.
func (g *Gateway) assembleKeyPairs(ctx context.Context) ([]neartx.KeyPair, error) {
	master, err := neartx.ParsePrivateKey(g.cfg.MasterPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("master private key: %w", err)
	}
	pairs := []neartx.KeyPair{master}
	for i, raw := range g.cfg.SigningKeys {
		pair, err := neartx.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("signing key %d: %w", i, err)
		}
		pairs = append(pairs, pair)
	}
	if g.cfg.GenerateKeys > 0 {
		generated, err := g.registerGeneratedKeys(ctx, master, g.cfg.GenerateKeys)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, generated...)
	}
	return pairs, nil
}

// registerGeneratedKeys creates n Ed25519 keys and registers each on the
// master account via an AddKey transaction signed with the master key.
// Registration runs sequentially on consecutive nonces.
func (g *Gateway) registerGeneratedKeys(ctx context.Context, master neartx.KeyPair, n int) ([]neartx.KeyPair, error) {
	masterPub := master.PublicKeyString()
	nonceVal, err := g.client.AccessKeyNonce(ctx, g.cfg.MasterAccountID, masterPub)
	if err != nil {
		return nil, fmt.Errorf("master key nonce: %w", err)
	}
	generated := make([]neartx.KeyPair, 0, n)
	for i := 0; i < n; i++ {
		pair, err := neartx.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate key %d: %w", i, err)
		}
		blockHash, err := g.client.LatestBlockHash(ctx)
		if err != nil {
			return nil, fmt.Errorf("block hash for key registration: %w", err)
		}
		nonceVal++
		tx := neartx.NewTransaction(g.cfg.MasterAccountID, master.WirePublicKey(), nonceVal,
			g.cfg.MasterAccountID, blockHash,
			[]neartx.Action{neartx.NewAddFullAccessKey(pair.WirePublicKey())})
		signed, err := tx.Sign(master)
		if err != nil {
			return nil, fmt.Errorf("sign key registration %d: %w", i, err)
		}
		payload, err := signed.Base64()
		if err != nil {
			return nil, fmt.Errorf("serialize key registration %d: %w", i, err)
		}
		if _, err := g.client.SubmitTransaction(ctx, payload); err != nil {
			// The pair stays in the set; InitKey will fail for it and
			// leave it inactive.
			log.Errorw(err, fmt.Sprintf("on-chain registration of generated key %d failed", i))
			generated = append(generated, pair)
			continue
		}
		log.Infow("registered generated signing key",
			"index", i, "publicKey", pair.PublicKeyString())
		generated = append(generated, pair)
	}
	return generated, nil
}

// probeLoop refreshes the chain view used by the health endpoint.
func (g *Gateway) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runProbe(ctx)
		}
	}
}

// runProbe performs one health probe round.
func (g *Gateway) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeInterval)
	defer cancel()

	next := probeState{at: time.Now()}
	status, err := g.client.Status(probeCtx)
	if err != nil {
		log.Warnw("chain probe failed", "error", err)
	} else {
		next.chainOK = true
		next.syncing = status.SyncInfo.Syncing
	}
	balance, low := g.fetchMasterBalance(probeCtx)
	next.masterBalance = balance
	next.lowBalance = low

	g.probeMu.Lock()
	// Token metadata never changes; carry it over from bootstrap.
	next.tokenSymbol = g.probe.tokenSymbol
	next.tokenDecimals = g.probe.tokenDecimals
	if balance == "" {
		next.masterBalance = g.probe.masterBalance
		next.lowBalance = g.probe.lowBalance
	}
	g.probe = next
	g.probeMu.Unlock()
}

// statsMonitor periodically logs throughput statistics.
func (g *Gateway) statsMonitor(ctx context.Context) {
	ticker := time.NewTicker(StatsMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := g.engine.Snapshot()
			log.Monitor("gateway statistics", map[string]any{
				"enqueued":    snap.Enqueued,
				"succeeded":   snap.Succeeded,
				"failed":      snap.Failed,
				"currentTps":  fmt.Sprintf("%.1f", snap.CurrentTPS),
				"successRate": fmt.Sprintf("%.3f", snap.SuccessRate),
				"sustained":   snap.Sustained,
				"queueDepth":  g.dispatcher.QueueLen(),
				"inflight":    g.dispatcher.PoolInflight(),
				"activeKeys":  g.registry.ActiveCount(),
			})
		}
	}
}

// Shutdown drains the pipeline and releases every component. The context
// bounds the drain; accepted transfers that cannot finish in time are
// cancelled. Safe to call once; later calls return nil.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	log.Infow("gateway draining", "queued", g.dispatcher.QueueLen())
	drainErr := g.dispatcher.Drain(ctx)

	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.sink != nil {
		g.sink.Stop()
	}
	g.journal.Stop()
	if err := g.store.Close(); err != nil {
		log.Warnw("journal store close failed", "error", err)
	}
	g.client.Close()
	g.state.Store(int32(StateStopped))
	log.Infow("gateway stopped")
	return drainErr
}
