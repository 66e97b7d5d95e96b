package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/nearforge/ftgate/api"
	"github.com/nearforge/ftgate/config"
	"github.com/nearforge/ftgate/internal/rpctest"
	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/types"
)

const (
	testAccount  = "gateway.testnet"
	testContract = "token.testnet"
)

// testNode starts a stub chain carrying the master account and the token
// contract views the bootstrap requires.
func testNode(c *qt.C, masterPub string) *rpctest.Node {
	c.Helper()
	node := rpctest.New()
	c.Cleanup(node.Close)
	node.AddAccount(testAccount)
	node.AddAccessKey(testAccount, masterPub, 10)
	node.HandleView("ft_metadata", func(json.RawMessage) (any, error) {
		return map[string]any{"spec": "ft-1.0.0", "name": "Forge Token", "symbol": "FRG", "decimals": 18}, nil
	})
	node.HandleView("ft_balance_of", func(json.RawMessage) (any, error) {
		return "500000000000000000000000", nil
	})
	return node
}

func testConfig(c *qt.C) (*config.Config, neartx.KeyPair) {
	c.Helper()
	master, err := neartx.GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	cfg := config.New()
	cfg.MasterAccountID = testAccount
	cfg.MasterPrivateKey = master.PrivateKeyString()
	cfg.ContractID = testContract
	cfg.BatchSize = 8
	cfg.BatchIntervalMS = 15
	return cfg, master
}

func startGateway(c *qt.C, cfg *config.Config) *Gateway {
	c.Helper()
	g, err := New(cfg)
	c.Assert(err, qt.IsNil)
	c.Assert(g.Start(context.Background()), qt.IsNil)
	c.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

// awaitTerminal polls the status surface until the transfer settles.
func awaitTerminal(c *qt.C, g *Gateway, id uuid.UUID, timeout time.Duration) *api.TransferState {
	c.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := g.TransferStatus(id)
		c.Assert(err, qt.IsNil)
		if state != nil && state.Status != api.StateQueued && state.Status != api.StateProcessing {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("transfer %s never went terminal", id)
	return nil
}

func TestGatewayLifecycle(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}

	g, err := New(cfg)
	c.Assert(err, qt.IsNil)
	c.Assert(g.State(), qt.Equals, StateCreated)

	c.Assert(g.Start(context.Background()), qt.IsNil)
	c.Assert(g.State(), qt.Equals, StateRunning)
	c.Assert(g.Start(context.Background()), qt.IsNotNil)

	id, err := g.EnqueueTransfer(types.TransferRequest{
		ReceiverID: "holder.testnet",
		Amount:     "1000000000000000000",
	}, types.DefaultPriority)
	c.Assert(err, qt.IsNil)
	state := awaitTerminal(c, g, id, 10*time.Second)
	c.Assert(state.Status, qt.Equals, string(types.OutcomeSucceeded))
	c.Assert(state.TxHash, qt.Not(qt.Equals), "")
	c.Assert(state.Attempts, qt.Equals, 1)
	c.Assert(state.FinishedAt, qt.IsNotNil)

	status := g.Status()
	c.Assert(status.State, qt.Equals, "running")
	c.Assert(status.MasterAccountID, qt.Equals, testAccount)
	c.Assert(status.ContractID, qt.Equals, testContract)
	c.Assert(status.TotalKeys, qt.Equals, 1)
	c.Assert(status.ActiveKeys, qt.Equals, 1)
	c.Assert(status.Keys, qt.HasLen, 1)
	c.Assert(status.Totals.Succeeded, qt.Equals, int64(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(g.Shutdown(ctx), qt.IsNil)
	c.Assert(g.State(), qt.Equals, StateStopped)
	c.Assert(g.Shutdown(ctx), qt.IsNil)

	_, err = g.EnqueueTransfer(types.TransferRequest{ReceiverID: "late.testnet", Amount: "1"}, 1)
	c.Assert(types.KindOf(err), qt.Equals, types.KindShuttingDown)

	out := g.DirectTransfer(context.Background(), types.TransferRequest{ReceiverID: "late.testnet", Amount: "1"})
	c.Assert(out.Status, qt.Equals, types.OutcomeCancelled)
	c.Assert(out.ErrorKind, qt.Equals, types.KindShuttingDown)
}

func TestGatewayHealth(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}

	g, err := New(cfg)
	c.Assert(err, qt.IsNil)

	// Not started yet: no keys, no probe.
	report := g.Health()
	c.Assert(report.Healthy, qt.IsFalse)
	c.Assert(report.Details.State, qt.Equals, "created")

	c.Assert(g.Start(context.Background()), qt.IsNil)
	c.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})

	report = g.Health()
	c.Assert(report.Healthy, qt.IsTrue)
	c.Assert(report.Details.State, qt.Equals, "running")
	c.Assert(report.Details.ActiveKeys, qt.Equals, 1)
	c.Assert(report.Details.ChainReachable, qt.IsTrue)
	c.Assert(report.Details.NodeSyncing, qt.IsFalse)
	c.Assert(report.Details.TokenSymbol, qt.Equals, "FRG")
	c.Assert(report.Details.TokenDecimals, qt.Equals, uint8(18))
	c.Assert(report.Details.MasterBalance, qt.Equals, "500000000000000000000000")
	c.Assert(report.Details.LowBalance, qt.IsFalse)
	c.Assert(report.Details.LastProbe, qt.IsNotNil)
}

func TestGatewayLowBalanceWarning(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}
	// The stub reports 5e23; warn below 1e24.
	cfg.MinBalanceWarn = "1000000000000000000000000"

	g := startGateway(c, cfg)
	report := g.Health()
	c.Assert(report.Healthy, qt.IsTrue, qt.Commentf("low balance must degrade detail, not health"))
	c.Assert(report.Details.LowBalance, qt.IsTrue)
}

func TestGatewayGeneratedKeys(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}
	cfg.GenerateKeys = 2

	// Apply AddKey actions to the stub's access-key table the way the real
	// runtime would.
	node.OnSubmit(func(st *neartx.SignedTransaction) rpctest.Decision {
		var zero [32]byte
		for _, act := range st.Transaction.Actions {
			if act.AddKey.PublicKey.Data != zero {
				node.AddAccessKey(st.Transaction.SignerID, act.AddKey.PublicKey.String(), 0)
			}
		}
		return rpctest.Accept
	})

	g := startGateway(c, cfg)
	c.Assert(g.registry.Len(), qt.Equals, 3)
	c.Assert(g.registry.ActiveCount(), qt.Equals, 3)

	id, err := g.EnqueueTransfer(types.TransferRequest{
		ReceiverID: "holder.testnet",
		Amount:     "1",
	}, types.DefaultPriority)
	c.Assert(err, qt.IsNil)
	state := awaitTerminal(c, g, id, 10*time.Second)
	c.Assert(state.Status, qt.Equals, string(types.OutcomeSucceeded))
}

func TestGatewayExtraSigningKeyUnregistered(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}

	// A configured key the chain has never seen stays inactive; the gateway
	// still starts on the master key alone.
	extra, err := neartx.GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	cfg.SigningKeys = []string{extra.PrivateKeyString()}

	g := startGateway(c, cfg)
	c.Assert(g.registry.Len(), qt.Equals, 2)
	c.Assert(g.registry.ActiveCount(), qt.Equals, 1)
}

func TestGatewayBootstrapFailures(t *testing.T) {
	c := qt.New(t)

	c.Run("invalid configuration", func(c *qt.C) {
		_, err := New(config.New())
		c.Assert(err, qt.ErrorMatches, "invalid configuration:.*")
	})

	c.Run("unknown master account", func(c *qt.C) {
		cfg, master := testConfig(c)
		node := rpctest.New()
		c.Cleanup(node.Close)
		node.AddAccessKey(testAccount, master.PublicKeyString(), 10)
		cfg.NodeURL = []string{node.URL()}

		g, err := New(cfg)
		c.Assert(err, qt.IsNil)
		err = g.Start(context.Background())
		c.Assert(err, qt.ErrorMatches, "master account.*")
		c.Assert(g.State(), qt.Equals, StateCreated)
	})

	c.Run("contract without ft_metadata", func(c *qt.C) {
		cfg, master := testConfig(c)
		node := rpctest.New()
		c.Cleanup(node.Close)
		node.AddAccount(testAccount)
		node.AddAccessKey(testAccount, master.PublicKeyString(), 10)
		cfg.NodeURL = []string{node.URL()}

		g, err := New(cfg)
		c.Assert(err, qt.IsNil)
		err = g.Start(context.Background())
		c.Assert(err, qt.ErrorMatches, "token contract.*")
		c.Assert(g.State(), qt.Equals, StateCreated)
	})

	c.Run("master key missing on chain", func(c *qt.C) {
		cfg, _ := testConfig(c)
		other, err := neartx.GenerateKeyPair()
		c.Assert(err, qt.IsNil)
		node := testNode(c, other.PublicKeyString())
		cfg.NodeURL = []string{node.URL()}

		g, err := New(cfg)
		c.Assert(err, qt.IsNil)
		err = g.Start(context.Background())
		c.Assert(err, qt.ErrorMatches, "no signing key could be initialized.*")
		c.Assert(g.State(), qt.Equals, StateCreated)
	})
}

func TestGatewayDirectTransfer(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}

	g := startGateway(c, cfg)
	out := g.DirectTransfer(context.Background(), types.TransferRequest{
		ReceiverID: "holder.testnet",
		Amount:     "42",
	})
	c.Assert(out.Status, qt.Equals, types.OutcomeSucceeded)
	c.Assert(out.TxHash, qt.Not(qt.Equals), "")
	c.Assert(out.Attempts, qt.Equals, 1)

	// Synchronous outcomes are journaled like queued ones.
	state, err := g.TransferStatus(out.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(state, qt.IsNotNil)
	c.Assert(state.Status, qt.Equals, string(types.OutcomeSucceeded))
	c.Assert(state.TxHash, qt.Equals, out.TxHash)
}

func TestGatewayTransferStatusUnknown(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}

	g := startGateway(c, cfg)
	state, err := g.TransferStatus(uuid.New())
	c.Assert(err, qt.IsNil)
	c.Assert(state, qt.IsNil)
}

func TestGatewayShutdownCancelsQueued(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}
	// A collector interval far beyond the test keeps transfers queued
	// through the drain.
	cfg.BatchIntervalMS = 60_000

	g, err := New(cfg)
	c.Assert(err, qt.IsNil)
	c.Assert(g.Start(context.Background()), qt.IsNil)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id, err := g.EnqueueTransfer(types.TransferRequest{
			ReceiverID: "holder.testnet",
			Amount:     "1",
		}, types.DefaultPriority)
		c.Assert(err, qt.IsNil)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(g.Shutdown(ctx), qt.IsNil)

	for _, id := range ids {
		state, err := g.TransferStatus(id)
		c.Assert(err, qt.IsNil)
		c.Assert(state, qt.IsNotNil, qt.Commentf("transfer %s dropped without a record", id))
		c.Assert(state.Status, qt.Equals, string(types.OutcomeCancelled))
		c.Assert(state.ErrorKind, qt.Equals, string(types.KindShuttingDown))
	}
}

func TestAPIServiceLifecycle(t *testing.T) {
	c := qt.New(t)
	cfg, master := testConfig(c)
	node := testNode(c, master.PublicKeyString())
	cfg.NodeURL = []string{node.URL()}

	g := startGateway(c, cfg)
	as := NewAPI(g, "127.0.0.1", 0, 0, false)
	c.Assert(as.Start(context.Background()), qt.IsNil)
	c.Assert(as.Start(context.Background()), qt.ErrorMatches, "service already running")

	host, port := as.HostPort()
	c.Assert(host, qt.Equals, "127.0.0.1")
	c.Assert(port, qt.Equals, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Assert(as.Stop(ctx), qt.IsNil)
	c.Assert(as.Stop(ctx), qt.IsNil)
}
