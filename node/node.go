package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/api"
	"github.com/mezonai/posnode/config"
	"github.com/mezonai/posnode/consensus"
	"github.com/mezonai/posnode/events"
	"github.com/mezonai/posnode/exception"
	"github.com/mezonai/posnode/ledger"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/p2p"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/store"
	"github.com/mezonai/posnode/wallet"
)

// Node wires the ledger, stake registry, consensus engine, sync protocol and transport of one process.
type Node struct {
	cfg     *config.Config
	id      string
	wallet  *wallet.Wallet
	genesis *config.GenesisConfig
	bus     *events.EventBus
	store   store.ChainStore // nil when persistence is unavailable

	Ledger    *ledger.Ledger
	Stakes    *staking.Registry
	Engine    *consensus.Engine
	Transport *p2p.Transport
	Sync      *p2p.SyncProtocol
	API       *api.APIServer
}

// New builds every component and restores persisted state. genesis may be nil.
func New(cfg *config.Config, w *wallet.Wallet, genesis *config.GenesisConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if genesis == nil {
		genesis = &config.GenesisConfig{}
	}
	n := &Node{
		cfg:     cfg,
		id:      cfg.NodeID(),
		wallet:  w,
		genesis: genesis,
		bus:     events.NewEventBus(),
	}

	var rewards *ledger.RewardCalculator
	if cfg.Ledger.BaseReward > 0 {
		rewards = ledger.NewRewardCalculator(cfg.Ledger.BaseReward, cfg.Ledger.HalvingInterval)
	}
	n.Ledger = ledger.NewLedger(ledger.Config{
		ConfirmationThreshold: cfg.Ledger.ConfirmationThreshold,
		PendingLimit:          cfg.Ledger.PendingLimit,
		Rewards:               rewards,
	}, n.bus)
	n.Stakes = staking.NewRegistry(staking.Config{
		MinStake:         uint256.NewInt(cfg.Staking.MinStake),
		StrictMembership: cfg.Staking.StrictMembership,
		MaxAgeDays:       cfg.Staking.MaxAgeDays,
	})

	n.Transport = p2p.NewTransport(p2p.TransportConfig{
		NodeID:      n.id,
		Host:        cfg.Node.Host,
		Port:        cfg.Node.Port,
		QueueSize:   cfg.Sync.PeerQueueSize,
		DialTimeout: cfg.Sync.DialTimeout(),
		ChainLength: n.Ledger.Len,
	}, nil)
	n.Sync = p2p.NewSyncProtocol(p2p.SyncConfig{
		NodeID:    n.id,
		Confirmer: w.Address(),
		Fanout:    cfg.Sync.Fanout,
		RateLimit: &p2p.RateLimitConfig{MaxBlockRequestsPerMinute: cfg.Sync.MaxRequestsPerMinute},
	}, n.Transport, n.Ledger, n.Stakes, n.bus)
	n.Transport.SetHandler(n.Sync)

	n.Engine = consensus.NewEngine(consensus.Config{
		ProposeTimeout: cfg.Consensus.ProposeTimeout(),
		PrepareTimeout: cfg.Consensus.PrepareTimeout(),
		CommitTimeout:  cfg.Consensus.CommitTimeout(),
		BlockInterval:  cfg.Consensus.BlockInterval(),
	}, w, n.Ledger, n.Stakes, n.Sync, n.bus)
	n.Sync.SetEngine(n.Engine)

	n.API = api.NewAPIServer(api.Config{Listen: cfg.API.Listen, NodeID: n.id},
		n.Ledger, n.Stakes, w, n.Engine, n.Sync, n.Transport)

	n.openStore()
	n.restore()
	return n, nil
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Address() string {
	return n.wallet.Address()
}

func (n *Node) Events() *events.EventBus {
	return n.bus
}

func (n *Node) openStore() {
	sc := &store.StoreConfig{
		Type:          store.StoreType(n.cfg.Store.Type),
		Directory:     n.cfg.Store.Directory,
		RedisAddr:     n.cfg.Store.RedisAddr,
		RedisPassword: n.cfg.Store.RedisPassword,
		RedisDB:       n.cfg.Store.RedisDB,
		CacheMB:       n.cfg.Store.CacheMB,
		SyncWrites:    n.cfg.Store.SyncWrites,
	}
	cs, err := store.CreateChainStore(sc)
	if err != nil {
		logx.Error("NODE", fmt.Sprintf("Persistence unavailable, running in memory: %v", err))
		return
	}
	n.store = cs
}

// restore loads chain and stake state, falling back to genesis when nothing is stored.
func (n *Node) restore() {
	if n.store != nil {
		snap, err := n.store.Load(n.id)
		switch {
		case err != nil:
			logx.Error("NODE", fmt.Sprintf("Load chain: %v; starting from genesis", err))
		case snap != nil:
			removed := n.Ledger.Restore(snap)
			logx.Info("NODE", fmt.Sprintf("Loaded chain: %d blocks, %d pending, %d truncated by repair",
				n.Ledger.Len(), n.Ledger.PendingCount(), removed))
		default:
			logx.Info("NODE", "No stored chain, starting from genesis")
		}

		state, err := n.store.LoadStakes(n.id)
		if err != nil {
			logx.Error("NODE", fmt.Sprintf("Load stakes: %v", err))
		}
		if state != nil {
			n.Stakes.RestoreState(state)
			logx.Info("NODE", fmt.Sprintf("Loaded %d stake records", len(state.Records)))
			return
		}
	}
	n.loadGenesisStakes()
}

func (n *Node) loadGenesisStakes() {
	records := make([]*staking.StakeRecord, 0, len(n.genesis.Validators))
	for _, v := range n.genesis.Validators {
		if !wallet.IsValidAddress(v.Address) {
			logx.Warn("NODE", "Skipping genesis validator with invalid address ", v.Address)
			continue
		}
		records = append(records, &staking.StakeRecord{
			Address:     v.Address,
			Amount:      uint256.NewInt(v.Amount),
			DepositedAt: v.DepositedAt,
		})
	}
	n.Stakes.LoadRecords(records)
	logx.Info("NODE", fmt.Sprintf("Loaded %d genesis validators", n.Stakes.ValidatorCount()))
}

// Save persists the chain, the pending pool and the stake state.
func (n *Node) Save() error {
	if n.store == nil {
		return nil
	}
	if err := n.store.Save(n.id, n.Ledger.Snapshot()); err != nil {
		return err
	}
	return n.store.SaveStakes(n.id, n.Stakes.State())
}

// Start opens the listener, dials seed peers and launches every periodic task. It returns once running.
func (n *Node) Start(ctx context.Context) error {
	monitoring.SetBlockHeight(n.Ledger.Len())
	monitoring.SetValidatorCount(n.Stakes.ValidatorCount())
	exception.SafeGo("event-log", func() { events.LogSink(ctx, n.bus) })

	if err := n.Transport.Start(ctx); err != nil {
		return err
	}
	if n.cfg.API.Listen != "" {
		if err := n.API.Start(ctx); err != nil {
			return err
		}
	}

	self := net.JoinHostPort(n.cfg.Node.Host, strconv.Itoa(n.cfg.Node.Port))
	for _, p := range n.genesis.Peers {
		if net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) == self {
			continue
		}
		peer := p
		exception.SafeGo("seed-dial", func() {
			if err := n.Transport.Connect(ctx, peer.Host, peer.Port); err != nil {
				logx.Warn("NODE", fmt.Sprintf("Seed %s:%d unreachable: %v", peer.Host, peer.Port, err))
			}
		})
	}

	n.Engine.Start(ctx)
	exception.SafeGo("consensus", func() { n.Engine.Run(ctx, n.cfg.Consensus.Tick()) })
	exception.SafeGo("full-sync", func() { n.fullSyncLoop(ctx) })
	exception.SafeLoop(ctx, "reconnect", n.cfg.Sync.ReconnectInterval(), n.cfg.Sync.ReconnectInterval(), func(ctx context.Context) {
		n.Sync.Discover(ctx)
		n.Transport.Reconnect(ctx)
	})
	if n.store != nil {
		exception.SafeLoop(ctx, "auto-save", n.cfg.Store.SaveInterval(), n.cfg.Store.SaveInterval(), func(context.Context) {
			if err := n.Save(); err != nil {
				logx.Error("NODE", "Auto-save failed: ", err)
			}
		})
	}
	logx.Info("NODE", fmt.Sprintf("Node %s started: address=%s chainLength=%d validators=%d",
		n.id, n.wallet.Address(), n.Ledger.Len(), n.Stakes.ValidatorCount()))
	return nil
}

// fullSyncLoop asks random peers for their chain every interval, retrying sooner while no peer is connected.
func (n *Node) fullSyncLoop(ctx context.Context) {
	timer := time.NewTimer(n.cfg.Sync.InitialDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next := n.cfg.Sync.Interval()
		if asked := n.Sync.RequestFullSync(ctx); asked == 0 {
			logx.Debug("NODE", "Full sync skipped, no peers")
			next = n.cfg.Sync.Retry()
		}
		timer.Reset(next)
	}
}

// Stop saves state and releases the store. Cancel the Start context first.
func (n *Node) Stop() {
	n.Transport.Close()
	if n.store == nil {
		return
	}
	if err := n.Save(); err != nil {
		logx.Error("NODE", "Final save failed: ", err)
	}
	if err := n.store.Close(); err != nil {
		logx.Warn("NODE", "Close store: ", err)
	}
}
