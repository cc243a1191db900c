package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"

	"towerbft/bank"
	"towerbft/banking"
	"towerbft/config"
	"towerbft/consensus"
	"towerbft/forks"
	"towerbft/libs/metric"
	meml "towerbft/mempool"
	"towerbft/privval"
	"towerbft/rpc"
	"towerbft/slot"
	"towerbft/store"
	"towerbft/types"
)

// Provider builds a Node from config. Callers wanting an external signer
// or a different store wire their own.
type Provider func(*config.Config, log.Logger) (*Node, error)

// Node wires the validator together: store, fork table, tower, mempool,
// execution scheduler, consensus state and the p2p/rpc surfaces.
type Node struct {
	service.BaseService

	config     *config.Config
	genesisDoc *types.GenesisDoc

	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	blockStore *store.Store
	forkTable  *forks.ForkTable
	mempool    *meml.PriorityMempool
	scheduler  *banking.Scheduler

	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	mempoolReactor   *meml.Reactor

	metricSet    *metric.MetricSet
	rpcListeners []net.Listener
}

type Option func(*Node)

// DefaultNewNode loads keys and genesis from the config directory.
func DefaultNewNode(cfg *config.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(cfg.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", cfg.NodeKeyFile(), err)
	}

	genDoc, err := types.GenesisDocFromFile(cfg.GenesisFile())
	if err != nil {
		return nil, err
	}

	pv := privval.LoadOrGenFilePV(cfg.PrivValidatorKeyFile(), cfg.PrivValidatorStateFile())

	return NewNode(cfg, pv, nodeKey, genDoc, logger)
}

func NewNode(
	cfg *config.Config,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	blockStore, err := store.NewStore("towerbft", cfg.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	rootBank, err := makeRootBank(blockStore, genDoc, logger)
	if err != nil {
		return nil, err
	}

	valset := genDoc.ValidatorSet()
	forkTable := forks.NewForkTable(rootBank, valset)

	tower, err := consensus.LoadTower(cfg.TowerFile(), int(cfg.Consensus.MaxLockoutDepth))
	if err != nil {
		return nil, fmt.Errorf("failed to load tower: %w", err)
	}

	mempool := meml.NewPriorityMempool(cfg.Mempool)
	mempool.SetLogger(logger.With("module", "mempool"))
	mempoolReactor := meml.NewReactor(cfg.Mempool, mempool)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	scheduler := banking.NewScheduler(cfg.Banking, mempool)
	scheduler.SetLogger(logger.With("module", "banking"))

	// The clock starts at the restored root so a restarted node does not
	// replay slots it already finalized.
	slotClock := slot.NewClock(forkTable.Root(), cfg.Consensus.SlotDuration)

	consensusState := consensus.NewConsensusState(
		cfg.Consensus,
		genDoc.ChainID,
		forkTable,
		tower,
		blockStore,
		consensus.SetValidatorSet(valset),
		consensus.SetPrivValidator(privVal),
		consensus.SetScheduler(scheduler),
		consensus.SetMempool(mempool),
		consensus.SetSlotClock(slotClock),
	)
	consensusState.SetLogger(logger.With("module", "consensus"))

	consensusReactor := consensus.NewReactor(consensusState)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("banking", scheduler.Metrics()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("consensus", consensusState.Metrics()); err != nil {
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(cfg, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(
		cfg, transport, mempoolReactor, consensusReactor,
		nodeInfo, nodeKey, logger.With("module", "p2p"),
	)

	node := &Node{
		config:     cfg,
		genesisDoc: genDoc,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		blockStore: blockStore,
		forkTable:  forkTable,
		mempool:    mempool,
		scheduler:  scheduler,

		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		mempoolReactor:   mempoolReactor,

		metricSet: metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}
	return node, nil
}

// makeRootBank restores the persisted root if one exists, otherwise builds
// the genesis bank. A restored bank anchors a fresh hash lineage; peers on
// the same persisted root derive the same lineage.
func makeRootBank(blockStore *store.Store, genDoc *types.GenesisDoc, logger log.Logger) (*bank.Bank, error) {
	rootSlot, _, err := blockStore.LoadRoot()
	if err == store.ErrNoRoot {
		return bank.NewGenesisBank(genDoc.ChainID, genDoc.InitialSlot, genDoc.Accounts), nil
	}
	if err != nil {
		return nil, err
	}

	accounts := make([]types.GenesisAccount, 0)
	err = blockStore.LoadAccounts(func(addr types.Address, acc *bank.Account) error {
		accounts = append(accounts, types.GenesisAccount{Address: addr, Balance: acc.Balance})
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("restored root from store", "slot", rootSlot, "accounts", len(accounts))
	return bank.NewGenesisBank(genDoc.ChainID, rootSlot, accounts), nil
}

func createTransport(nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

func createSwitch(
	cfg *config.Config,
	transport p2p.Transport,
	mempoolReactor *meml.Reactor,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger,
) *p2p.Switch {
	sw := p2p.NewSwitch(cfg.P2P, transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", cfg.NodeKeyFile())
	return sw
}

func makeNodeInfo(cfg *config.Config, nodeKey *p2p.NodeKey, genDoc *types.GenesisDoc) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(8, 11, 0),
		DefaultNodeID:   nodeKey.ID(),
		Network:         genDoc.ChainID,
		Version:         version.TMCoreSemVer,
		Channels: []byte{
			meml.MempoolChannel,
			consensus.VoteChannel,
			consensus.EntryChannel,
		},
		Moniker: cfg.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: cfg.RPC.ListenAddress,
		},
	}

	lAddr := cfg.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = cfg.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func (n *Node) OnStart() error {
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// The switch starts the reactors, which start the consensus state.
	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.scheduler.Start(); err != nil {
		return err
	}

	if n.config.RPC.ListenAddress != "" {
		if err := n.startRPC(); err != nil {
			return err
		}
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}
	return nil
}

func (n *Node) OnStop() {
	for _, l := range n.rpcListeners {
		if err := l.Close(); err != nil {
			n.Logger.Error("error closing rpc listener", "err", err)
		}
	}

	if err := n.scheduler.Stop(); err != nil {
		n.Logger.Error("error stopping scheduler", "err", err)
	}
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("error stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("error closing transport", "err", err)
	}
	if err := n.blockStore.Close(); err != nil {
		n.Logger.Error("error closing store", "err", err)
	}
}

func (n *Node) startRPC() error {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   n.mempool,
		Consensus: n.consensusState,
		ForkTable: n.forkTable,
		Store:     n.blockStore,
		MetricSet: n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc-server")
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
	mux.HandleFunc("/metrics_ws", rpc.MetricsStreamHandler(rpcLogger))

	rpcConfig := rpcserver.DefaultConfig()
	listener, err := rpcserver.Listen(n.config.RPC.ListenAddress, rpcConfig)
	if err != nil {
		return err
	}
	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, rpcConfig); err != nil {
			rpcLogger.Error("rpc server stopped", "err", err)
		}
	}()
	n.rpcListeners = append(n.rpcListeners, listener)
	return nil
}

// Switch exposes the p2p switch, mainly for tests.
func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Mempool() *meml.PriorityMempool {
	return n.mempool
}

func (n *Node) GenesisDoc() *types.GenesisDoc {
	return n.genesisDoc
}

// splitAndTrimEmpty splits s by sep, trims cutset from each element and
// drops empties.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
