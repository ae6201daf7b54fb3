package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"Kestrel/internal/bls"
	"Kestrel/internal/dag"
	"Kestrel/internal/fetch"
	"Kestrel/internal/logger"
	"Kestrel/internal/network"
	"Kestrel/internal/rand"
	"Kestrel/internal/storage"
	"Kestrel/internal/types"
)

const (
	// dialTimeout bounds the initial dial-out to the whole cluster.
	dialTimeout = 30 * time.Second

	// dialRetryDelay is the delay between attempts to reach one peer.
	dialRetryDelay = 2 * time.Second
)

// Node represents a running Kestrel validator.
type Node struct {
	cfg        *Config
	author     types.Author
	blsKey     *bls.KeyPair
	validators *types.ValidatorSet

	storage      *storage.Storage
	network      *network.Node
	dagStore     *dag.Store
	pending      *dag.PendingNodes
	fetcher      *fetch.Fetcher
	fetchService *fetch.Service
	fetchHandler *fetch.Handler
	requester    *fetch.Requester
	randStore    *rand.Store
	randPublic   *bls.ThresholdPublic
	randShare    *bls.ThresholdShare
	producer     *rand.Producer
	driver       *driver
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	n.author = types.AuthorFromBytes(pubKey)

	blsKey, err := bls.DeriveFromED25519(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive BLS key:\n%w", err)
	}
	n.blsKey = blsKey

	n.validators, err = buildValidatorSet(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("build validator set:\n%w", err)
	}

	if !n.validators.Contains(n.author) {
		return nil, fmt.Errorf("own key %s is not in the validator set", n.author.Short())
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initDag()
	n.initFetch()

	if err := n.initRand(); err != nil {
		n.Close()
		return nil, err
	}

	n.driver = newDriver(n)

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initNetwork initializes the P2P network node.
func (n *Node) initNetwork() error {
	netCfg := network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initDag creates the in-memory DAG window and its pending-node buffer.
func (n *Node) initDag() {
	n.dagStore = dag.NewStore(n.cfg.Cluster.Epoch, n.validators)
	n.pending = dag.NewPendingNodes()
}

// initFetch wires the anti-entropy fetcher: the QUIC client, the fan-out
// fetcher, the coalescing service, and the responder-side handler.
func (n *Node) initFetch() {
	cluster := n.cfg.Cluster

	fetcherCfg := fetch.Config{
		RetryInterval:           cluster.FetchRetryInterval,
		RPCTimeout:              cluster.FetchRPCTimeout,
		MinConcurrentResponders: cluster.MinResponders,
		MaxConcurrentResponders: cluster.MaxResponders,
	}
	n.fetcher = fetch.NewFetcher(fetcherCfg, &quicFetchClient{net: n.network}, n.dagStore, n.validators)

	serviceCfg := fetch.ServiceConfig{
		QueueSize:            cluster.FetchQueueSize,
		MaxConcurrentFetches: cluster.MaxConcurrentFetches,
	}
	n.fetchService = fetch.NewService(serviceCfg, n.dagStore, n.fetcher, n.validators)
	n.requester = n.fetchService.Requester()
	n.fetchHandler = fetch.NewHandler(n.dagStore)
}

// initRand loads the validator's threshold key material and builds the
// randomness store, replaying persisted shares and decisions for the
// configured epoch.
func (n *Node) initRand() error {
	public, err := decodeThresholdPublic(n.cfg.Cluster)
	if err != nil {
		return fmt.Errorf("load threshold public key:\n%w", err)
	}

	keyShare, err := loadThresholdShare(n.cfg.RandKeyPath)
	if err != nil {
		return fmt.Errorf("load threshold key share:\n%w", err)
	}

	if keyShare.Index() != n.validators.Index(n.author) {
		return fmt.Errorf("threshold share index %d does not match validator index %d",
			keyShare.Index(), n.validators.Index(n.author))
	}

	threshold := n.cfg.Cluster.RandThreshold
	if threshold == 0 {
		threshold = n.validators.QuorumWeight()
	}

	randCfg := rand.Config{ThresholdWeight: threshold}
	db := rand.NewDB(n.storage)

	store, err := rand.New(n.cfg.Cluster.Epoch, n.author, n.validators, randCfg, db, rand.NewThresholdAggregator(public))
	if err != nil {
		return fmt.Errorf("init randomness store:\n%w", err)
	}

	n.randStore = store
	n.randPublic = public
	n.randShare = keyShare
	n.producer = rand.NewProducer(n.author, keyShare)

	return nil
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.setupMessageHandlers()
	n.setupRequestHandlers()

	if err := n.dialPeers(); err != nil {
		logger.Warn("cluster dial incomplete", "error", err)
	}

	n.fetchService.Start()
	n.driver.start()

	return n.waitForShutdown()
}

// dialPeers connects to every other validator in parallel. Peers that are
// not up yet are retried until the dial window closes; the reconnect loop
// picks up anything still unreachable after that.
func (n *Node) dialPeers() error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var group errgroup.Group

	for _, author := range n.validators.OrderedAuthors() {
		if author == n.author {
			continue
		}

		info := n.validators.Get(author)
		if info.Address == "" {
			continue
		}

		group.Go(func() error {
			return n.dialPeer(ctx, info)
		})
	}

	return group.Wait()
}

// dialPeer dials one validator, retrying until the context ends.
func (n *Node) dialPeer(ctx context.Context, info *types.ValidatorInfo) error {
	for {
		if n.network.GetPeer(info.Author) != nil {
			return nil
		}

		peer, err := n.network.Connect(info.Address)
		if err == nil {
			logger.Info("connected to validator",
				"pubkey", info.Author.Short(),
				"addr", peer.Address(),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s at %s:\n%w", info.Author.Short(), info.Address, err)
		case <-time.After(dialRetryDelay):
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.driver != nil {
		n.driver.stop()
	}

	if n.fetchService != nil {
		n.fetchService.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
