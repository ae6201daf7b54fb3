package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Kestrel/internal/codec"
	"Kestrel/internal/logger"
	"Kestrel/internal/types"
)

const (
	// defaultReconnectDelay is the initial delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay caps the reconnection backoff.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "kestrel/1"
)

// Message is a routed one-way message from a peer. Wire carries the full
// tagged frame so subscribers can relay it onward without re-encoding.
type Message struct {
	Type codec.MessageType
	From types.Author
	Wire []byte
}

// Payload returns the message bytes without the leading type tag.
func (m Message) Payload() []byte {
	return m.Wire[1:]
}

// MessageHandler consumes one-way messages of a subscribed type.
type MessageHandler func(Message)

// RequestHandler answers a bidirectional request. It receives the full
// tagged request frame and returns the full tagged response frame.
type RequestHandler func(from types.Author, data []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // the validator's ed25519 identity key
	ListenAddr     string             // address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // initial delay between reconnection attempts
}

// Node is one validator's endpoint in the mesh. Peers are addressed by
// their validator identity, and incoming frames are routed to per-type
// subscribers.
type Node struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	author     types.Author
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peers   map[types.Author]*Peer
	peersMu sync.RWMutex

	// knownAddrs remembers where each identity was last reachable, for
	// reconnection after a drop.
	knownAddrs   map[types.Author]string
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	dedup *dedup

	subs         map[codec.MessageType][]MessageHandler
	serves       map[codec.MessageType]RequestHandler
	onConnect    func(*Peer)
	onDisconnect func(*Peer)
	handlersMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a network node from the validator's identity key.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := identityCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the ed25519 key, checked by peerIdentity
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      publicKey,
		author:         types.AuthorFromBytes(publicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[types.Author]*Peer),
		knownAddrs:     make(map[types.Author]string),
		reconnectDelay: reconnectDelay,
		dedup:          newDedup(),
		subs:           make(map[codec.MessageType][]MessageHandler),
		serves:         make(map[codec.MessageType]RequestHandler),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Author returns the node's validator identity.
func (n *Node) Author() types.Author {
	return n.author
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Empty until Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials a remote node at the given address.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Subscribe registers a handler for one-way messages of the given type.
// Frames of types nobody subscribed to are dropped.
func (n *Node) Subscribe(t codec.MessageType, h MessageHandler) {
	n.handlersMu.Lock()
	n.subs[t] = append(n.subs[t], h)
	n.handlersMu.Unlock()
}

// Serve registers the handler answering requests of the given type.
func (n *Node) Serve(t codec.MessageType, h RequestHandler) {
	n.handlersMu.Lock()
	n.serves[t] = h
	n.handlersMu.Unlock()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Broadcast sends a tagged frame to all connected peers.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Gossip sends a tagged frame to a random subset of connected peers.
// If fanout covers the peer count, this is Broadcast.
func (n *Node) Gossip(data []byte, fanout int) error {
	var lastErr error

	for _, p := range selectRandomPeers(n.Peers(), fanout) {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Request sends a tagged request frame to the identified peer and waits
// for its response.
func (n *Node) Request(ctx context.Context, to types.Author, data []byte) ([]byte, error) {
	p := n.GetPeer(to)
	if p == nil {
		return nil, fmt.Errorf("peer %s not connected", to.Short())
	}

	return p.Request(ctx, data)
}

// selectRandomPeers returns up to count random peers from the slice.
func selectRandomPeers(peers []*Peer, count int) []*Peer {
	if count >= len(peers) {
		return peers
	}

	shuffled := make([]*Peer, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled[:count]
}

// Peers returns all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer with the given identity, or nil if not
// connected.
func (n *Node) GetPeer(author types.Author) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[author]
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[types.Author]*Peer)
	n.peersMu.Unlock()

	n.dedup.close()
	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer identifies the remote validator and registers the peer.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	author, pubKey, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer identity:\n%w", err)
	}

	peer := &Peer{
		author:    author,
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[author] = peer
	n.peersMu.Unlock()

	n.knownAddrsMu.Lock()
	n.knownAddrs[author] = addr
	n.knownAddrsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// dispatch routes a received frame to the type's subscribers. Untagged
// frames, duplicates, and types without a subscriber are dropped.
func (n *Node) dispatch(p *Peer, wire []byte) {
	msgType, err := codec.TypeOf(wire)
	if err != nil {
		logger.Debug("dropping untagged frame", "peer", p.author.Short())
		return
	}

	if !n.dedup.check(wire) {
		logger.Debug("duplicate frame", "type", msgType, "peer", p.author.Short())
		return
	}

	n.handlersMu.RLock()
	handlers := n.subs[msgType]
	n.handlersMu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("no subscriber", "type", msgType, "peer", p.author.Short())
		return
	}

	msg := Message{Type: msgType, From: p.author, Wire: wire}
	for _, h := range handlers {
		h(msg)
	}
}

// answer routes a request frame to the type's request handler.
func (n *Node) answer(p *Peer, wire []byte) ([]byte, error) {
	msgType, err := codec.TypeOf(wire)
	if err != nil {
		return nil, err
	}

	n.handlersMu.RLock()
	h, ok := n.serves[msgType]
	n.handlersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no handler for request type %d", msgType)
	}

	return h(p.author, wire)
}

// handlePeerDisconnect drops the peer and schedules reconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	delete(n.peers, p.author)
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.author)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(author types.Author) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[author]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // peer forgotten
		}

		if n.GetPeer(author) != nil {
			return // already reconnected
		}

		peer, err := n.Connect(addr)
		if err == nil {
			n.callOnConnect(peer)
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
