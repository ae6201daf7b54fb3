package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Kestrel/internal/logger"
	"Kestrel/internal/types"
)

// defaultRequestTimeout bounds Request calls whose context carries no
// deadline.
const defaultRequestTimeout = 30 * time.Second

// Peer is a connection to one remote validator. Its identity is the
// ed25519 key proven during the TLS handshake.
type Peer struct {
	author    types.Author
	publicKey ed25519.PublicKey
	address   string
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
	mu        sync.Mutex // serializes Send
}

// Author returns the remote validator's identity.
func (p *Peer) Author() types.Author {
	return p.author
}

// PublicKey returns the remote validator's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send sends a tagged frame to the peer on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write frame:\n%w", err)
	}

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends a tagged request frame over a bidirectional stream and
// waits for the response frame.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// receiveLoop accepts the peer's incoming streams until the connection
// drops.
func (p *Peer) receiveLoop() {
	go p.acceptRequests()

	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("peer stream loop ended", "peer", p.author.Short(), "error", err)
			break
		}

		go p.readOneWay(stream)
	}

	p.handleDisconnect()
}

// acceptRequests accepts bidirectional streams for request/response.
func (p *Peer) acceptRequests() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}

		go p.answerRequest(stream)
	}
}

// answerRequest serves one request/response exchange.
func (p *Peer) answerRequest(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	response, err := p.node.answer(p, data)
	if err != nil {
		logger.Debug("request failed", "peer", p.author.Short(), "error", err)
		return
	}

	writeFrame(stream, response)
}

// readOneWay reads a tagged frame from a unidirectional stream and hands
// it to the node for routing.
func (p *Peer) readOneWay(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.author.Short(), "error", err)
		return
	}

	p.node.dispatch(p, data)
}

// handleDisconnect tears the peer down once its connection is gone.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // already closed
	}

	p.node.handlePeerDisconnect(p)
}
