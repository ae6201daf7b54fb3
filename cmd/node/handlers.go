package main

import (
	"context"
	"errors"
	"fmt"

	"Kestrel/internal/bls"
	"Kestrel/internal/codec"
	"Kestrel/internal/dag"
	"Kestrel/internal/fetch"
	"Kestrel/internal/liveness"
	"Kestrel/internal/logger"
	"Kestrel/internal/network"
	"Kestrel/internal/rand"
	"Kestrel/internal/types"
)

// relayFanout is the number of peers a received message is forwarded to.
// Relaying keeps the mesh converging even without full connectivity.
const relayFanout = 10

// setupMessageHandlers subscribes the node to every one-way wire type it
// consumes. Frames of other types are dropped by the network layer.
func (n *Node) setupMessageHandlers() {
	n.network.Subscribe(codec.MsgCertifiedNode, n.handleCertifiedNode)
	n.network.Subscribe(codec.MsgRandShare, n.handleRandShare)
	n.network.Subscribe(codec.MsgRandDecision, n.handleRandDecision)
	n.network.Subscribe(codec.MsgVote, n.handleVote)
	n.network.Subscribe(codec.MsgRoundTimeout, n.handleRoundTimeout)
}

// handleCertifiedNode inserts a gossiped node into the DAG. Nodes whose
// parents are missing wait in the pending buffer while a fetch pulls the
// history; everything valid is relayed onward.
func (n *Node) handleCertifiedNode(msg network.Message) {
	var cn dag.CertifiedNode
	if err := codec.Decode(msg.Wire, &cn); err != nil {
		logger.Debug("bad certified node", "from", msg.From.Short(), "error", err)
		return
	}

	err := n.dagStore.AddNode(&cn)

	var missing *dag.MissingParentsError
	switch {
	case err == nil:
		n.relay(msg.Wire)
		n.driver.submit(nodeAdded{round: cn.Node.Meta.Round})

	case errors.As(err, &missing):
		if n.pending.Add(&cn) {
			n.relay(msg.Wire)
			n.requestHistory(&cn)
		}

	default:
		logger.Debug("rejected node",
			"node", cn.Node.Meta.String(),
			"from", msg.From.Short(),
			"error", err,
		)
	}
}

// requestHistory asks the fetch service for a node's missing causal
// history. The driver replays the pending buffer once the fetch lands.
func (n *Node) requestHistory(cn *dag.CertifiedNode) {
	done, err := n.requester.RequestForCertifiedNode(cn)
	if err != nil {
		logger.Warn("fetch request rejected", "node", cn.Node.Meta.String(), "error", err)
		return
	}

	n.driver.watchFetch(done)
}

// handleRandShare verifies a randomness share and hands it to the driver.
func (n *Node) handleRandShare(msg network.Message) {
	var share rand.Share
	if err := codec.Decode(msg.Wire, &share); err != nil {
		logger.Debug("bad rand share", "from", msg.From.Short(), "error", err)
		return
	}

	if !rand.VerifyShare(&share, n.validators, n.randPublic) {
		logger.Debug("invalid rand share",
			"author", share.Author.Short(),
			"round", share.Metadata.Round,
			"from", msg.From.Short(),
		)
		return
	}

	n.relay(msg.Wire)
	n.driver.submit(&share)
}

// handleRandDecision verifies an aggregated decision and hands it to the
// driver.
func (n *Node) handleRandDecision(msg network.Message) {
	var decision rand.Decision
	if err := codec.Decode(msg.Wire, &decision); err != nil {
		logger.Debug("bad rand decision", "from", msg.From.Short(), "error", err)
		return
	}

	if !rand.VerifyDecision(&decision, n.randPublic) {
		logger.Debug("invalid rand decision",
			"round", decision.Metadata.Round,
			"from", msg.From.Short(),
		)
		return
	}

	n.relay(msg.Wire)
	n.driver.submit(&decision)
}

// handleVote verifies a consensus vote and hands it to the driver.
// Forged votes stop here; only verified ones are relayed.
func (n *Node) handleVote(msg network.Message) {
	var vote liveness.Vote
	if err := codec.Decode(msg.Wire, &vote); err != nil {
		logger.Debug("bad vote", "from", msg.From.Short(), "error", err)
		return
	}

	if !verifyVote(&vote, n.validators) {
		logger.Debug("invalid vote signature",
			"author", vote.Author.Short(),
			"round", vote.Round,
			"from", msg.From.Short(),
		)
		return
	}

	n.relay(msg.Wire)
	n.driver.submit(&vote)
}

// handleRoundTimeout verifies a round timeout and hands it to the driver.
func (n *Node) handleRoundTimeout(msg network.Message) {
	var timeout liveness.RoundTimeout
	if err := codec.Decode(msg.Wire, &timeout); err != nil {
		logger.Debug("bad round timeout", "from", msg.From.Short(), "error", err)
		return
	}

	if !verifyTimeout(&timeout, n.validators) {
		logger.Debug("invalid timeout signature",
			"author", timeout.Author.Short(),
			"round", timeout.Round,
			"from", msg.From.Short(),
		)
		return
	}

	n.relay(msg.Wire)
	n.driver.submit(&timeout)
}

// verifyVote checks a vote's BLS signature against the voter's key.
func verifyVote(v *liveness.Vote, validators *types.ValidatorSet) bool {
	info := validators.Get(v.Author)
	return info != nil && bls.Verify(v.Signature, voteMessage(v.Round, v.Digest), info.BLSPublicKey)
}

// verifyTimeout checks a round timeout's BLS signature.
func verifyTimeout(t *liveness.RoundTimeout, validators *types.ValidatorSet) bool {
	info := validators.Get(t.Author)
	return info != nil && bls.Verify(t.Signature, timeoutMessage(t.Epoch, t.Round, t.Reason), info.BLSPublicKey)
}

// relay forwards a received frame to a random subset of peers.
func (n *Node) relay(wire []byte) {
	_ = n.network.Gossip(wire, relayFanout)
}

// broadcast encodes a message and sends it to every connected peer.
func (n *Node) broadcast(msgType codec.MessageType, v any) {
	data, err := codec.Encode(msgType, v)
	if err != nil {
		logger.Error("encode broadcast", "type", msgType, "error", err)
		return
	}

	if err := n.network.Broadcast(data); err != nil {
		logger.Debug("broadcast incomplete", "type", msgType, "error", err)
	}
}

// setupRequestHandlers serves fetch requests over bidirectional streams.
// Responses are zstd-compressed; a history window compresses well.
func (n *Node) setupRequestHandlers() {
	n.network.Serve(codec.MsgFetchRequest, func(from types.Author, data []byte) ([]byte, error) {
		var req fetch.RemoteFetchRequest
		if err := codec.Decode(data, &req); err != nil {
			return nil, fmt.Errorf("decode fetch request:\n%w", err)
		}

		resp, err := n.fetchHandler.Process(&req)
		if err != nil {
			return nil, err
		}

		return encodeFetchResponse(resp)
	})
}

// encodeFetchResponse frames a fetch response: type byte + zstd payload.
func encodeFetchResponse(resp *fetch.FetchResponse) ([]byte, error) {
	payload, err := codec.Marshal(resp)
	if err != nil {
		return nil, err
	}

	compressed, err := codec.Compress(payload)
	if err != nil {
		return nil, err
	}

	framed := make([]byte, 1+len(compressed))
	framed[0] = byte(codec.MsgFetchResponse)
	copy(framed[1:], compressed)

	return framed, nil
}

// decodeFetchResponse is the inverse of encodeFetchResponse.
func decodeFetchResponse(data []byte) (*fetch.FetchResponse, error) {
	msgType, err := codec.TypeOf(data)
	if err != nil {
		return nil, err
	}
	if msgType != codec.MsgFetchResponse {
		return nil, fmt.Errorf("unexpected response type %d", msgType)
	}

	payload, err := codec.Decompress(data[1:])
	if err != nil {
		return nil, fmt.Errorf("decompress fetch response:\n%w", err)
	}

	var resp fetch.FetchResponse
	if err := codec.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode fetch response:\n%w", err)
	}

	return &resp, nil
}

// quicFetchClient sends fetch requests to one peer over its QUIC stream.
type quicFetchClient struct {
	net *network.Node
}

// Fetch implements fetch.Client.
func (c *quicFetchClient) Fetch(ctx context.Context, peer types.Author, req *fetch.RemoteFetchRequest) (*fetch.FetchResponse, error) {
	data, err := codec.Encode(codec.MsgFetchRequest, req)
	if err != nil {
		return nil, err
	}

	raw, err := c.net.Request(ctx, peer, data)
	if err != nil {
		return nil, fmt.Errorf("fetch rpc to %s:\n%w", peer.Short(), err)
	}

	return decodeFetchResponse(raw)
}
