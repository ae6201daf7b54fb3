package codec

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/klauspost/compress/zstd"
)

// MessageType tags every wire message so receivers can route it.
type MessageType byte

// Wire message types.
const (
	MsgCertifiedNode MessageType = 0x01 // gossiped certified DAG node
	MsgRandShare     MessageType = 0x02 // randomness share
	MsgRandDecision  MessageType = 0x03 // aggregated randomness decision
	MsgRoundTimeout  MessageType = 0x04 // round timeout vote
	MsgVote          MessageType = 0x05 // proposal vote
	MsgFetchRequest  MessageType = 0x10 // anti-entropy fetch request
	MsgFetchResponse MessageType = 0x11 // anti-entropy fetch response
)

var handle = &codec.MsgpackHandle{}

// Marshal encodes a value to msgpack bytes.
func Marshal(v any) ([]byte, error) {
	var buf []byte

	enc := codec.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode:\n%w", err)
	}

	return buf, nil
}

// Unmarshal decodes msgpack bytes into a value.
func Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("msgpack decode:\n%w", err)
	}

	return nil
}

// Encode builds a routed wire message: [1B type] [msgpack payload].
func Encode(t MessageType, v any) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 1+len(payload))
	buf[0] = byte(t)
	copy(buf[1:], payload)

	return buf, nil
}

// TypeOf returns the message type of a routed wire message.
func TypeOf(data []byte) (MessageType, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty message")
	}

	return MessageType(data[0]), nil
}

// Decode extracts the payload of a routed wire message into a value.
func Decode(data []byte, v any) error {
	if len(data) < 1 {
		return fmt.Errorf("message too short")
	}

	return Unmarshal(data[1:], v)
}

// Compress compresses data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed data.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
