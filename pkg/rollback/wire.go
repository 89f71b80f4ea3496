// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package rollback

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	. "github.com/interactive-gym/session-engine/pkg/types"
)

// Wire message type bytes. All multi-byte integers are big-endian.
const (
	MsgTypeInput        byte = 0x01
	MsgTypePing         byte = 0x05
	MsgTypePong         byte = 0x06
	MsgTypeStateHash    byte = 0x07
	MsgTypeEpisodeReady byte = 0x08
)

// MaxInputRedundancy bounds the number of recent inputs repeated in every
// input packet. Redundancy is what recovers lost packets without resends.
const MaxInputRedundancy = 8

// InputEntry is one (frame, action) pair of an input packet.
type InputEntry struct {
	Frame  int
	Action Action
}

// InputPacket carries the newest input of a player plus the redundancy tail.
// Ordering on the wire is irrelevant; receivers de-duplicate by (frame, player).
type InputPacket struct {
	Player PlayerID
	Inputs []InputEntry // newest first
}

// EncodeInput serializes an input packet:
// type(1) frame(4) player(1) count(1) then count x (frame(4) action(4)).
func EncodeInput(p *InputPacket) ([]byte, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("input packet without inputs")
	}
	if len(p.Inputs) > MaxInputRedundancy {
		p.Inputs = p.Inputs[:MaxInputRedundancy]
	}
	buf := make([]byte, 7+8*len(p.Inputs))
	buf[0] = MsgTypeInput
	binary.BigEndian.PutUint32(buf[1:5], uint32(p.Inputs[0].Frame))
	buf[5] = byte(p.Player)
	buf[6] = byte(len(p.Inputs))
	off := 7
	for _, in := range p.Inputs {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(in.Frame))
		binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(in.Action))
		off += 8
	}
	return buf, nil
}

// DecodeInput parses an input packet.
func DecodeInput(data []byte) (*InputPacket, error) {
	if len(data) < 7 || data[0] != MsgTypeInput {
		return nil, fmt.Errorf("malformed input packet")
	}
	count := int(data[6])
	if len(data) < 7+8*count {
		return nil, fmt.Errorf("truncated input packet: want %d entries", count)
	}
	p := &InputPacket{
		Player: PlayerID(data[5]),
		Inputs: make([]InputEntry, 0, count),
	}
	off := 7
	for i := 0; i < count; i++ {
		p.Inputs = append(p.Inputs, InputEntry{
			Frame:  int(binary.BigEndian.Uint32(data[off : off+4])),
			Action: Action(int32(binary.BigEndian.Uint32(data[off+4 : off+8]))),
		})
		off += 8
	}
	return p, nil
}

// EncodePing serializes a ping with a millisecond timestamp.
func EncodePing(tsMillis uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = MsgTypePing
	binary.BigEndian.PutUint64(buf[1:], tsMillis)
	return buf
}

// EncodePong echoes the original timestamp back.
func EncodePong(tsMillis uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = MsgTypePong
	binary.BigEndian.PutUint64(buf[1:], tsMillis)
	return buf
}

// DecodeTimestamp parses the timestamp of a ping or pong.
func DecodeTimestamp(data []byte) (uint64, error) {
	if len(data) != 9 {
		return 0, fmt.Errorf("malformed ping/pong of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data[1:]), nil
}

// EncodeStateHash packs a confirmed-frame digest into the fixed 13-byte
// layout: type(1) frame(4) hash(8). The hash argument is the 16-hex-char
// digest produced by HashState.
func EncodeStateHash(frame int, hash string) ([]byte, error) {
	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) != 8 {
		return nil, fmt.Errorf("state hash must be 16 hex characters, got %q", hash)
	}
	buf := make([]byte, 13)
	buf[0] = MsgTypeStateHash
	binary.BigEndian.PutUint32(buf[1:5], uint32(frame))
	copy(buf[5:], raw)
	return buf, nil
}

// DecodeStateHash unpacks a 13-byte state hash message.
func DecodeStateHash(data []byte) (frame int, hash string, err error) {
	if len(data) != 13 || data[0] != MsgTypeStateHash {
		return 0, "", fmt.Errorf("malformed state hash packet of %d bytes", len(data))
	}
	return int(binary.BigEndian.Uint32(data[1:5])), hex.EncodeToString(data[5:13]), nil
}

// EncodeEpisodeReady signals readiness for the next episode with the
// negotiated boundary signature.
func EncodeEpisodeReady(signature uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = MsgTypeEpisodeReady
	binary.BigEndian.PutUint64(buf[1:], signature)
	return buf
}

// DecodeEpisodeReady parses an episode-ready signature.
func DecodeEpisodeReady(data []byte) (uint64, error) {
	if len(data) != 9 || data[0] != MsgTypeEpisodeReady {
		return 0, fmt.Errorf("malformed episode ready packet")
	}
	return binary.BigEndian.Uint64(data[1:]), nil
}
