// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package rollback

import "errors"

// ErrChannelFull is returned by Channel.Send when the outbound buffer is
// saturated. Callers requeue and retry on a later tick.
var ErrChannelFull = errors.New("p2p channel buffer full")

// Channel is the unreliable peer-to-peer datagram link the engine exchanges
// frame traffic over. Real deployments back it with a WebRTC DataChannel;
// the harness backs it with an in-memory lossy pair.
type Channel interface {
	// Send transmits one datagram best-effort. ErrChannelFull signals
	// congestion; any other error is treated as a dropped datagram.
	Send(data []byte) error
	// Recv is the inbound datagram queue. The engine drains it at tick
	// start; datagrams arriving mid-tick wait for the next drain.
	Recv() <-chan []byte
	// Usable reports whether the link is healthy: ICE connected or
	// completed and the data channel open.
	Usable() bool
	// Terminal reports whether the link failed beyond recovery.
	Terminal() bool
}
