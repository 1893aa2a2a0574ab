// Package stream implements the per-stream lifecycle engine that owns one
// framing.Framer and one framing.Deframer and bridges them to a transport.
//
// A stream has two independent lifecycle tracks, one per direction. Each
// track is mutated by exactly one goroutine: the outbound track by the
// application goroutine, the inbound track by the transport I/O goroutine.
// There is no lock spanning the two; the opposite goroutine may read a track
// opportunistically for advisory checks only.
package stream

import (
	"fmt"
	"sync/atomic"
)

// Phase is a direction's lifecycle marker. Phases only ever move forward.
type Phase int32

const (
	// PhaseHeaders: nothing but headers has moved in this direction.
	PhaseHeaders Phase = iota
	// PhaseMessage: at least one message has been written or delivered.
	PhaseMessage
	// PhaseStatus: this direction is finished.
	PhaseStatus
)

func (p Phase) String() string {
	switch p {
	case PhaseHeaders:
		return "HEADERS"
	case PhaseMessage:
		return "MESSAGE"
	case PhaseStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// phaseTrack is one direction's phase. It is written by a single goroutine;
// the atomic gives the other goroutine visibility for advisory reads, not
// ordering across tracks.
type phaseTrack struct {
	v atomic.Int32
}

// advance moves the track to target. Moving backward is a framework
// integration bug and panics; advancing to the current phase is a no-op.
func (t *phaseTrack) advance(target Phase) {
	current := Phase(t.v.Load())
	if target < current {
		panic(fmt.Sprintf("stream: phase regression %v -> %v", current, target))
	}
	t.v.Store(int32(target))
}

func (t *phaseTrack) load() Phase {
	return Phase(t.v.Load())
}
