package via

import (
	"math"
	"time"
)

// Chunking decides how payloads are cut into packets.
//
// A payload that fits a single packet along with its header is sent as
// is. Larger ones send the header with MinUnit bytes of data first, then
// stream the rest. Within [BulkMin, BulkMax], the stream uses the fewest
// chunks of roughly one bandwidth-delay product each; outside of it, MTU
// sized chunks.
type Chunking struct {
	MinUnit int
	BulkMin int
	BulkMax int

	// Bandwidth in bytes per second and Latency estimate the link.
	Bandwidth float64
	Latency   time.Duration
}

func (ch Chunking) withDefaults() Chunking {
	if ch.MinUnit <= dataHeaderSize {
		ch.MinUnit = 4 << 10
	}
	if ch.BulkMin <= 0 {
		ch.BulkMin = 64 << 10
	}
	if ch.BulkMax <= 0 {
		ch.BulkMax = 16 << 20
	}
	if ch.Bandwidth <= 0 {
		ch.Bandwidth = 1.25e9
	}
	if ch.Latency <= 0 {
		ch.Latency = 20 * time.Microsecond
	}
	return ch
}

// BDP is the bandwidth-delay product in bytes.
func (ch Chunking) BDP() int {
	return max(int(math.Round(ch.Bandwidth*ch.Latency.Seconds())), 1)
}

// Size is the chunk used to stream a payload of length bytes.
func (ch Chunking) Size(length, mtu int) int {
	if length < ch.BulkMin || length > ch.BulkMax {
		return mtu
	}
	pieces := ceilDiv(length, ch.BDP())
	return min(max(ceilDiv(length, pieces), min(ch.MinUnit, mtu)), mtu)
}

// FirstUnit is how many payload bytes ride along the header.
func (ch Chunking) FirstUnit(length, mtu int) int {
	if length+dataHeaderSize <= mtu {
		return length
	}
	return min(ch.MinUnit, mtu) - dataHeaderSize
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
