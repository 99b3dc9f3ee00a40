// Package cidrset answers CIDR membership queries and enumerates host
// addresses for the prober's sweeps.
package cidrset

import (
	"encoding/binary"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

// Set is an ordered, read-only collection of IPv4 CIDR blocks. It is safe
// for unlimited concurrent readers: once built it is never mutated.
type Set struct {
	blocks []*net.IPNet
}

// New builds a Set from already-parsed CIDR blocks.
func New(blocks []*net.IPNet) *Set {
	return &Set{blocks: blocks}
}

// Contains reports whether ip falls inside any configured block. Linear
// scan: pure and lock-free, acceptable for the expected block counts.
func (s *Set) Contains(ip net.IP) bool {
	for _, b := range s.blocks {
		if b.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of configured blocks.
func (s *Set) Len() int {
	return len(s.blocks)
}

// Hosts enumerates every address in every configured block and streams them
// on the returned channel, closing it once exhausted. Address arithmetic is
// delegated to apparentlymart/go-cidr rather than hand-rolled, since the
// edge range this system targets has no "first/last address reserved"
// convention worth special-casing.
func (s *Set) Hosts() <-chan net.IP {
	out := make(chan net.IP, 256)
	go func() {
		defer close(out)
		for _, b := range s.blocks {
			count := cidr.AddressCount(b)
			for i := uint64(0); i < count; i++ {
				host, err := cidr.Host(b, int(i))
				if err != nil {
					break
				}
				out <- host
			}
		}
	}()
	return out
}

// ToUint32 converts an IPv4 address to its big-endian uint32 form, the
// representation FastIpCell and ProbeResult use internally.
func ToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// FromUint32 is the inverse of ToUint32.
func FromUint32(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}
