package workload

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// EphemeralPortBase is the first source port handed out to client connections.
const EphemeralPortBase = 49152

// LocalAddrPort maps connection index to a spoofed source address and port.
//
// Each address carries connsPerAddr connections on consecutive ports starting
// at EphemeralPortBase; the address is base advanced by index/connsPerAddr+1
// with carry across octets.
func LocalAddrPort(base netip.Addr, connsPerAddr, index uint32) netip.AddrPort {
	b := base.As4()
	v := binary.BigEndian.Uint32(b[:])
	v += index/connsPerAddr + 1

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	port := uint16(EphemeralPortBase + index%connsPerAddr)
	return netip.AddrPortFrom(netip.AddrFrom4(out), port)
}

// addressSlice is the part of an address pool owned by one client worker.
type addressSlice struct {
	// base is the address before the first host of the slice.
	base         netip.Addr
	hosts        uint32
	connsPerAddr uint32
}

// sliceAddressPool splits pool into slice.Count equal host ranges and
// returns the one at slice.Index. Network and broadcast addresses are never
// handed out.
func sliceAddressPool(pool netip.Prefix, connsPerAddr int, slice Slice) (addressSlice, error) {
	if !pool.Addr().Is4() {
		return addressSlice{}, fmt.Errorf("address pool %s is not IPv4", pool)
	}
	pool = pool.Masked()

	total := uint64(1)<<(32-pool.Bits()) - 2
	per := total / uint64(slice.Count)
	if per == 0 {
		return addressSlice{}, fmt.Errorf("address pool %s has %d hosts, too few for %d clients", pool, total, slice.Count)
	}

	b := pool.Addr().As4()
	v := binary.BigEndian.Uint32(b[:]) + uint32(per)*uint32(slice.Index)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)

	return addressSlice{
		base:         netip.AddrFrom4(out),
		hosts:        uint32(per),
		connsPerAddr: uint32(connsPerAddr),
	}, nil
}

// capacity returns how many distinct source address/port pairs the slice holds.
func (s addressSlice) capacity() uint32 {
	c := uint64(s.hosts) * uint64(s.connsPerAddr)
	if c > 1<<31 {
		c = 1 << 31
	}
	return uint32(c)
}

// at returns the source for index, which must be below capacity.
func (s addressSlice) at(index uint32) netip.AddrPort {
	return LocalAddrPort(s.base, s.connsPerAddr, index)
}

// listenNetwork pins the socket family to the family of address, so an IPv4
// wildcard such as 0.0.0.0 opens an AF_INET socket instead of a dual-stack
// one on [::].
func listenNetwork(protocol, address string) string {
	ap, err := netip.ParseAddrPort(address)
	if err != nil || !ap.Addr().Is4() {
		return protocol
	}
	return protocol + "4"
}
