package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// UDPHeader is the SOCKS5 UDP encapsulation header: RSV(2)=0, FRAG(1),
// ATYP(1), DST_ADDR, DST_PORT(2). Fragmentation is not supported by this
// proxy; FRAG must always be 0.
type UDPHeader struct {
	Frag    byte
	DstAddr Address
	DstPort uint16
}

// ErrInvalidFragment is returned when FRAG != 0; the caller must drop only
// the offending datagram, not the association.
var ErrInvalidFragment = fmt.Errorf("udp: fragmented datagrams are not supported")

// ParseUDPDatagram splits a raw UDP payload into its header and the
// application payload that follows it.
func ParseUDPDatagram(pkt []byte) (*UDPHeader, []byte, error) {
	if len(pkt) < 4 {
		return nil, nil, fmt.Errorf("udp datagram too short: %d bytes", len(pkt))
	}
	// RSV (2 bytes, ignored), FRAG (1 byte), ATYP (1 byte)
	frag := pkt[2]
	if frag != 0 {
		return nil, nil, ErrInvalidFragment
	}
	atyp := AddrType(pkt[3])

	rest := pkt[4:]
	var addr Address
	var portOffset int
	switch atyp {
	case ATYPIPv4:
		if len(rest) < 4+2 {
			return nil, nil, fmt.Errorf("udp datagram truncated ipv4 address")
		}
		addr = Address{IP: net.IP(append([]byte(nil), rest[:4]...))}
		portOffset = 4
	case ATYPIPv6:
		if len(rest) < 16+2 {
			return nil, nil, fmt.Errorf("udp datagram truncated ipv6 address")
		}
		addr = Address{IP: net.IP(append([]byte(nil), rest[:16]...))}
		portOffset = 16
	case ATYPDomain:
		if len(rest) < 1 {
			return nil, nil, fmt.Errorf("udp datagram missing domain length")
		}
		n := int(rest[0])
		if len(rest) < 1+n+2 {
			return nil, nil, fmt.Errorf("udp datagram truncated domain")
		}
		addr = Address{Domain: string(rest[1 : 1+n])}
		portOffset = 1 + n
	default:
		return nil, nil, protoErr(false, ReplyAtypNotSupported, "unsupported udp address type 0x%02x", byte(atyp))
	}

	port := binary.BigEndian.Uint16(rest[portOffset : portOffset+2])
	payload := rest[portOffset+2:]

	return &UDPHeader{Frag: frag, DstAddr: addr, DstPort: port}, payload, nil
}

// BuildUDPDatagram serializes a header and payload into one wire datagram.
func BuildUDPDatagram(dst Address, port uint16, payload []byte) []byte {
	var atyp AddrType
	var addrBytes []byte
	switch {
	case dst.Domain != "":
		atyp = ATYPDomain
		addrBytes = append([]byte{byte(len(dst.Domain))}, []byte(dst.Domain)...)
	case dst.IP.To4() != nil:
		atyp = ATYPIPv4
		addrBytes = dst.IP.To4()
	default:
		atyp = ATYPIPv6
		addrBytes = dst.IP.To16()
	}

	buf := make([]byte, 0, 4+len(addrBytes)+2+len(payload))
	buf = append(buf, 0x00, 0x00, 0x00, byte(atyp))
	buf = append(buf, addrBytes...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	buf = append(buf, portBuf...)
	buf = append(buf, payload...)
	return buf
}
