package warden

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// maxClientHelloSize bounds the bytes buffered while peeking at a TLS
// ClientHello. 16 KiB is far larger than any realistic ClientHello.
const maxClientHelloSize = 16384

var (
	errNotTLS      = errors.New("not a TLS handshake")
	errNoSNI       = errors.New("no SNI extension in ClientHello")
	errHelloTooOld = errors.New("ClientHello version below TLS 1.0")
)

// peekClientHello reads the full TLS ClientHello from conn and returns
// the SNI server name together with the raw bytes consumed, so the
// caller can replay them into the TLS engine. io.ReadFull keeps reading
// across TCP segment boundaries, so a hello split over several segments
// still parses. errNoSNI is returned with valid peeked bytes; every
// other error means the stream is not usable as TLS.
func peekClientHello(conn net.Conn) (serverName string, peeked []byte, err error) {
	header := make([]byte, 5)
	if _, readErr := io.ReadFull(conn, header); readErr != nil {
		return "", header, fmt.Errorf("%w: %v", ErrProtocol, readErr)
	}

	// Content type 0x16 = Handshake.
	if header[0] != 0x16 {
		return "", header, fmt.Errorf("%w: %v", ErrProtocol, errNotTLS)
	}

	payloadLen := int(binary.BigEndian.Uint16(header[3:5]))
	if payloadLen <= 0 || payloadLen > maxClientHelloSize {
		return "", header, fmt.Errorf("%w: TLS record length out of range", ErrProtocol)
	}

	payload := make([]byte, payloadLen)
	if _, readErr := io.ReadFull(conn, payload); readErr != nil {
		return "", append(header, payload...), fmt.Errorf("%w: %v", ErrProtocol, readErr)
	}

	peeked = make([]byte, 0, len(header)+len(payload))
	peeked = append(peeked, header...)
	peeked = append(peeked, payload...)

	sni, err := extractSNI(payload)
	if err != nil {
		if errors.Is(err, errNoSNI) {
			return "", peeked, errNoSNI
		}
		return "", peeked, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !validSNIHostname(sni) {
		return "", peeked, fmt.Errorf("%w: invalid SNI hostname", ErrProtocol)
	}
	return sni, peeked, nil
}

// extractSNI parses a TLS Handshake payload to find the server_name
// extension.
func extractSNI(payload []byte) (string, error) {
	if len(payload) < 1 || payload[0] != 0x01 {
		return "", errors.New("not a ClientHello handshake message")
	}
	if len(payload) < 4 {
		return "", errors.New("ClientHello too short")
	}
	msgLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+msgLen {
		return "", errors.New("ClientHello truncated")
	}

	msg := payload[4 : 4+msgLen]

	// client_version (2) + random (32).
	if len(msg) < 34 {
		return "", errors.New("ClientHello too short for version+random")
	}
	if binary.BigEndian.Uint16(msg[0:2]) < 0x0301 {
		return "", errHelloTooOld
	}
	pos := 34

	// Session ID.
	if pos >= len(msg) {
		return "", errors.New("ClientHello missing session ID")
	}
	pos += 1 + int(msg[pos])
	if pos > len(msg) {
		return "", errors.New("ClientHello session ID overflows")
	}

	// Cipher suites.
	if pos+2 > len(msg) {
		return "", errors.New("ClientHello missing cipher suites")
	}
	pos += 2 + int(binary.BigEndian.Uint16(msg[pos:pos+2]))
	if pos > len(msg) {
		return "", errors.New("ClientHello cipher suites overflow")
	}

	// Compression methods.
	if pos >= len(msg) {
		return "", errors.New("ClientHello missing compression methods")
	}
	pos += 1 + int(msg[pos])
	if pos > len(msg) {
		return "", errors.New("ClientHello compression methods overflow")
	}

	// Extensions are optional.
	if pos+2 > len(msg) {
		return "", errNoSNI
	}
	extensionsLen := int(binary.BigEndian.Uint16(msg[pos : pos+2]))
	pos += 2
	if pos+extensionsLen > len(msg) {
		return "", errors.New("ClientHello extensions overflow")
	}

	extEnd := pos + extensionsLen
	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(msg[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(msg[pos+2 : pos+4]))
		pos += 4
		if pos+extLen > extEnd {
			break
		}
		// Extension type 0x0000 = server_name.
		if extType == 0x0000 {
			return parseSNIExtension(msg[pos : pos+extLen])
		}
		pos += extLen
	}
	return "", errNoSNI
}

// parseSNIExtension extracts the host_name entry from a server_name
// extension payload.
func parseSNIExtension(data []byte) (string, error) {
	if len(data) < 2 {
		return "", errors.New("SNI extension too short")
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+listLen {
		return "", errors.New("SNI name list truncated")
	}

	pos := 2
	end := 2 + listLen
	for pos+3 <= end {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > end {
			break
		}
		// Name type 0x00 = host_name.
		if nameType == 0x00 {
			return string(data[pos : pos+nameLen]), nil
		}
		pos += nameLen
	}
	return "", errNoSNI
}

// validSNIHostname rejects names with embedded NUL or control bytes and
// names past the DNS length limit.
func validSNIHostname(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] == 0x7f {
			return false
		}
	}
	return true
}
