package runtimeproc

import "encoding/binary"

// encodeUpdateFrame builds the stdin frame the runtime subprocess reads to
// receive a fresh config buffer: a 4-byte big-endian entry port, a 4-byte
// big-endian config length, then the config bytes — mirroring the
// fixed-header-then-payload shape internal/wireconfig uses for its own
// nested sub-messages, so the two framing conventions stay consistent.
func encodeUpdateFrame(configBuf []byte, entryPort int) []byte {
	out := make([]byte, 8+len(configBuf))
	binary.BigEndian.PutUint32(out[0:4], uint32(entryPort))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(configBuf)))
	copy(out[8:], configBuf)
	return out
}
