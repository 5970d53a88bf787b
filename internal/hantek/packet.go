// internal/hantek/packet.go
package hantek

// Command is the raw byte view a packet exposes to the transport layer.
// Every command and response type in this package implements it.
type Command interface {
	Bytes() []byte
}

// packet holds the fixed-size buffer a command type owns. Embedding it
// gives each type raw access and the Command interface; the layout rules
// stay in the per-type accessors.
type packet struct {
	raw []byte
}

func newPacket(size int) packet {
	return packet{raw: make([]byte, size)}
}

// Bytes returns the backing buffer. Writes through it are visible to the
// field accessors and vice versa.
func (p packet) Bytes() []byte { return p.raw }

// Size returns the fixed packet length
func (p packet) Size() int { return len(p.raw) }

// getBits extracts width bits of b starting at shift
func getBits(b byte, shift, width uint) uint8 {
	return (b >> shift) & (1<<width - 1)
}

// setBits stores the low width bits of v at shift, leaving all other bits
// of *b untouched
func setBits(b *byte, shift, width uint, v uint8) {
	mask := byte(1<<width-1) << shift
	*b = *b&^mask | v<<shift&mask
}

func getFlag(b byte, shift uint) bool {
	return getBits(b, shift, 1) == 1
}

func setFlag(b *byte, shift uint, on bool) {
	if on {
		setBits(b, shift, 1, 1)
	} else {
		setBits(b, shift, 1, 0)
	}
}

func getUint16(raw []byte, offset int) uint16 {
	return uint16(raw[offset]) | uint16(raw[offset+1])<<8
}

func putUint16(raw []byte, offset int, v uint16) {
	raw[offset] = byte(v)
	raw[offset+1] = byte(v >> 8)
}
