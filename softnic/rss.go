package softnic

// DefaultRSSKey is the 40-byte Toeplitz key most NICs ship with.
var DefaultRSSKey = []byte{
	0x6d, 0x5a, 0x56, 0xda, 0x25, 0x5b, 0x0e, 0xc2,
	0x41, 0x67, 0x25, 0x3d, 0x43, 0xa3, 0x8f, 0xb0,
	0xd0, 0xca, 0x2b, 0xcb, 0xae, 0x7b, 0x30, 0xb4,
	0x77, 0xcb, 0x2d, 0xa3, 0x80, 0x30, 0xf2, 0x0c,
	0x6a, 0x42, 0xb7, 0x3b, 0xbe, 0xac, 0x01, 0xfa,
}

// rssKeyMinLen covers an IPv6 address pair plus ports.
const rssKeyMinLen = 40

// Toeplitz computes the RSS hash of input under key. key must be at least
// 4 bytes longer than input.
func Toeplitz(key, input []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	var hash uint32
	window := uint32(key[0])<<24 | uint32(key[1])<<16 | uint32(key[2])<<8 | uint32(key[3])
	next := 32
	for _, b := range input {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				hash ^= window
			}
			window <<= 1
			if next/8 < len(key) && key[next/8]&(0x80>>(next%8)) != 0 {
				window |= 1
			}
			next++
		}
	}
	return hash
}
