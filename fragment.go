package dvc

// Split cuts msg into fragments of at most chunkLength payload bytes, each
// prefixed with its chunk header. A message that fits one chunk, including the
// empty message, becomes a single ONLY fragment. Longer messages are tagged
// FIRST, MIDDLE..., LAST. Every header declares len(msg).
//
// Split is what the transport does below a channel on the outbound direction.
// Writes through a Channel carry raw application bytes.
func Split(msg []byte, chunkLength int) [][]byte {
	if chunkLength <= 0 {
		chunkLength = DefaultChunkLength
	}

	declared := uint32(len(msg))
	if len(msg) <= chunkLength {
		return [][]byte{frame(Header{Length: declared, Flags: FlagOnly}, msg)}
	}

	count := (len(msg) + chunkLength - 1) / chunkLength
	fragments := make([][]byte, 0, count)
	for off := 0; off < len(msg); off += chunkLength {
		end := min(off+chunkLength, len(msg))

		flags := FlagMiddle
		switch {
		case off == 0:
			flags = FlagFirst
		case end == len(msg):
			flags = FlagLast
		}
		fragments = append(fragments, frame(Header{Length: declared, Flags: flags}, msg[off:end]))
	}
	return fragments
}

func frame(h Header, payload []byte) []byte {
	buf := make([]byte, 0, HeaderLength+len(payload))
	buf = h.AppendTo(buf)
	return append(buf, payload...)
}
