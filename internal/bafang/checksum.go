package bafang

// Checksum computes the verification byte for a frame built so far: the sum
// of every byte except the first (the command byte), modulo 256.
func Checksum(frame []byte) byte {
	if len(frame) < 2 {
		return 0
	}
	var sum byte
	for _, b := range frame[1:] {
		sum += b
	}
	return sum
}

// AppendChecksum appends the verification byte to frame.
func AppendChecksum(frame []byte) []byte {
	return append(frame, Checksum(frame))
}

// VerifyChecksum reports whether the last byte of frame is the checksum of
// the bytes before it.
func VerifyChecksum(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	n := len(frame) - 1
	return frame[n] == Checksum(frame[:n])
}
