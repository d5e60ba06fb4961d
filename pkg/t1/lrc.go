package t1

// LRC computes the longitudinal redundancy check (XOR of every byte)
func LRC(data []byte) byte {
	var lrc byte
	for _, b := range data {
		lrc ^= b
	}
	return lrc
}

// CheckLRC verifies that the last byte of raw is the LRC of the bytes before it
func CheckLRC(raw []byte) bool {
	if len(raw) < LRCSize {
		return false
	}
	n := len(raw) - LRCSize
	return LRC(raw[:n]) == raw[n]
}

// AppendLRC appends the LRC of data to data
func AppendLRC(data []byte) []byte {
	return append(data, LRC(data))
}
