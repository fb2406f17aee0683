package ws

// MergeUpdates packs update payloads into one length-prefixed blob for
// snapshot storage. The payloads stay opaque; only the framing is ours.
func MergeUpdates(updates [][]byte) []byte {
	totalSize := 0
	for _, update := range updates {
		totalSize += len(update)
	}

	merged := make([]byte, 0, totalSize+len(updates)*4)

	for _, update := range updates {
		length := uint32(len(update))
		merged = append(merged, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		merged = append(merged, update...)
	}

	return merged
}

// SplitMergedUpdates unpacks a length-prefixed snapshot blob back into
// individual update payloads.
func SplitMergedUpdates(merged []byte) [][]byte {
	var updates [][]byte
	offset := 0

	for offset < len(merged) {
		if offset+4 > len(merged) {
			break
		}

		length := uint32(merged[offset])<<24 |
			uint32(merged[offset+1])<<16 |
			uint32(merged[offset+2])<<8 |
			uint32(merged[offset+3])
		offset += 4

		if offset+int(length) > len(merged) {
			break
		}

		update := make([]byte, length)
		copy(update, merged[offset:offset+int(length)])
		updates = append(updates, update)
		offset += int(length)
	}

	return updates
}
