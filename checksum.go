package allsky

// commandChecksum returns the one-byte checksum for a framed command.
// Each byte is complemented, masked to 7 bits and XORed into the
// accumulator. The accumulator starts at zero for every command; it is
// never carried across commands.
func commandChecksum(command []byte) byte {
	var cs byte
	for _, b := range command {
		cs ^= ^b & 0x7F
	}
	return cs
}

// blockChecksum returns the one-byte XOR fold of raw image block data.
// This is a different, simpler checksum than the command checksum and is
// used only for block transfers.
func blockChecksum(data []byte) byte {
	var cs byte
	for _, b := range data {
		cs ^= b
	}
	return cs
}
