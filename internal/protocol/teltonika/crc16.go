package teltonika

// Crc16 computes the CRC-16/IBM (polynomial 0xA001, reflected) checksum that
// terminates every Codec 8/8E data packet. The wire carries it in the low 16
// bits of a 4-byte field.
func Crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
