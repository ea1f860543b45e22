package stratum

import "encoding/hex"

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// nonceBytes renders a nonce as big-endian bytes for the wire submit
// params, the conventional stratum nonce encoding regardless of the
// in-header word endianness used by header.Build.
func nonceBytes(nonce uint32) []byte {
	return []byte{
		byte(nonce >> 24),
		byte(nonce >> 16),
		byte(nonce >> 8),
		byte(nonce),
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
