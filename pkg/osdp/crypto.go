package osdp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// aesECBEncrypt encrypts data (a multiple of the block size) under key
// in ECB mode. The Secure Channel uses ECB only for key derivation and
// cryptogram computation over single 16-byte blocks, never for bulk
// payloads, so there is no chaining state to manage.
func aesECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	bs := block.BlockSize()
	for i := 0; i+bs <= len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

// aesCBCEncrypt encrypts data (already padded to a block multiple)
// under key with the given IV.
func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// aesCBCDecrypt reverses aesCBCEncrypt.
func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func leftShift1(in []byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	return out
}

func xorBlock(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// generateCMACSubkeys derives the two CMAC subkeys K1/K2 from block
// cipher key per NIST SP 800-38B.
func generateCMACSubkeys(key []byte) (k1, k2 []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	zero := make([]byte, block.BlockSize())
	l := make([]byte, block.BlockSize())
	block.Encrypt(l, zero)

	const rb = 0x87
	k1 = leftShift1(l)
	if l[0]&0x80 != 0 {
		k1[len(k1)-1] ^= rb
	}
	k2 = leftShift1(k1)
	if k1[0]&0x80 != 0 {
		k2[len(k2)-1] ^= rb
	}
	return k1, k2, nil
}

// aesCMAC computes the full 16-byte AES-CMAC of data under key.
func aesCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	k1, k2, err := generateCMACSubkeys(key)
	if err != nil {
		return nil, err
	}

	var blocks [][]byte
	if len(data) == 0 {
		// An empty message is one incomplete block: padded, then K2.
		blocks = [][]byte{{}}
	} else {
		for i := 0; i < len(data); i += bs {
			end := i + bs
			if end > len(data) {
				end = len(data)
			}
			blocks = append(blocks, data[i:end])
		}
	}

	last := blocks[len(blocks)-1]
	var lastBlock []byte
	if len(last) == bs {
		lastBlock = xorBlock(last, k1)
	} else {
		padded := padISO9797M2(last, bs)
		lastBlock = xorBlock(padded, k2)
	}

	x := make([]byte, bs)
	for i := 0; i < len(blocks)-1; i++ {
		x = xorBlock(x, blocks[i])
		enc := make([]byte, bs)
		block.Encrypt(enc, x)
		x = enc
	}
	x = xorBlock(x, lastBlock)
	mac := make([]byte, bs)
	block.Encrypt(mac, x)
	return mac, nil
}

// padISO9797M2 pads data to a multiple of blockSize with 0x80 followed
// by zero bytes.
func padISO9797M2(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// unpadISO9797M2 strips the 0x80-then-zeros padding added by
// padISO9797M2, returning data unchanged if no pad marker is found.
func unpadISO9797M2(data []byte) []byte {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == 0x80 {
			return data[:i]
		}
		if data[i] != 0x00 {
			break
		}
	}
	return data
}

// truncateMAC keeps the first n bytes of a full CMAC, the truncation
// used on the wire for rolling MACs.
func truncateMAC(mac []byte, n int) []byte {
	return append([]byte(nil), mac[:n]...)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
