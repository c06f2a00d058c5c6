package crypt

import (
	"crypto/cipher"
	"errors"
)

// ErrXEXGuard is returned when decrypt's final partial block collides
// with the XEX* attack pattern: the reconstructed plaintext prefix of
// the last block equals the rolling delta's prefix, which would let a
// forger probe the tag without knowing the key. Genuine audio payloads
// essentially never trip this; it exists to reject crafted ones.
var ErrXEXGuard = errors.New("crypt: XEX* guard rejected final block")

// doubleGF128 performs the GF(2^128) "times two" used to evolve OCB2's
// offset between blocks: a left shift by one bit, with the constant
// 0x87 XORed into the last byte when a 1 is shifted out of the top.
func doubleGF128(b [16]byte) [16]byte {
	var out [16]byte
	carry := byte(0)
	for i := 15; i >= 0; i-- {
		v := b[i]
		out[i] = (v << 1) | carry
		carry = v >> 7
	}
	if carry != 0 {
		out[15] ^= 0x87
	}
	return out
}

func xorBlock(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// ocbEncrypt runs Mumble's OCB2 construction over plaintext using nonce
// as the seed offset, returning the ciphertext (same length as
// plaintext) and the 16-byte authentication tag.
//
// The reference implementation's main loop only runs while the
// remaining length is strictly greater than one block
// (`while (len > AES_BLOCK_SIZE)`), so the literal last block is always
// routed through the length-tweaked tail path below, even when the
// plaintext is an exact multiple of BlockSize.
func ocbEncrypt(block cipher.Block, nonce [16]byte, plaintext []byte) (ciphertext []byte, tag [16]byte, err error) {
	var delta [16]byte
	block.Encrypt(delta[:], nonce[:])

	var checksum [16]byte
	ciphertext = make([]byte, len(plaintext))

	total := len(plaintext)
	full := total / BlockSize
	rest := total % BlockSize

	mainBlocks := full
	tailLen := rest
	if rest == 0 && total > 0 {
		mainBlocks = full - 1
		tailLen = BlockSize
	}

	var tmp [16]byte
	for i := 0; i < mainBlocks; i++ {
		delta = doubleGF128(delta)
		p := plaintext[i*BlockSize : (i+1)*BlockSize]
		xorBlock(tmp[:], delta[:], p)
		block.Encrypt(tmp[:], tmp[:])
		xorBlock(tmp[:], delta[:], tmp[:])
		copy(ciphertext[i*BlockSize:(i+1)*BlockSize], tmp[:])
		xorBlock(checksum[:], checksum[:], p)
	}

	// Final block: the tweak folds the tail's bit length into the last
	// byte of the doubled delta before it is encrypted into pad.
	delta = doubleGF128(delta)
	var tweak [16]byte
	tweak[BlockSize-1] = byte(tailLen * 8)
	xorBlock(tweak[:], tweak[:], delta[:])
	var pad [16]byte
	block.Encrypt(pad[:], tweak[:])

	var padded [16]byte
	copy(padded[:], plaintext[mainBlocks*BlockSize:])
	copy(padded[tailLen:], pad[tailLen:])
	xorBlock(checksum[:], checksum[:], padded[:])

	var outTail [16]byte
	xorBlock(outTail[:], pad[:], padded[:])
	copy(ciphertext[mainBlocks*BlockSize:], outTail[:tailLen])

	s3 := doubleGF128(delta)
	xorBlock(s3[:], s3[:], delta[:])
	var sealed [16]byte
	xorBlock(sealed[:], checksum[:], s3[:])
	block.Encrypt(tag[:], sealed[:])

	return ciphertext, tag, nil
}

// ocbDecrypt is the inverse of ocbEncrypt: it reconstructs plaintext
// from ciphertext and recomputes the tag for the caller to compare.
// Its final-block handling mirrors ocbEncrypt's: the last block is
// always taken through the tail path below, even on an exact multiple
// of BlockSize.
func ocbDecrypt(block cipher.Block, nonce [16]byte, ciphertext []byte) (plaintext []byte, tag [16]byte, err error) {
	var delta [16]byte
	block.Encrypt(delta[:], nonce[:])

	var checksum [16]byte
	plaintext = make([]byte, len(ciphertext))

	total := len(ciphertext)
	full := total / BlockSize
	rest := total % BlockSize

	mainBlocks := full
	tailLen := rest
	if rest == 0 && total > 0 {
		mainBlocks = full - 1
		tailLen = BlockSize
	}

	var tmp [16]byte
	for i := 0; i < mainBlocks; i++ {
		delta = doubleGF128(delta)
		c := ciphertext[i*BlockSize : (i+1)*BlockSize]
		xorBlock(tmp[:], delta[:], c)
		block.Decrypt(tmp[:], tmp[:])
		xorBlock(tmp[:], delta[:], tmp[:])
		copy(plaintext[i*BlockSize:(i+1)*BlockSize], tmp[:])
		xorBlock(checksum[:], checksum[:], tmp[:])
	}

	delta = doubleGF128(delta)
	var tweak [16]byte
	tweak[BlockSize-1] = byte(tailLen * 8)
	xorBlock(tweak[:], tweak[:], delta[:])
	var pad [16]byte
	block.Encrypt(pad[:], tweak[:])

	var tail [16]byte
	copy(tail[:], ciphertext[mainBlocks*BlockSize:])
	var recovered [16]byte
	xorBlock(recovered[:], pad[:], tail[:])
	copy(plaintext[mainBlocks*BlockSize:], recovered[:tailLen])

	// XEX* guard: a forged final block whose recovered prefix equals
	// the rolling delta's prefix is a known attack pattern against
	// OCB2's tag verification; reject before it reaches checksum. An
	// empty payload has no final-block bytes to compare.
	if tailLen > 0 && constantTimeEqual(recovered[:tailLen], delta[:tailLen]) {
		return nil, tag, ErrXEXGuard
	}

	var padded [16]byte
	copy(padded[:], plaintext[mainBlocks*BlockSize:])
	copy(padded[tailLen:], pad[tailLen:])
	xorBlock(checksum[:], checksum[:], padded[:])

	s3 := doubleGF128(delta)
	xorBlock(s3[:], s3[:], delta[:])
	var sealed [16]byte
	xorBlock(sealed[:], checksum[:], s3[:])
	block.Encrypt(tag[:], sealed[:])

	return plaintext, tag, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
