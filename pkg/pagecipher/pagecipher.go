// Package pagecipher implements the per-page encryption layer from
// spec.md §4.2: every 4096-byte page of object payload is encrypted with a
// ChaCha20 keystream derived from the page's own key and its page ID, so
// that re-keying a page never disturbs any other page's ciphertext.
//
// Page IDs and intra-page offsets follow spec.md's accepted definition
// (not the rejected alternative in spec.md §9):
//
//	page_id        = (disk_offset - 1024) / 4096
//	intra_page_off = disk_offset mod 4096
//
// The 1024-byte reserved prefix (superblock + bookkeeping) is never part
// of page ID space and is never encrypted by this package.
package pagecipher

import (
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/calvinalkan/lethe/pkg/blockdev"
)

// KeySize is the size, in bytes, of a page key.
const KeySize = chacha20.KeySize

// PageKey is a single page's symmetric key. Callers that retire a key must
// call [Wipe] on their own copy once it is no longer needed; PageKey itself
// never survives past the end of an Encrypt/Decrypt call inside this
// package.
type PageKey [KeySize]byte

// Wipe overwrites k with zeros. Call this once a key has been superseded
// and its ciphertext is no longer meant to be recoverable.
func Wipe(k *PageKey) {
	for i := range k {
		k[i] = 0
	}
}

// nonce derives the ChaCha20 nonce for pageID: four zero bytes followed by
// the little-endian page ID, giving every page a distinct keystream under
// its own key without needing a random nonce per page.
func nonce(pageID uint64) [chacha20.NonceSize]byte {
	var n [chacha20.NonceSize]byte

	n[4] = byte(pageID)
	n[5] = byte(pageID >> 8)
	n[6] = byte(pageID >> 16)
	n[7] = byte(pageID >> 24)
	n[8] = byte(pageID >> 32)
	n[9] = byte(pageID >> 40)
	n[10] = byte(pageID >> 48)
	n[11] = byte(pageID >> 56)

	return n
}

// XORKeyStream XORs buf in place with the keystream for pageID under key,
// starting at intra-page byte offset intraOffset. buf must not cross a
// page boundary: intraOffset+len(buf) must be <= [blockdev.PageSize].
func XORKeyStream(key PageKey, pageID uint64, intraOffset int, buf []byte) error {
	if intraOffset < 0 || intraOffset+len(buf) > blockdev.PageSize {
		return fmt.Errorf("pagecipher: range [%d,%d) crosses page boundary", intraOffset, intraOffset+len(buf))
	}

	n := nonce(pageID)

	c, err := chacha20.NewUnauthenticatedCipher(key[:], n[:])
	if err != nil {
		return fmt.Errorf("pagecipher: new cipher: %w", err)
	}

	c.SetCounter(uint32(intraOffset / 64))

	// ChaCha20 operates on 64-byte blocks; when intraOffset isn't
	// block-aligned, discard the unused keystream prefix of the block
	// that straddles it before XOR-ing the actual bytes.
	if skip := intraOffset % 64; skip != 0 {
		discard := make([]byte, skip)
		c.XORKeyStream(discard, discard)
	}

	c.XORKeyStream(buf, buf)

	return nil
}

// Encrypt XORs plaintext with the page's keystream, returning ciphertext in
// a freshly allocated buffer. plaintext is left untouched.
func Encrypt(key PageKey, pageID uint64, intraOffset int, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)

	if err := XORKeyStream(key, pageID, intraOffset, out); err != nil {
		return nil, err
	}

	return out, nil
}

// Decrypt is the inverse of Encrypt; ChaCha20 is its own inverse, so this
// is provided only for call-site clarity.
func Decrypt(key PageKey, pageID uint64, intraOffset int, ciphertext []byte) ([]byte, error) {
	return Encrypt(key, pageID, intraOffset, ciphertext)
}
