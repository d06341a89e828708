package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/raysh454/kbcrawl/internal/model"
)

// blobVersion is the first byte of every encrypted payload and part of the
// AAD, so a rewritten version byte fails authentication.
const blobVersion byte = 0x01

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	// blobOverhead is version + nonce + GCM tag.
	blobOverhead = 1 + nonceSize + tagSize
)

var hkdfInfo = []byte("kbcrawl.vault.v1")

// DecodeMasterKey decodes a base64 master key as found in KBCRAWL_MASTER_KEY.
func DecodeMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrMasterKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("master key is %d bytes, need at least 16", len(key))
	}
	return key, nil
}

func deriveKey(masterKey []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, nil, hkdfInfo)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// buildAAD binds a ciphertext to the record identity it was written for.
func buildAAD(tenantID, domainKey string, authType model.AuthType) []byte {
	identity := tenantID + "|" + domainKey + "|" + string(authType)
	aad := make([]byte, 1+len(identity))
	aad[0] = blobVersion
	copy(aad[1:], identity)
	return aad
}

// seal returns [version][nonce][ciphertext+tag].
func seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+aead.Overhead())
	out[0] = blobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, aad), nil
}

func unseal(aead cipher.AEAD, blob, aad []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("encrypted blob is %d bytes, minimum is %d", len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("encrypted blob version %d is not supported", blob[0])
	}
	nonce := blob[1 : 1+nonceSize]
	plaintext, err := aead.Open(nil, nonce, blob[1+nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD authentication failed: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
