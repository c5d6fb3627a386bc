package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/relaystream/server/internal/errs"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	pbkdf2Iterations = 100_000
	keySize          = 32 // AES-256
	ivSize           = aes.BlockSize
)

// Cipher encrypts/decrypts the portion of a message that follows the opcode
// byte. The opcode itself always travels in the clear.
type Cipher struct {
	block cipher.Block
}

// NewCipher derives an AES-256 key from passphrase using PBKDF2-SHA3, salted
// with a fixed, protocol-specific value — every session sharing one
// passphrase derives the same key, which is what lets any session's Hello
// negotiate a shared cipher without an additional key-exchange round trip.
func NewCipher(passphrase string) (*Cipher, error) {
	salt := []byte("relaystream-session-cipher-v1")
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha3.New256)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap("transport.NewCipher", err)
	}
	return &Cipher{block: block}, nil
}

// Encrypt returns iv||ciphertext for plaintext, using AES-CTR with a fresh
// random IV per message.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errs.Wrap("transport.Cipher.Encrypt", err)
	}
	out := make([]byte, ivSize+len(plaintext))
	copy(out, iv)
	stream := cipher.NewCTR(c.block, iv)
	stream.XORKeyStream(out[ivSize:], plaintext)
	return out, nil
}

// Decrypt reverses Encrypt and performs the 1-byte '{' signature check so a
// key mismatch fails fast instead of propagating garbage into JSON parsing.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < ivSize+1 {
		return nil, errs.NewProtocolError("transport.Cipher.Decrypt", errs.ErrInvalidMessage)
	}
	iv := data[:ivSize]
	out := make([]byte, len(data)-ivSize)
	stream := cipher.NewCTR(c.block, iv)
	stream.XORKeyStream(out, data[ivSize:])
	if out[0] != '{' {
		return nil, errs.NewProtocolError("transport.Cipher.Decrypt", errs.ErrInvalidMessage)
	}
	return out, nil
}
