package chop

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// The v0 protocol derives every key from this fixed passphrase. The
// string is kept bit-exact for wire compatibility; a real deployment
// must replace it with out-of-band shared material before the rekeying
// opcodes land.
const passphrase = "did you buy one of therapist reawaken chemists continually gamma pacifies?"

const (
	pbkdf2Iterations = 10000
	keyLen           = 16 // AES-128 throughout
)

// keyGenerator is a deterministic stream of key material shared by both
// ends of a circuit. The v0 construction runs PBKDF2-HMAC-SHA256 over
// the passphrase to produce a 32-byte PRK, then draws keys from an
// HKDF-Expand-HMAC-SHA256 stream over that PRK. Both sides consume the
// stream in the same order, so the nth key drawn here equals the nth
// key drawn by the peer.
type keyGenerator struct {
	stream io.Reader
}

// newKeyGeneratorFromPassphrase builds the v0 key stream. An empty salt
// selects the protocol default of 32 zero bytes.
func newKeyGeneratorFromPassphrase(phrase string, salt []byte) *keyGenerator {
	if len(salt) == 0 {
		salt = make([]byte, sha256.Size)
	}
	prk := pbkdf2.Key([]byte(phrase), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return &keyGenerator{stream: hkdf.Expand(sha256.New, prk, nil)}
}

// nextKey draws the next keyLen bytes from the stream.
func (kg *keyGenerator) nextKey() ([]byte, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(kg.stream, key); err != nil {
		return nil, fmt.Errorf("key stream exhausted: %w", err)
	}
	return key, nil
}

// ecbEncryptor encrypts exactly one AES block at a time. The chop
// header is a single block, so ECB here is raw AES on independent
// 16-byte units; the header key is used for nothing else.
type ecbEncryptor struct {
	c cipher.Block
}

func newECBEncryptor(kg *keyGenerator) (*ecbEncryptor, error) {
	key, err := kg.nextKey()
	if err != nil {
		return nil, err
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("header cipher: %w", err)
	}
	return &ecbEncryptor{c: c}, nil
}

// encrypt writes one encrypted block to dst. Both slices must be at
// least HeaderLen bytes.
func (e *ecbEncryptor) encrypt(dst, src []byte) {
	e.c.Encrypt(dst, src)
}

// ecbDecryptor is the decryption side of ecbEncryptor.
type ecbDecryptor struct {
	c cipher.Block
}

func newECBDecryptor(kg *keyGenerator) (*ecbDecryptor, error) {
	key, err := kg.nextKey()
	if err != nil {
		return nil, err
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("header cipher: %w", err)
	}
	return &ecbDecryptor{c: c}, nil
}

func (d *ecbDecryptor) decrypt(dst, src []byte) {
	d.c.Decrypt(dst, src)
}

// gcmSealer authenticates and encrypts block bodies with AES-GCM using
// the 16-byte encrypted header as nonce. The nonce never repeats within
// a key epoch because the sequence number inside it never does.
type gcmSealer struct {
	aead cipher.AEAD
}

func newGCMSealer(kg *keyGenerator) (*gcmSealer, error) {
	aead, err := newHeaderNonceGCM(kg)
	if err != nil {
		return nil, err
	}
	return &gcmSealer{aead: aead}, nil
}

// seal appends the ciphertext of plain plus the 16-byte tag to dst.
// The associated data is empty: the tag covers the data and padding
// sections only, not the header.
func (g *gcmSealer) seal(dst, nonce, plain []byte) []byte {
	return g.aead.Seal(dst, nonce, plain, nil)
}

// gcmOpener is the verification side of gcmSealer.
type gcmOpener struct {
	aead cipher.AEAD
}

func newGCMOpener(kg *keyGenerator) (*gcmOpener, error) {
	aead, err := newHeaderNonceGCM(kg)
	if err != nil {
		return nil, err
	}
	return &gcmOpener{aead: aead}, nil
}

// open verifies and decrypts a sealed body. A tag mismatch is the
// caller's signal to hard-fail the offending connection.
func (g *gcmOpener) open(dst, nonce, sealed []byte) ([]byte, error) {
	plain, err := g.aead.Open(dst, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("MAC verification failure: %w", err)
	}
	return plain, nil
}

func newHeaderNonceGCM(kg *keyGenerator) (cipher.AEAD, error) {
	key, err := kg.nextKey()
	if err != nil {
		return nil, err
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("payload cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(c, HeaderLen)
	if err != nil {
		return nil, fmt.Errorf("payload GCM: %w", err)
	}
	return aead, nil
}

// circuitCrypto is the full set of cipher contexts for one circuit:
// header and payload, send and receive. All four keys come from one
// keyGenerator; the two sides draw them in mirrored order so that the
// client's receive keys equal the server's send keys and vice versa.
type circuitCrypto struct {
	sendCrypt    *gcmSealer
	sendHdrCrypt *ecbEncryptor
	recvCrypt    *gcmOpener
	recvHdrCrypt *ecbDecryptor
}

// newCircuitCrypto derives the four contexts for the given side. The
// draw order is part of the wire contract: the server draws its send
// pair first, the client its receive pair first.
func newCircuitCrypto(mode Mode) (*circuitCrypto, error) {
	kg := newKeyGeneratorFromPassphrase(passphrase, nil)
	cc := &circuitCrypto{}
	var err error

	if mode == ModeServer {
		if cc.sendCrypt, err = newGCMSealer(kg); err != nil {
			return nil, err
		}
		if cc.sendHdrCrypt, err = newECBEncryptor(kg); err != nil {
			return nil, err
		}
		if cc.recvCrypt, err = newGCMOpener(kg); err != nil {
			return nil, err
		}
		if cc.recvHdrCrypt, err = newECBDecryptor(kg); err != nil {
			return nil, err
		}
	} else {
		if cc.recvCrypt, err = newGCMOpener(kg); err != nil {
			return nil, err
		}
		if cc.recvHdrCrypt, err = newECBDecryptor(kg); err != nil {
			return nil, err
		}
		if cc.sendCrypt, err = newGCMSealer(kg); err != nil {
			return nil, err
		}
		if cc.sendHdrCrypt, err = newECBEncryptor(kg); err != nil {
			return nil, err
		}
	}
	return cc, nil
}
