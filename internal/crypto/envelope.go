// Package crypto implements the passphrase-derived AEAD encryption layer
// (spec.md §6): the on-disk EncryptedEnvelope format, encrypt/decrypt,
// and passphrase strength checking. Two cipher suites are supported, both
// genuinely implemented rather than silently downgraded (spec.md §9 open
// question): AES-GCM-256/PBKDF2-SHA256 (the canonical default) and
// ChaCha20-Poly1305/Argon2id (the advanced alternative).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const FormatVersion = 1

// Suite identifies a cipher+KDF pairing.
type Suite string

const (
	SuiteAESGCMPBKDF2     Suite = "aes-gcm-pbkdf2"
	SuiteChaCha20Argon2id Suite = "chacha20poly1305-argon2id"
)

const (
	algAESGCM256       = "AES-GCM-256"
	algChaCha20Poly1305 = "ChaCha20-Poly1305"
	kdfPBKDF2SHA256    = "PBKDF2-SHA256"
	kdfArgon2id        = "Argon2id"
)

const (
	saltSize     = 16
	gcmNonceSize = 12

	// PBKDF2 defaults, matching the on-disk format's "iter" field.
	DefaultPBKDF2Iterations = 100_000

	// Argon2id defaults (RFC 9106 "low-memory" profile).
	DefaultArgon2Memory  uint32 = 64 * 1024 // KiB
	DefaultArgon2Time    uint32 = 3
	DefaultArgon2Threads uint8  = 2
	argon2KeyLen         uint32 = 32
)

// Envelope is the canonical on-disk, possibly-encrypted container
// (spec.md §6). All byte fields are base64-encoded when serialized.
type Envelope struct {
	Version int    `json:"v"`
	Alg     string `json:"alg"`
	KDF     string `json:"kdf"`
	Iter    int    `json:"iter,omitempty"`
	Memory  uint32 `json:"memory,omitempty"`
	Time    uint32 `json:"time,omitempty"`
	Threads uint8  `json:"threads,omitempty"`
	Salt    string `json:"salt"`
	IV      string `json:"iv"`
	CT      string `json:"ct"`
}

// Marshal encodes the envelope in the canonical field order the spec
// documents; encoding/json already preserves struct field order so this
// is just the default json.Marshal, kept explicit for clarity at call
// sites.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a canonical envelope blob.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope json: %v", ErrCrypto, err)
	}
	return &e, nil
}

// ErrCrypto is returned for a wrong passphrase or a tampered envelope.
// It is never retried (spec.md §7) and decrypt never returns partial
// plaintext alongside this error.
var ErrCrypto = errors.New("crypto: decryption failed")

// ErrUnsupportedSuite is returned for an envelope naming an alg/kdf pair
// this engine does not implement.
var ErrUnsupportedSuite = errors.New("crypto: unsupported alg/kdf combination")

// Engine encrypts and decrypts snapshot/incremental blobs.
type Engine struct {
	suite           Suite
	pbkdf2Iter      int
	argon2Memory    uint32
	argon2Time      uint32
	argon2Threads   uint8
}

// Option configures an Engine.
type Option func(*Engine)

// WithPBKDF2Iterations overrides the default PBKDF2 iteration count.
func WithPBKDF2Iterations(n int) Option {
	return func(e *Engine) { e.pbkdf2Iter = n }
}

// WithArgon2Params overrides the default Argon2id parameters.
func WithArgon2Params(memory, time uint32, threads uint8) Option {
	return func(e *Engine) {
		e.argon2Memory = memory
		e.argon2Time = time
		e.argon2Threads = threads
	}
}

// NewEngine creates an Engine using the given cipher suite for new
// encryptions. Decrypt always honors whatever suite the envelope itself
// names, so an engine configured for one suite can still decrypt blobs
// written under the other.
func NewEngine(suite Suite, opts ...Option) *Engine {
	e := &Engine{
		suite:         suite,
		pbkdf2Iter:    DefaultPBKDF2Iterations,
		argon2Memory:  DefaultArgon2Memory,
		argon2Time:    DefaultArgon2Time,
		argon2Threads: DefaultArgon2Threads,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encrypt wraps plaintext in an Envelope using the Engine's configured
// suite and a freshly generated salt and nonce.
func (e *Engine) Encrypt(plaintext []byte, passphrase string) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}

	switch e.suite {
	case SuiteAESGCMPBKDF2:
		return e.encryptAESGCM(plaintext, passphrase, salt)
	case SuiteChaCha20Argon2id:
		return e.encryptChaCha20(plaintext, passphrase, salt)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSuite, e.suite)
	}
}

func (e *Engine) encryptAESGCM(plaintext []byte, passphrase string, salt []byte) (*Envelope, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, e.pbkdf2Iter, 32, sha256.New)
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Version: FormatVersion,
		Alg:     algAESGCM256,
		KDF:     kdfPBKDF2SHA256,
		Iter:    e.pbkdf2Iter,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		IV:      base64.StdEncoding.EncodeToString(nonce),
		CT:      base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func (e *Engine) encryptChaCha20(plaintext []byte, passphrase string, salt []byte) (*Envelope, error) {
	key := argon2.IDKey([]byte(passphrase), salt, e.argon2Time, e.argon2Memory, e.argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init chacha20poly1305: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Version: FormatVersion,
		Alg:     algChaCha20Poly1305,
		KDF:     kdfArgon2id,
		Memory:  e.argon2Memory,
		Time:    e.argon2Time,
		Threads: e.argon2Threads,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		IV:      base64.StdEncoding.EncodeToString(nonce),
		CT:      base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt recovers plaintext from env using passphrase, honoring
// whichever alg/kdf the envelope itself names. A wrong passphrase or
// tampered ciphertext returns ErrCrypto and no plaintext.
func (e *Engine) Decrypt(env *Envelope, passphrase string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed salt: %v", ErrCrypto, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed iv: %v", ErrCrypto, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext: %v", ErrCrypto, err)
	}

	switch {
	case env.Alg == algAESGCM256 && env.KDF == kdfPBKDF2SHA256:
		iter := env.Iter
		if iter == 0 {
			iter = DefaultPBKDF2Iterations
		}
		key := pbkdf2.Key([]byte(passphrase), salt, iter, 32, sha256.New)
		aead, err := newAESGCM(key)
		if err != nil {
			return nil, err
		}
		pt, err := aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return nil, fmt.Errorf("%w", ErrCrypto)
		}
		return pt, nil

	case env.Alg == algChaCha20Poly1305 && env.KDF == kdfArgon2id:
		memory, tm, threads := env.Memory, env.Time, env.Threads
		if memory == 0 {
			memory = DefaultArgon2Memory
		}
		if tm == 0 {
			tm = DefaultArgon2Time
		}
		if threads == 0 {
			threads = DefaultArgon2Threads
		}
		key := argon2.IDKey([]byte(passphrase), salt, tm, memory, threads, argon2KeyLen)
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		pt, err := aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return nil, fmt.Errorf("%w", ErrCrypto)
		}
		return pt, nil

	default:
		return nil, fmt.Errorf("%w: alg=%q kdf=%q", ErrUnsupportedSuite, env.Alg, env.KDF)
	}
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return aead, nil
}
