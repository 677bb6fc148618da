// Package envelope provides the encrypt-before-persist discipline for
// reasoning-engine drafts. A draft is sealed the moment it is generated;
// everything downstream of the turn handler sees ciphertext only, and the
// single sanctioned plaintext window is Inspect, which wipes its buffer
// on every exit path.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
)

// Envelope is the only form in which a draft may cross into any
// persistence layer. The GCM tag is attached to the ciphertext.
type Envelope struct {
	Ciphertext []byte            `json:"ciphertext"`
	Nonce      []byte            `json:"nonce"`
	KeyID      string            `json:"key_id"`
	AAD        map[string]string `json:"aad,omitempty"`
}

// IntegrityError means an envelope failed authentication on open. The
// underlying data is unrecoverable; callers must not retry, reclassify,
// or deliver it.
type IntegrityError struct {
	KeyID string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("envelope integrity check failed (key %s): %v", e.KeyID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// KeyManager holds the symmetric keys by id. Rotation adds a key and
// moves the current pointer; historical envelopes stay decryptable under
// their original key id.
type KeyManager struct {
	mu        sync.RWMutex
	keys      map[string][]byte
	currentID string
}

// NewKeyManager creates a manager with one key as current.
func NewKeyManager(keyID string, key []byte) (*KeyManager, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key %s must be %d bytes, got %d", keyID, KeySize, len(key))
	}
	return &KeyManager{
		keys:      map[string][]byte{keyID: key},
		currentID: keyID,
	}, nil
}

// NewKeyManagerFromBase64 decodes a base64-encoded 256-bit key. An empty
// encoded key yields an ephemeral random key; sealed envelopes then die
// with the process, which is acceptable only outside production.
func NewKeyManagerFromBase64(keyID, encoded string) (*KeyManager, error) {
	if encoded == "" {
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		log.Printf("[WARN] Envelope key %s is ephemeral - sealed drafts will be unreadable after restart", keyID)
		return NewKeyManager(keyID, key)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode envelope key %s: %w", keyID, err)
	}
	return NewKeyManager(keyID, key)
}

// AddKey registers an additional key for rotation.
func (km *KeyManager) AddKey(keyID string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key %s must be %d bytes, got %d", keyID, KeySize, len(key))
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	km.keys[keyID] = key
	return nil
}

// SetCurrent makes an already-registered key the sealing key.
func (km *KeyManager) SetCurrent(keyID string) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, ok := km.keys[keyID]; !ok {
		return fmt.Errorf("unknown key id %s", keyID)
	}
	km.currentID = keyID
	return nil
}

// CurrentKeyID returns the id of the active sealing key.
func (km *KeyManager) CurrentKeyID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentID
}

func (km *KeyManager) aead(keyID string) (cipher.AEAD, error) {
	km.mu.RLock()
	key, ok := km.keys[keyID]
	km.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key id %s", keyID)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aadBytes renders the AAD map deterministically. encoding/json sorts map
// keys, so seal and open agree byte for byte.
func aadBytes(aad map[string]string) ([]byte, error) {
	if len(aad) == 0 {
		return nil, nil
	}
	return json.Marshal(aad)
}

// Seal encrypts plaintext under the current key with a fresh random
// nonce. Nonces are generated here and only here: a caller-supplied nonce
// would make reuse possible, and nonce reuse under one key breaks GCM.
func (km *KeyManager) Seal(plaintext []byte, aad map[string]string) (*Envelope, error) {
	keyID := km.CurrentKeyID()
	gcm, err := km.aead(keyID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ad, err := aadBytes(aad)
	if err != nil {
		return nil, fmt.Errorf("encode aad: %w", err)
	}

	return &Envelope{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, ad),
		Nonce:      nonce,
		KeyID:      keyID,
		AAD:        aad,
	}, nil
}

// Open decrypts an envelope. Fails closed: any authentication failure
// returns an IntegrityError and no partial plaintext.
func (km *KeyManager) Open(env *Envelope) ([]byte, error) {
	gcm, err := km.aead(env.KeyID)
	if err != nil {
		return nil, &IntegrityError{KeyID: env.KeyID, Err: err}
	}
	if len(env.Nonce) != NonceSize {
		return nil, &IntegrityError{KeyID: env.KeyID, Err: fmt.Errorf("nonce length %d", len(env.Nonce))}
	}

	ad, err := aadBytes(env.AAD)
	if err != nil {
		return nil, &IntegrityError{KeyID: env.KeyID, Err: err}
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, ad)
	if err != nil {
		return nil, &IntegrityError{KeyID: env.KeyID, Err: err}
	}
	return plaintext, nil
}

// Inspect opens an envelope for the duration of fn only. The plaintext
// buffer is wiped on every exit path, including a panic inside fn, and is
// never returned to the caller. This is the sole sanctioned way for a
// classifier to see draft plaintext.
func (km *KeyManager) Inspect(env *Envelope, fn func(plaintext []byte) error) error {
	plaintext, err := km.Open(env)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plaintext)

	return fn(plaintext)
}

// Preview renders a loggable description of an envelope with no plaintext.
func Preview(env *Envelope) string {
	ct := env.Ciphertext
	if len(ct) > 8 {
		ct = ct[:8]
	}
	return fmt.Sprintf("[ENCRYPTED key_id=%s ciphertext=%s...]", env.KeyID, hex.EncodeToString(ct))
}
