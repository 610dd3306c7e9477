package kernel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
)

const envelopeVersionPrefix = "v1:"

// envelopePayload is the payload for envelope records: AEAD
// wrap/unwrap of a payload under a session key taken from a dependent
// conventional context. The output is ASCII-safe (`v1:` +
// base64url(nonce|ciphertext)) so enveloped data survives text
// transports without further armouring.
type envelopePayload struct {
	mu        sync.Mutex
	masterKey []byte // 32 bytes, captured from the session-key context
	info      string
	subject   []byte // the envelope's label, bound into key and AAD
}

// envelopeMessageHandler handles env-seal and env-open. Both are
// self-contained: the session key was captured at creation, so no
// nested dispatch is needed and the record stays pinned throughout.
func envelopeMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	p, ok := obj.payload.(*envelopePayload)
	if !ok {
		return nil, errArgument(LocusHandle, "object has no envelope payload")
	}
	data, ok := asBytes(msg.data)
	if !ok {
		return nil, errArgument(LocusAttribute, "envelope messages require a buffer")
	}

	switch msg.typ {
	case MsgEnvSeal:
		if err := obj.checkUsage(); err != nil {
			return nil, err
		}
		return p.seal(data)
	case MsgEnvOpen:
		return p.open(data)
	}
	return nil, errNotAvailable(LocusHandle, "message not handled by envelope")
}

// deriveKey binds the working key to the master key, the
// envelope's subject, and the caller-chosen info string, so two
// envelopes over the same session key still seal under distinct keys.
func (p *envelopePayload) deriveKey() ([]byte, error) {
	if len(p.masterKey) != 32 {
		return nil, errArgument(LocusKey, "envelope session key must be 32 bytes")
	}
	mac := hmac.New(sha256.New, p.masterKey)
	_, _ = mac.Write([]byte(p.info))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write(p.subject)
	return mac.Sum(nil), nil
}

func (p *envelopePayload) aad() []byte {
	aad := make([]byte, 0, len(p.info)+1+len(p.subject))
	aad = append(aad, p.info...)
	aad = append(aad, 0)
	aad = append(aad, p.subject...)
	return aad
}

func (p *envelopePayload) seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key, err := p.deriveKey()
	if err != nil {
		return nil, err
	}
	aead, err := newEnvelopeAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, wrapErr(StatusRandom, LocusNone, "envelope nonce", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, p.aad())

	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	return []byte(envelopeVersionPrefix + encoded), nil
}

func (p *envelopePayload) open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	encoded := strings.TrimSpace(string(sealed))
	encoded = strings.TrimPrefix(encoded, envelopeVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, newErr(StatusBadData, LocusAttribute, "envelope encoding is not valid base64")
	}

	key, err := p.deriveKey()
	if err != nil {
		return nil, err
	}
	aead, err := newEnvelopeAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, newErr(StatusUnderflow, LocusAttribute, "enveloped data too short")
	}

	nonce := raw[:aead.NonceSize()]
	body := raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, p.aad())
	if err != nil {
		return nil, newErr(StatusSignature, LocusAttribute, "envelope authentication failed")
	}
	return plaintext, nil
}

func newEnvelopeAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapErr(StatusFailed, LocusKey, "envelope cipher init", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, wrapErr(StatusFailed, LocusKey, "envelope AEAD init", err)
	}
	return aead, nil
}
