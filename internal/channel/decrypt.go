package channel

import (
	"bytes"
	"crypto/aes"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNotDecryptable means no registered channel key produced a plausible
// plaintext. Expected and common: most observed channels are not in the
// known-channel list.
var ErrNotDecryptable = errors.New("channel not decryptable")

// Group payload layout: [channel hash 1B][MAC 2B][ciphertext].
// Plaintext layout: [timestamp 4B][flags 1B][text...][zero padding].
const (
	macLen             = 2
	ciphertextOffset   = 1 + macLen
	minGroupPayloadLen = 4
	textOffset         = 5
	minPlaintextLen    = textOffset + 1
)

// Decryption is a successfully recovered group message.
type Decryption struct {
	Channel string
	Hash    byte
	Text    string
}

// Decryptor attempts group-payload decryption against a fixed registry.
// Stateless apart from the read-only registry reference.
type Decryptor struct {
	registry *Registry
}

func NewDecryptor(registry *Registry) *Decryptor {
	return &Decryptor{registry: registry}
}

// TryDecrypt decrypts a GRP_TXT/GRP_DATA payload with AES-128-ECB against
// every registered key whose channel hash matches, in registration order.
// The first key yielding a plausible plaintext wins; no further keys are
// attempted after an accept.
func (d *Decryptor) TryDecrypt(payload []byte) (Decryption, error) {
	if len(payload) < minGroupPayloadLen {
		return Decryption{}, ErrNotDecryptable
	}

	hash := payload[0]
	ciphertext := payload[ciphertextOffset:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return Decryption{}, ErrNotDecryptable
	}

	for _, entry := range d.registry.Candidates(hash) {
		block, err := aes.NewCipher(entry.Key[:])
		if err != nil {
			continue
		}

		plaintext := make([]byte, len(ciphertext))
		for i := 0; i < len(ciphertext); i += aes.BlockSize {
			block.Decrypt(plaintext[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
		}
		if len(plaintext) < minPlaintextLen {
			continue
		}

		text := decodeText(plaintext[textOffset:])
		if plausibleText(text) {
			return Decryption{Channel: entry.Name, Hash: hash, Text: text}, nil
		}
	}

	return Decryption{}, ErrNotDecryptable
}

// decodeText strips zero padding, drops invalid UTF-8 bytes and trims
// surrounding whitespace.
func decodeText(raw []byte) string {
	raw = bytes.TrimRight(raw, "\x00")
	if !utf8.Valid(raw) {
		var b strings.Builder
		for len(raw) > 0 {
			r, size := utf8.DecodeRune(raw)
			if r != utf8.RuneError || size > 1 {
				b.WriteRune(r)
			}
			raw = raw[size:]
		}
		return strings.TrimSpace(b.String())
	}

	return strings.TrimSpace(string(raw))
}

// plausibleText accepts decryptions where more than half the runes are
// printable. Wrong keys yield high-entropy garbage that fails this check.
func plausibleText(text string) bool {
	if text == "" {
		return false
	}

	printable, total := 0, 0
	for _, r := range text {
		total++
		if unicode.IsPrint(r) {
			printable++
		}
	}

	return printable > total/2
}
