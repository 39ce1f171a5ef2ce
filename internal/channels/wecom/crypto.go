package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
)

const (
	aesKeyLen     = 32
	padBlockSize  = 32 // WeCom pads to 32 bytes, not the AES block size
	randomLen     = 16
	lengthLen     = 4
	headerLen     = randomLen + lengthLen
	maxPadByteLen = 32
)

// Codec signs, encrypts and decrypts callback payloads for one account.
type Codec struct {
	token  string
	corpID string
	key    []byte
	iv     []byte
	strict bool
	rand   io.Reader
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithStrictReceiverID rejects payloads whose embedded receiver id differs
// from the account corp id. Off by default: mismatches are only logged.
func WithStrictReceiverID(strict bool) CodecOption {
	return func(c *Codec) { c.strict = strict }
}

// withRandom overrides the nonce source.
func withRandom(r io.Reader) CodecOption {
	return func(c *Codec) { c.rand = r }
}

// NewCodec builds a codec from the callback token and the 43-character
// EncodingAESKey.
func NewCodec(token, encodingAESKey, corpID string, opts ...CodecOption) (*Codec, error) {
	key, err := DecodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		token:  token,
		corpID: corpID,
		key:    key,
		iv:     key[:aes.BlockSize],
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DecodeAESKey decodes an EncodingAESKey (base64 without its trailing '=')
// and checks that it yields an AES-256 key.
func DecodeAESKey(encodingAESKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode EncodingAESKey: %w", err)
	}
	if len(key) != aesKeyLen {
		return nil, fmt.Errorf("wecom: invalid EncodingAESKey length: got %d bytes, want %d", len(key), aesKeyLen)
	}
	return key, nil
}

// Signature computes the callback signature: sha1 over the lexicographically
// sorted concatenation of the four inputs, hex encoded.
func Signature(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Signature signs with the account token.
func (c *Codec) Signature(timestamp, nonce, encrypted string) string {
	return Signature(c.token, timestamp, nonce, encrypted)
}

// Verify reports whether signature matches the payload.
func (c *Codec) Verify(signature, timestamp, nonce, encrypted string) bool {
	want := c.Signature(timestamp, nonce, encrypted)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// Decrypted is a decrypted callback payload.
type Decrypted struct {
	Plaintext  string
	ReceiverID string
}

// Decrypt decodes and decrypts a base64 payload (an Encrypt field or echostr).
func (c *Codec) Decrypt(encoded string) (Decrypted, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: base64: %v", ErrDecryption, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return Decrypted{}, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrDecryption, len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: new cipher: %v", ErrDecryption, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, ciphertext)

	plain = unpadLenient(plain)
	if len(plain) < headerLen {
		return Decrypted{}, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecryption, len(plain))
	}

	msgLen := binary.BigEndian.Uint32(plain[randomLen:headerLen])
	if uint64(msgLen) > uint64(len(plain)-headerLen) {
		return Decrypted{}, fmt.Errorf("%w: declared length %d exceeds payload", ErrDecryption, msgLen)
	}
	end := headerLen + int(msgLen)
	out := Decrypted{
		Plaintext:  string(plain[headerLen:end]),
		ReceiverID: string(plain[end:]),
	}

	if out.ReceiverID != c.corpID {
		if c.strict {
			return Decrypted{}, fmt.Errorf("%w: receiver id %q does not match corp id", ErrDecryption, out.ReceiverID)
		}
		slog.Warn("wecom: receiver id mismatch", "expected", c.corpID, "got", out.ReceiverID)
	}
	return out, nil
}

// Encrypt is the inverse of Decrypt, using a fresh random nonce.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	nonce := make([]byte, randomLen)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("wecom: read nonce: %w", err)
	}
	buf.Write(nonce)
	var length [lengthLen]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(plaintext)))
	buf.Write(length[:])
	buf.WriteString(plaintext)
	buf.WriteString(c.corpID)

	raw := pkcs7Pad(buf.Bytes(), padBlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wecom: new cipher: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, raw)
	return base64.StdEncoding.EncodeToString(out), nil
}

// --- PKCS#7 padding ---

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// unpadLenient strips PKCS#7 padding. A trailing byte outside 1..32 is read
// as "no padding" rather than an error.
func unpadLenient(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > maxPadByteLen || padLen > len(data) {
		padLen = 0
	}
	return data[:len(data)-padLen]
}
