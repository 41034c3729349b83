// Package security 提供凭据的 AES-GCM 加解密实现
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// AESSecretProvider AES-GCM 加解密，nonce 前置在密文里随 base64 一起存
type AESSecretProvider struct {
	key []byte
}

// NewAESSecretProvider key 必须是 16/24/32 字节（AES-128/192/256）
func NewAESSecretProvider(key string) (*AESSecretProvider, error) {
	b := []byte(key)
	switch len(b) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("aes key must be 16, 24 or 32 bytes, got %d", len(b))
	}
	return &AESSecretProvider{key: b}, nil
}

func (p *AESSecretProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt 返回 base64(nonce || ciphertext)
func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	gcm, err := p.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解开 Encrypt 的产物
func (p *AESSecretProvider) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := p.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
