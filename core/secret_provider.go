package core

// SecretProvider 凭据加解密抽象
// 配置文件里的凭据可以是密文，进程内永远只持有明文
type SecretProvider interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PlainSecretProvider 明文透传，未配置加密密钥时的默认实现
type PlainSecretProvider struct{}

func NewPlainSecretProvider() *PlainSecretProvider {
	return &PlainSecretProvider{}
}

func (PlainSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

func (PlainSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}
