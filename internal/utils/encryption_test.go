package utils_test

import (
	"testing"

	"github.com/WW-AI-Lab/Dify-Batch/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

// TestEncryptDecrypt 测试加密解密往返
func TestEncryptDecrypt(t *testing.T) {
	plaintext := "app-xxxxxxxxxxxxxxxx"

	ciphertext, err := utils.Encrypt(plaintext, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := utils.Decrypt(ciphertext, testKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

// TestEncrypt_ShortKey 测试密钥过短
func TestEncrypt_ShortKey(t *testing.T) {
	_, err := utils.Encrypt("data", "short")
	assert.Error(t, err)

	_, err = utils.Decrypt("data", "short")
	assert.Error(t, err)
}

// TestDecrypt_WrongKey 测试错误密钥解密失败
func TestDecrypt_WrongKey(t *testing.T) {
	ciphertext, err := utils.Encrypt("secret", testKey)
	require.NoError(t, err)

	_, err = utils.Decrypt(ciphertext, "fedcba9876543210fedcba9876543210")
	assert.Error(t, err)
}

// TestDecrypt_Garbage 测试非法密文
func TestDecrypt_Garbage(t *testing.T) {
	_, err := utils.Decrypt("not base64 at all!!!", testKey)
	assert.Error(t, err)
}

// TestEncrypt_NonDeterministic 测试相同明文的密文不同(随机 nonce)
func TestEncrypt_NonDeterministic(t *testing.T) {
	first, err := utils.Encrypt("same", testKey)
	require.NoError(t, err)
	second, err := utils.Encrypt("same", testKey)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
