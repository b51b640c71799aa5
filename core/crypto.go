package core

// Cipher is the crypto collaborator sealing delivery payloads. The core never
// manages key material itself; implementations own keys and rotation.
//
// HMAC returns a stable string form (hex) of the authentication code over the
// given bytes, used for the payload signature header.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	HMAC(data []byte) string
}
