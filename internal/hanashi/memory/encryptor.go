package memory

import (
	"errors"

	"github.com/bdobrica/Hanashi/common/crypto"
)

// blobVersion prefixes every ciphertext written by Encryptor.
const blobVersion byte = 1

// Encryptor seals history blobs with a UserKey. The owning user ID is bound
// as additional authenticated data, so a blob moved to another user's row
// fails to open even under the same key.
type Encryptor struct{}

func aad(userID string) []byte {
	return []byte("hanashi/memory/v1:" + userID)
}

// Encrypt seals plaintext for key's owner.
func (Encryptor) Encrypt(key *UserKey, plaintext []byte) ([]byte, error) {
	if key == nil || key.key == nil {
		return nil, errors.New("memory: encrypt with destroyed or nil key")
	}
	sealed, err := crypto.Seal(key.key, plaintext, aad(key.userID))
	if err != nil {
		return nil, err
	}
	return append([]byte{blobVersion}, sealed...), nil
}

// Decrypt opens a blob sealed by Encrypt. Any failure is a *DecryptionError.
func (Encryptor) Decrypt(key *UserKey, blob []byte) ([]byte, error) {
	if key == nil || key.key == nil {
		return nil, &DecryptionError{Err: errors.New("destroyed or nil key")}
	}
	if len(blob) == 0 || blob[0] != blobVersion {
		return nil, &DecryptionError{UserID: key.userID, Err: errors.New("unknown blob format")}
	}
	plain, err := crypto.Open(key.key, blob[1:], aad(key.userID))
	if err != nil {
		return nil, &DecryptionError{UserID: key.userID, Err: err}
	}
	return plain, nil
}
