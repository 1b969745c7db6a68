// Package cryptobox implements the hybrid encryption and password-based
// decryption primitives used to move experiment packages to and from
// the cloud service. The wire layouts are fixed by the server and are
// not negotiable, so this package builds directly on the standard
// library's crypto/aes, crypto/cipher and crypto/rsa rather than a
// higher-level third-party codec: swapping the byte layout would break
// interoperability with the service.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/cloudexp/cloudexp/internal/cerrors"
)

const (
	ivSize       = 12
	gcmTagSize   = 16
	dataKeySize  = 32
	scryptSaltSz = 16
)

// legacy scrypt/AES-ECB fallback parameters (spec §4.1.2).
var legacySalt = []byte("salt")

const (
	scryptN       = 32768
	scryptLegacyN = 16384
	scryptR       = 8
	scryptP       = 1
)

// EncryptPackage replaces the plaintext file at path with a ciphertext
// file in the layout:
//
//	IV(12) | key_length(uint16 BE) | encrypted_key | ciphertext | auth_tag(16)
//
// pubKeyPEM is the PEM-encoded RSA public key supplied by the service
// for this experiment. The original file is left untouched if any step
// fails: the new content is written to a temp file and renamed over
// path only on success.
func EncryptPackage(path string, pubKeyPEM []byte) (err error) {
	const phase = "encrypt"

	pub, err := parseRSAPublicKey(pubKeyPEM)
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubKey, err)
	}

	plaintext, err := os.ReadFile(path)
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}

	dataKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubKey, err)
	}
	defer SecureZero(dataKey)

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubKey, err)
	}

	sealed, err := gcmSeal(dataKey, iv, plaintext)
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubSeal, err)
	}
	// sealed = ciphertext || tag, tag is the trailing gcmTagSize bytes.
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dataKey, nil)
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubKeyWrap, err)
	}

	keyLen := make([]byte, 2)
	binary.BigEndian.PutUint16(keyLen, uint16(len(encryptedKey)))

	out := make([]byte, 0, ivSize+2+len(encryptedKey)+len(ciphertext)+gcmTagSize)
	out = append(out, iv...)
	out = append(out, keyLen...)
	out = append(out, encryptedKey...)
	out = append(out, ciphertext...)
	out = append(out, tag...)

	if err := atomicWrite(path, out); err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}
	return nil
}

// DecryptResult reverses DecryptResult's server-side counterpart: it
// reads a file laid out as
//
//	salt(16) | IV(12) | auth_tag(16) | ciphertext
//
// derives the key from otp via scrypt, and overwrites path with the
// recovered plaintext. If the authenticated decryption fails and
// allowLegacy is set, a legacy scrypt+AES-ECB+PKCS7 format is tried as
// a best-effort fallback for reading historical artifacts; new writes
// never use that format.
func DecryptResult(path string, otp []byte, allowLegacy bool) (err error) {
	const phase = "decrypt"

	blob, err := os.ReadFile(path)
	if err != nil {
		return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
	}

	plaintext, openErr := decryptGCMFormat(blob, otp)
	if openErr == nil {
		if err := atomicWrite(path, plaintext); err != nil {
			return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
		}
		return nil
	}

	if allowLegacy {
		if legacyPlain, legacyErr := decryptLegacyFormat(blob, otp); legacyErr == nil {
			if err := atomicWrite(path, legacyPlain); err != nil {
				return cerrors.NewEncryptionFailed(phase, cerrors.SubIO, err)
			}
			return nil
		}
	}

	return cerrors.NewEncryptionFailed(phase, cerrors.SubOpen, openErr)
}

func decryptGCMFormat(blob, otp []byte) ([]byte, error) {
	if len(blob) < scryptSaltSz+ivSize+gcmTagSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	salt := blob[:scryptSaltSz]
	iv := blob[scryptSaltSz : scryptSaltSz+ivSize]
	tag := blob[scryptSaltSz+ivSize : scryptSaltSz+ivSize+gcmTagSize]
	ciphertext := blob[scryptSaltSz+ivSize+gcmTagSize:]

	key, err := scrypt.Key(otp, salt, scryptN, scryptR, scryptP, dataKeySize)
	if err != nil {
		return nil, err
	}
	defer SecureZero(key)

	return gcmOpen(key, iv, append(append([]byte{}, ciphertext...), tag...))
}

func decryptLegacyFormat(blob, otp []byte) ([]byte, error) {
	key, err := scrypt.Key(otp, legacySalt, scryptLegacyN, scryptR, scryptP, dataKeySize)
	if err != nil {
		return nil, err
	}
	defer SecureZero(key)

	return ecbDecryptPKCS7(key, blob)
}

// SecureDelete overwrites path with random bytes of the same length
// before unlinking it. If the overwrite fails (e.g. permissions) it
// falls back to a plain unlink, matching the caller-visible contract
// that the file is gone either way.
func SecureDelete(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if overwriteErr := overwriteWithRandom(path, info.Size()); overwriteErr != nil {
		return os.Remove(path)
	}
	return os.Remove(path)
}

func overwriteWithRandom(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		return err
	}
	return f.Sync()
}

func gcmSeal(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func gcmOpen(key, iv, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, sealed, nil)
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	anyPub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := anyPub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA public key")
	}
	return pub, nil
}

// ecbDecryptPKCS7 decrypts data as AES-ECB with PKCS#7 padding. ECB is
// not exposed by crypto/cipher (by design, since it leaks block-level
// structure); it is implemented here solely to read historical
// artifacts produced by a legacy server version.
func ecbDecryptPKCS7(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += bs {
		block.Decrypt(out[off:off+bs], data[off:off+bs])
	}

	padLen := int(out[len(out)-1])
	if padLen == 0 || padLen > bs || padLen > len(out) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	for _, b := range out[len(out)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid PKCS7 padding")
		}
	}
	return out[:len(out)-padLen], nil
}

// atomicWrite replaces path's contents by writing to a sibling temp
// file, syncing, and renaming over the original.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.incomplete")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
