package cryptobox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/scrypt"

	"github.com/cloudexp/cloudexp/internal/cerrors"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pemBytes
}

func TestEncryptPackageRoundTrip(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "package.tar.gz")
	plaintext := []byte("experiment payload bytes, arbitrary length content here")
	if err := os.WriteFile(path, plaintext, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := EncryptPackage(path, pubPEM); err != nil {
		t.Fatalf("EncryptPackage: %v", err)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(blob) < ivSize+2 {
		t.Fatalf("ciphertext too short: %d bytes", len(blob))
	}

	// Manually unwrap to confirm the layout and recover the plaintext.
	iv := blob[:ivSize]
	keyLen := int(blob[ivSize])<<8 | int(blob[ivSize+1])
	off := ivSize + 2
	encKey := blob[off : off+keyLen]
	sealed := blob[off+keyLen:]

	dataKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encKey, nil)
	if err != nil {
		t.Fatalf("rsa.DecryptOAEP: %v", err)
	}
	got, err := gcmOpen(dataKey, iv, sealed)
	if err != nil {
		t.Fatalf("gcmOpen: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("recovered plaintext = %q, want %q", got, plaintext)
	}
}

func TestEncryptPackageBadKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "package.tar.gz")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := EncryptPackage(path, []byte("not a pem block"))
	if err == nil {
		t.Fatal("expected error for malformed key")
	}
	if !cerrors.Is(err, cerrors.EncryptionFailed) {
		t.Errorf("expected EncryptionFailed, got %v", err)
	}

	// original file must be untouched
	got, _ := os.ReadFile(path)
	if string(got) != "data" {
		t.Error("plaintext should be untouched on failure")
	}
}

func TestDecryptResultRoundTrip(t *testing.T) {
	otp := make([]byte, 32)
	if _, err := rand.Reader.Read(otp); err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("summary.json and friends, tar.gz bytes")

	blob := buildGCMBlob(t, otp, plaintext)

	dir := t.TempDir()
	path := filepath.Join(dir, "result.bin")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := DecryptResult(path, otp, false); err != nil {
		t.Fatalf("DecryptResult: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptResultWrongKeyFails(t *testing.T) {
	otp := make([]byte, 32)
	rand.Reader.Read(otp)
	other := make([]byte, 32)
	rand.Reader.Read(other)

	blob := buildGCMBlob(t, otp, []byte("secret"))

	dir := t.TempDir()
	path := filepath.Join(dir, "result.bin")
	os.WriteFile(path, blob, 0o644)

	err := DecryptResult(path, other, false)
	if err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
	if !cerrors.Is(err, cerrors.EncryptionFailed) {
		t.Errorf("expected EncryptionFailed, got %v", err)
	}
}

func TestDecryptResultTamperedTrailingByte(t *testing.T) {
	otp := make([]byte, 32)
	rand.Reader.Read(otp)
	blob := buildGCMBlob(t, otp, []byte("payload"))
	blob[len(blob)-1] ^= 0xFF

	dir := t.TempDir()
	path := filepath.Join(dir, "result.bin")
	os.WriteFile(path, blob, 0o644)

	err := DecryptResult(path, otp, false)
	if !cerrors.Is(err, cerrors.EncryptionFailed) {
		t.Errorf("expected EncryptionFailed on tamper, got %v", err)
	}
}

func TestSecureDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.bin")
	os.WriteFile(path, []byte("sensitive"), 0o644)

	if err := SecureDelete(path); err != nil {
		t.Fatalf("SecureDelete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should no longer exist")
	}
}

func TestSecureDeleteMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.bin")
	if err := SecureDelete(path); err != nil {
		t.Errorf("SecureDelete on missing file should be a no-op, got %v", err)
	}
}

func TestSecureZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	SecureZero(b)
	for _, v := range b {
		if v != 0 {
			t.Errorf("expected all zero, got %v", b)
		}
	}
}

func TestKeyMaterialClose(t *testing.T) {
	km := NewKeyMaterial([]byte{9, 9, 9})
	km.Close()
	if km.Bytes() != nil {
		t.Error("Bytes() should return nil after Close")
	}
	km.Close() // idempotent
}

// --- test helpers mirroring the package's own wire format ---

func buildGCMBlob(t *testing.T, otp, plaintext []byte) []byte {
	t.Helper()
	salt := make([]byte, scryptSaltSz)
	rand.Reader.Read(salt)
	iv := make([]byte, ivSize)
	rand.Reader.Read(iv)

	key, err := scrypt.Key(otp, salt, scryptN, scryptR, scryptP, dataKeySize)
	if err != nil {
		t.Fatalf("scrypt.Key: %v", err)
	}
	sealed, err := gcmSeal(key, iv, plaintext)
	if err != nil {
		t.Fatalf("gcmSeal: %v", err)
	}
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	blob := make([]byte, 0, scryptSaltSz+ivSize+gcmTagSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob
}
