// Package drm removes the vendor's KDRM protection from downloaded
// epub files. Content keys are AES-ECB-encrypted with a key derived
// from the device and user identity; each protected file inside the
// epub container is AES-ECB-encrypted with its decrypted content key.
package drm

import (
	"archive/zip"
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Sentinel for malformed keys or unsupported encryption variants.
var ErrMalformedKey = errors.New("drm: malformed content key")

// Remover strips KDRM from epub containers.
// The zero value is unusable; construct with NewRemover.
type Remover struct{}

// NewRemover returns a KDRM remover.
func NewRemover() *Remover {
	return &Remover{}
}

// deriveKeyKey builds the AES key that decrypts content keys: the lower
// half of the hex-encoded SHA-256 digest of deviceID+userID, decoded
// back to bytes. The asymmetry (hex then decode) matches the vendor's
// own derivation and is load-bearing.
func deriveKeyKey(deviceID, userID string) ([]byte, error) {
	digest := sha256.Sum256([]byte(deviceID + userID))
	hexDigest := hex.EncodeToString(digest[:])

	return hex.DecodeString(hexDigest[32:])
}

// Remove decrypts inputPath into outputPath. Files named in contentKeys
// are decrypted with their key; everything else is copied through. The
// epub mimetype entry is written uncompressed per the epub spec.
func (r *Remover) Remove(deviceID, userID, inputPath, outputPath string, contentKeys map[string]string) error {
	keyKey, err := deriveKeyKey(deviceID, userID)
	if err != nil {
		return fmt.Errorf("drm: deriving device key: %w", err)
	}

	in, err := zip.OpenReader(inputPath)
	if err != nil {
		return fmt.Errorf("drm: opening %s: %w", inputPath, err)
	}
	defer in.Close()

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("drm: creating %s: %w", outputPath, err)
	}

	out := zip.NewWriter(outFile)

	success := false
	defer func() {
		if !success {
			out.Close()
			outFile.Close()
			_ = os.Remove(outputPath)
		}
	}()

	for _, entry := range in.File {
		contents, err := readZipEntry(entry)
		if err != nil {
			return err
		}

		if keyB64, ok := contentKeys[entry.Name]; ok {
			contents, err = decryptContents(keyKey, keyB64, contents)
			if err != nil {
				return fmt.Errorf("drm: decrypting %s: %w", entry.Name, err)
			}
		}

		if err := writeZipEntry(out, entry.Name, contents); err != nil {
			return err
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("drm: finalizing %s: %w", outputPath, err)
	}

	if err := outFile.Close(); err != nil {
		return fmt.Errorf("drm: closing %s: %w", outputPath, err)
	}

	success = true

	return nil
}

// decryptContents unwraps a file's content key with the device key,
// then decrypts the file contents with it. Both layers are AES-ECB;
// the contents carry PKCS#7 padding.
func decryptContents(keyKey []byte, contentKeyB64 string, contents []byte) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(contentKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	contentKey, err := ecbDecrypt(keyKey, wrapped)
	if err != nil {
		return nil, err
	}

	plain, err := ecbDecrypt(contentKey, contents)
	if err != nil {
		return nil, err
	}

	return pkcs7Unpad(plain)
}

// ecbDecrypt decrypts data block-by-block in ECB mode. The vendor
// scheme predates authenticated encryption; ECB is what it uses.
func ecbDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not block-aligned", ErrMalformedKey)
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:], data[i:])
	}

	return out, nil
}

// pkcs7Unpad strips PKCS#7 padding from a decrypted buffer.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrMalformedKey)
	}

	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedKey)
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedKey)
		}
	}

	return data[:len(data)-n], nil
}

func readZipEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("drm: opening entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	contents, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("drm: reading entry %s: %w", entry.Name, err)
	}

	return contents, nil
}

func writeZipEntry(out *zip.Writer, name string, contents []byte) error {
	header := &zip.FileHeader{Name: name, Method: zip.Deflate}

	// The epub container spec requires the mimetype entry to be stored
	// uncompressed so readers can sniff it.
	if name == "mimetype" {
		header.Method = zip.Store
	}

	w, err := out.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("drm: creating entry %s: %w", name, err)
	}

	if _, err := w.Write(contents); err != nil {
		return fmt.Errorf("drm: writing entry %s: %w", name, err)
	}

	return nil
}
