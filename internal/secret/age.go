// Package secret keeps credentials such as the directory bind password
// encrypted at rest with an age X25519 identity.
package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Box seals and opens secrets with the identity stored at identityPath.
// The identity file is the only key material and must be readable by the
// daemon alone.
type Box struct {
	identityPath string
}

func NewBox(identityPath string) *Box {
	return &Box{identityPath: identityPath}
}

// GenerateIdentity writes a new X25519 identity. It refuses to overwrite an
// existing one, since every secret sealed to it would become unreadable.
func (b *Box) GenerateIdentity() (string, error) {
	if b.IsConfigured() {
		return "", fmt.Errorf("identity already exists: %s", b.identityPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.identityPath), 0o700); err != nil {
		return "", fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(b.identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing identity: %w", err)
	}
	return identity.Recipient().String(), nil
}

// IsConfigured returns true if the identity file exists.
func (b *Box) IsConfigured() bool {
	_, err := os.Stat(b.identityPath)
	return err == nil
}

// Seal encrypts plaintext to the identity's recipient and writes it to w.
func (b *Box) Seal(plaintext []byte, w io.Writer) error {
	identity, err := b.loadIdentity()
	if err != nil {
		return err
	}

	encWriter, err := age.Encrypt(w, identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := encWriter.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting secret: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// Open decrypts a sealed secret read from r.
func (b *Box) Open(r io.Reader) ([]byte, error) {
	identity, err := b.loadIdentity()
	if err != nil {
		return nil, err
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}
	data, err := io.ReadAll(decReader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted secret: %w", err)
	}
	return data, nil
}

// SealFile writes a sealed secret to path with owner-only permissions.
func (b *Box) SealFile(path string, plaintext []byte) error {
	var buf bytes.Buffer
	if err := b.Seal(plaintext, &buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	return nil
}

// OpenFile reads a sealed secret from path, trimming a trailing newline.
func (b *Box) OpenFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening secret: %w", err)
	}
	defer f.Close()

	data, err := b.Open(f)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (b *Box) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(b.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, errors.New("no X25519 identity found")
}
