package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore is a simple local-first key store for Ed25519 seeds.
//
// Layout: <dir>/<name>/root.key holds the root seed; derived capability
// subkeys live under <dir>/<name>/subjects/<subject>.key. Seeds are stored
// hex-encoded with 0600 permissions.
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Name     string
	Subjects []string
}

func DefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".capres", "keys"), nil
}

func OpenKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) rootKeyPath(name string) string {
	return filepath.Join(ks.Directory, name, "root.key")
}

func (ks *KeyStore) subjectKeyPath(name, subject string) string {
	return filepath.Join(ks.Directory, name, "subjects", subject+".key")
}

// ParseSeedHex decodes a hex-encoded Ed25519 seed, accepting a 0x prefix.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) saveSeed(filePath string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func (ks *KeyStore) loadSeed(filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(strings.TrimSpace(string(data)))
}

// InitializeRoot stores seed as the root key for name and returns the
// signer-key string.
func (ks *KeyStore) InitializeRoot(name string, seed []byte, overwrite bool) (signerKey, filePath string, err error) {
	if err := CheckSubject(name); err != nil {
		return "", "", err
	}
	filePath = ks.rootKeyPath(name)
	if err := ks.saveSeed(filePath, seed, overwrite); err != nil {
		return "", "", err
	}
	kp, err := Ed25519FromSeed(seed)
	if err != nil {
		return "", "", err
	}
	return kp.SignerKey(), filePath, nil
}

// DeriveSubjectKey derives and stores a subject subkey from name's root seed.
func (ks *KeyStore) DeriveSubjectKey(name, subject string, overwrite bool) (signerKey, filePath string, err error) {
	if err := CheckSubject(name); err != nil {
		return "", "", err
	}
	rootSeed, err := ks.loadSeed(ks.rootKeyPath(name))
	if err != nil {
		return "", "", err
	}
	seed, err := DeriveSubjectSeed(rootSeed, subject)
	if err != nil {
		return "", "", err
	}
	filePath = ks.subjectKeyPath(name, subject)
	if err := ks.saveSeed(filePath, seed, overwrite); err != nil {
		return "", "", err
	}
	kp, err := Ed25519FromSeed(seed)
	if err != nil {
		return "", "", err
	}
	return kp.SignerKey(), filePath, nil
}

// LoadKeypair loads the keypair for name, or its subject subkey when subject
// is non-empty.
func (ks *KeyStore) LoadKeypair(name, subject string) (*Keypair, error) {
	if err := CheckSubject(name); err != nil {
		return nil, err
	}
	path := ks.rootKeyPath(name)
	if subject != "" {
		if err := CheckSubject(subject); err != nil {
			return nil, err
		}
		path = ks.subjectKeyPath(name, subject)
	}
	seed, err := ks.loadSeed(path)
	if err != nil {
		return nil, err
	}
	return Ed25519FromSeed(seed)
}

// LoadSeed resolves a seed from an explicit hex string, a key file, or a
// stored name/subject, in that order of preference.
func (ks *KeyStore) LoadSeed(seedHex, name, subject, keyFile string) ([]byte, error) {
	if seedHex != "" {
		return ParseSeedHex(seedHex)
	}
	if keyFile != "" {
		return ks.loadSeed(keyFile)
	}
	if name != "" {
		if subject == "" {
			return ks.loadSeed(ks.rootKeyPath(name))
		}
		return ks.loadSeed(ks.subjectKeyPath(name, subject))
	}
	return nil, errors.New("no signer provided")
}

// ListKeys enumerates stored key names with their derived subjects.
func (ks *KeyStore) ListKeys() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var result []KeyEntry
	for _, name := range names {
		subjectsDir := filepath.Join(ks.Directory, name, "subjects")
		subjectEntries, serr := os.ReadDir(subjectsDir)
		var subjects []string
		if serr == nil {
			for _, se := range subjectEntries {
				if se.IsDir() {
					continue
				}
				if strings.HasSuffix(se.Name(), ".key") {
					subjects = append(subjects, strings.TrimSuffix(se.Name(), ".key"))
				}
			}
			sort.Strings(subjects)
		}
		result = append(result, KeyEntry{Name: name, Subjects: subjects})
	}
	return result, nil
}
