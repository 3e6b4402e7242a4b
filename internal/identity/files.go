package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"taskbridge/internal/domain"
)

// Seed describes a profile's intended remote account before it is
// provisioned. Seeds live in identities.json in the state directory so an
// operator can pre-assign usernames or passwords.
type Seed struct {
	Profile  string `json:"profile"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

const seedFileName = "identities.json"

// LoadSeeds reads the seed store. A missing file is an empty store.
func LoadSeeds(dir string) (map[string]Seed, error) {
	data, err := os.ReadFile(filepath.Join(dir, seedFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Seed{}, nil
		}
		return nil, err
	}
	var seeds []Seed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", seedFileName, err)
	}
	res := make(map[string]Seed, len(seeds))
	for _, s := range seeds {
		res[s.Profile] = s
	}
	return res, nil
}

// SaveSeeds rewrites the seed store atomically, ordered by profile name so
// rewrites diff cleanly.
func SaveSeeds(dir string, seeds map[string]Seed) error {
	list := make([]Seed, 0, len(seeds))
	for _, s := range seeds {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Profile < list[j].Profile })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, seedFileName), data)
}

func credentialPath(dir, profile string) string {
	return filepath.Join(dir, fmt.Sprintf("auth.%s.json", profile))
}

var ErrNoCredential = errors.New("no credential on disk")

// ReadCredential loads the stored binding for a profile.
func ReadCredential(dir, profile string) (domain.Credential, error) {
	data, err := os.ReadFile(credentialPath(dir, profile))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Credential{}, ErrNoCredential
		}
		return domain.Credential{}, err
	}
	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("corrupt credential for %s: %w", profile, err)
	}
	return cred, nil
}

// WriteCredential persists a binding. Credentials carry tokens, so the
// file is written 0600 and replaced atomically.
func WriteCredential(dir string, cred domain.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(credentialPath(dir, cred.Profile), data)
}

// RemoveCredential deletes a stored binding. Missing files are fine.
func RemoveCredential(dir, profile string) error {
	err := os.Remove(credentialPath(dir, profile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(buf), nil
}
