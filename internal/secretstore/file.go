//go:build !darwin

package secretstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func init() { Default = fileStore{} }

type fileStore struct{}

func (fileStore) path(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".colmeia-secrets", name), nil
}

func (f fileStore) Put(n string, d []byte) error {
	path, err := f.path(n)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, d, 0600)
}

func (f fileStore) Get(n string) ([]byte, error) {
	path, err := f.path(n)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	return data, err
}

func (f fileStore) Delete(n string) error {
	path, err := f.path(n)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, n)
	}
	return err
}
