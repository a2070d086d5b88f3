package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// File is a JSON document on disk, sealed when a passphrase is set and plain
// otherwise.
type File struct {
	path       string
	passphrase string
}

func NewFile(path, passphrase string) File {
	return File{path: strings.TrimSpace(path), passphrase: strings.TrimSpace(passphrase)}
}

func (f File) Path() string {
	return f.path
}

func (f File) Sealed() bool {
	return f.passphrase != ""
}

// ReadJSON decodes the file into v. A missing file leaves v untouched and
// reports found=false.
func (f File) ReadJSON(v any) (found bool, err error) {
	if f.path == "" {
		return false, nil
	}
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if f.Sealed() {
		plain, err := Open(f.passphrase, raw)
		switch {
		case err == nil:
			raw = plain
		case errors.Is(err, ErrPlaintext):
		default:
			return false, err
		}
	} else if IsSealed(raw) {
		return false, ErrAuthFailed
	}
	if len(raw) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// WriteJSON marshals v and replaces the file through a temp file and rename.
func (f File) WriteJSON(v any) error {
	if f.path == "" {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if f.Sealed() {
		if payload, err = Seal(f.passphrase, payload); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
