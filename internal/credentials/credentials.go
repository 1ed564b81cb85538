// Package credentials turns an encoded session id into the credentials file
// the backend dials with, and keeps that file current.
package credentials

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"unicorn/internal/logging"
)

var (
	// ErrNoSession means there is neither a valid credentials file nor a
	// session id to decode.
	ErrNoSession = errors.New("no session: set SESSION_ID or provide session/creds.json")
	// ErrFormat means the session id is not "<tag>~<payload>".
	ErrFormat = errors.New("invalid session id format")
	// ErrIdentity means the credentials lack me.id.
	ErrIdentity = errors.New("credentials have no identity record (me.id)")
)

// Source tells where the credentials came from.
type Source int

const (
	SourceNone Source = iota
	SourceExisting
	SourceDecoded
)

func (s Source) String() string {
	switch s {
	case SourceExisting:
		return "existing"
	case SourceDecoded:
		return "decoded"
	default:
		return "none"
	}
}

type identity struct {
	Me *struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"me"`
}

// Validate checks that raw is a JSON object carrying me.id.
func Validate(raw []byte) error {
	var id identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return fmt.Errorf("credentials are not valid JSON: %w", err)
	}
	if id.Me == nil || strings.TrimSpace(id.Me.ID) == "" {
		return ErrIdentity
	}
	return nil
}

// Decode turns "<tag>~<payload>" into credential JSON. Literal "..."
// separators in the payload are ignored.
func Decode(tag, sessionID string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimSpace(sessionID), "~")
	if !ok || header != tag || payload == "" {
		return nil, fmt.Errorf("%w: expected %q", ErrFormat, tag+"~<base64>")
	}

	payload = strings.ReplaceAll(payload, "...", "")
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrFormat, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrFormat, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip: %v", ErrFormat, err)
	}

	if err := Validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Encode is the inverse of Decode.
func Encode(tag string, raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return tag + "~" + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Load reads and validates the credentials file at path.
func Load(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Save writes raw to path through a temp file and rename.
func Save(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

// Ensure makes sure a valid credentials file exists at path. A valid file
// is kept as is; an invalid one is removed and replaced by decoding
// sessionID. It returns the credentials and where they came from.
func Ensure(path, tag, sessionID string) (json.RawMessage, Source, error) {
	log := logging.Get(logging.CategoryCredentials)

	raw, err := Load(path)
	switch {
	case err == nil:
		log.Infow("valid session already exists", "path", path)
		return raw, SourceExisting, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		log.Warnw("removing invalid credentials", "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, SourceNone, fmt.Errorf("failed to remove invalid credentials: %w", rmErr)
		}
	}

	if strings.TrimSpace(sessionID) == "" {
		return nil, SourceNone, ErrNoSession
	}

	decoded, err := Decode(tag, sessionID)
	if err != nil {
		return nil, SourceNone, err
	}
	if err := Save(path, decoded); err != nil {
		return nil, SourceNone, err
	}
	log.Infow("session loaded", "path", path)
	return json.RawMessage(decoded), SourceDecoded, nil
}
