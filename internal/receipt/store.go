package receipt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Store reads the raw receipt blob.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
}

// FileStore reads the receipt from a fixed path.
type FileStore struct {
	Path string
}

// Read returns ErrNoReceiptData when the file is missing or empty.
func (s FileStore) Read(context.Context) ([]byte, error) {
	if s.Path == "" {
		return nil, ErrNoReceiptData
	}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoReceiptData
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoReceiptData, err)
	}
	if len(data) == 0 {
		return nil, ErrNoReceiptData
	}
	return data, nil
}
