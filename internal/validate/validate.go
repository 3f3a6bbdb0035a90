// Package validate holds small, shared input-validation helpers used by
// the CLI and the transport adapters before untrusted paths/addresses
// reach the pipeline.
package validate

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPath   = errors.New("validate: invalid file path")
	ErrPathNotExists = errors.New("validate: path does not exist")
	ErrInvalidAddr   = errors.New("validate: invalid listen address")
	ErrEmptyString   = errors.New("validate: value must not be empty")
)

// FilePath checks p is non-empty and, if mustExist, present on disk.
func FilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	p = filepath.Clean(p)
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

// Addr checks addr parses as a TCP/UDP host:port pair, used for the
// optional QUIC transport's listen/dial address.
func Addr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// NonEmpty checks s is not the empty string.
func NonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}
