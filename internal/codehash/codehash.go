// Package codehash computes a short, deterministic hash of the
// daemon's own source tree so a client can compare its local build
// against the running daemon's and detect a stale daemon.
package codehash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Compute walks every .go file under each of dirs (plus entryPoint
// itself) in lexical order and returns the first 12 hex characters of
// the combined sha256 digest. Lexical ordering makes the result
// independent of the filesystem's directory-read order.
func Compute(entryPoint string, dirs ...string) (string, error) {
	var files []string
	if entryPoint != "" {
		files = append(files, entryPoint)
	}
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if filepath.Ext(path) != ".go" {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		// #nosec G304 - path comes from walking the daemon's own source tree
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", err
		}
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:6]), nil
}
