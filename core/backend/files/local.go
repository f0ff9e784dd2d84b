// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package files

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cabwise-tech/fleetcore/core/logger"
)

// Local is the local filesystem implementation of the upload storage
type Local struct {
	basePath   string
	publicPath string
}

// NewLocal returns a new Local driver. The uploads root and its media kind
// subdirectories get created if they do not exist yet.
func NewLocal(c *LocalConfiguration) (*Local, error) {
	if c == nil || c.BasePath == "" {
		return nil, errors.New("local files driver needs a base path")
	}
	publicPath := c.PublicPath
	if publicPath == "" {
		publicPath = "/uploads"
	}
	for _, dir := range []string{"", "images", "documents"} {
		if err := os.MkdirAll(filepath.Join(c.BasePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("cannot create uploads directory: %w", err)
		}
	}
	logger.Default().Debugln("local files driver enabled:", c.BasePath)
	return &Local{basePath: c.BasePath, publicPath: strings.TrimSuffix(publicPath, "/")}, nil
}

func (l *Local) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", errors.New("'..' is not allowed in a key")
	}
	return filepath.Join(l.basePath, filepath.FromSlash(key)), nil
}

// Put stores data under key
func (l *Local) Put(key string, data []byte, contentType string) error {
	filePath, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

// Delete removes one key
func (l *Local) Delete(key string) error {
	filePath, err := l.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteAllWithPrefix removes all keys starting with prefix
func (l *Local) DeleteAllWithPrefix(prefix string) error {
	filePath, err := l.path(prefix)
	if err != nil {
		return err
	}
	dir := filepath.Dir(filePath)
	base := filepath.Base(filePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// URL returns the static serving path for key
func (l *Local) URL(key string) string {
	return l.publicPath + "/" + path.Clean(key)
}
