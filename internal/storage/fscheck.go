package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RemoteFSError reports a path that lives on a network mount. Neither
// SQLite locking nor named pipes shared with another host behave there.
type RemoteFSError struct {
	Path   string
	FSType string
}

func (e *RemoteFSError) Error() string {
	return fmt.Sprintf("%s is on network filesystem %q; use a local path", e.Path, e.FSType)
}

// remoteFSTypes are filesystem names, as reported by fsTypeOf, that
// are served from another machine.
var remoteFSTypes = []string{"afpfs", "ceph", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// CheckLocal returns a *RemoteFSError when path, or the closest
// ancestor that exists yet, is on a network filesystem.
func CheckLocal(path string) error {
	return checkLocal(path, fsTypeOf)
}

func checkLocal(path string, typeOf func(string) (string, error)) error {
	if path == "" {
		return errors.New("path is empty")
	}
	existing, err := closestExisting(path)
	if err != nil {
		return err
	}
	fsType, err := typeOf(existing)
	if err != nil {
		return fmt.Errorf("filesystem of %s: %w", existing, err)
	}
	if isRemote(fsType) {
		return &RemoteFSError{Path: path, FSType: fsType}
	}
	return nil
}

// closestExisting walks up from path until it finds something that
// exists, so a journal can be checked before its directory is created.
func closestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("nothing along %s exists", path)
		}
		p = parent
	}
}

func isRemote(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, t := range remoteFSTypes {
		if t == fsType {
			return true
		}
	}
	return false
}
