// Package resume persists in-flight upload/download sessions so an
// interrupted transfer can continue instead of restarting (spec §4.C).
// Sessions are keyed by a hash of their identifying parameters and stored
// one file per session, written via temp-file-then-rename the same way
// internal/hashcache commits its snapshot — there is no teacher file doing
// exactly this (backend/xpan's own resumable-upload state, if it ever
// existed, didn't survive retrieval), so the persistence mechanics are
// carried over from hashcache rather than invented fresh.
package resume

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/y-itao/baidupan/model"
)

// Store persists sessions under dir, one JSON file per session keyed by
// its derived session key.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// UploadKey derives a session key from the parameters that must all match
// for a resume to be valid: the local file's path and size, the chunk
// size in effect, and the intended remote path. Any drift in these
// invalidates the old session outright (spec §4.C edge case: a changed
// chunk size or a mutated source file must not resume against stale
// state).
func UploadKey(localPath string, size, chunkSize int64, remotePath string) string {
	h := sha256.New()
	fmt.Fprintf(h, "upload\x00%s\x00%d\x00%d\x00%s", localPath, size, chunkSize, remotePath)
	return hex.EncodeToString(h.Sum(nil))
}

// DownloadKey derives a session key for a download from the remote file's
// fs_id and the destination local path.
func DownloadKey(remoteFsID uint64, localPath string) string {
	h := sha256.New()
	fmt.Fprintf(h, "download\x00%d\x00%s", remoteFsID, localPath)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// LoadUpload returns the persisted session for key, or (nil, nil) if none
// exists. A session whose on-disk Tight invariant doesn't hold (spec §8)
// is treated as corrupt and discarded rather than returned, since resuming
// against it would under- or over-write the destination.
func (s *Store) LoadUpload(key string) (*model.UploadSession, error) {
	var sess model.UploadSession
	ok, err := s.load(key, &sess)
	if err != nil || !ok {
		return nil, err
	}
	if !sess.Tight() {
		_ = s.Clear(key)
		return nil, nil
	}
	return &sess, nil
}

// SaveUpload persists sess under its own key.
func (s *Store) SaveUpload(key string, sess *model.UploadSession) error {
	return s.save(key, sess)
}

// LoadDownload returns the persisted session for key, or (nil, nil) if none.
func (s *Store) LoadDownload(key string) (*model.DownloadSession, error) {
	var sess model.DownloadSession
	ok, err := s.load(key, &sess)
	if err != nil || !ok {
		return nil, err
	}
	return &sess, nil
}

// SaveDownload persists sess under its own key.
func (s *Store) SaveDownload(key string, sess *model.DownloadSession) error {
	return s.save(key, sess)
}

// Clear removes any persisted session for key. Missing files are not an
// error.
func (s *Store) Clear(key string) error {
	err := os.Remove(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) load(key string, out interface{}) (bool, error) {
	f, err := os.Open(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		// A corrupt session file is discarded silently, same policy as
		// internal/hashcache's corrupt-journal handling: the transfer
		// just restarts from scratch.
		_ = s.Clear(key)
		return false, nil
	}
	return true, nil
}

func (s *Store) save(key string, v interface{}) error {
	tmp, err := os.CreateTemp(s.dir, ".resume-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.pathFor(key)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
