package broker

import (
	"os"
	"path/filepath"

	"github.com/astrocomm/broker/registry"
)

// FileStore persists registry snapshots to a single file, writing
// through a temp file and rename so a crash never leaves a torn
// snapshot.
type FileStore struct {
	Path string
}

var _ registry.Persister = (*FileStore)(nil)

func (fs *FileStore) Save(data []byte) error {
	dir := filepath.Dir(fs.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.Path)+".tmp*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), fs.Path)
}

// Load returns nil with no error when no snapshot exists yet.
func (fs *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(fs.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}

	return data, err
}
