// Package filesaver manages the staging directory that receiver-side
// transfers write into: files live under a ".flap" suffix until their
// content hash verifies, then are atomically renamed into place.
package filesaver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flapfile/flap/internal/contenthash"
	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/osdirs"
)

const stagingDirName = "Flap Downloads"
const stagingSuffix = ".flap"

// FileSaver holds the staging directory received files are written into,
// created idempotently on first use.
type FileSaver struct {
	dir string
}

// New resolves the OS downloads directory, creates "Flap Downloads" under
// it if necessary, and returns a ready-to-use FileSaver.
func New() (*FileSaver, error) {
	downloads, err := osdirs.Downloads()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", flaperr.ErrFileIO, err)
	}
	dir := filepath.Join(downloads, stagingDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging directory: %w", flaperr.ErrFileIO, err)
	}
	return &FileSaver{dir: dir}, nil
}

// NewAt builds a FileSaver rooted at an arbitrary, already-existing
// directory, bypassing OS downloads-directory resolution. Exported for
// callers that manage their own staging root, such as tests.
func NewAt(dir string) *FileSaver {
	return &FileSaver{dir: dir}
}

// Dir returns the staging directory this FileSaver writes into.
func (fs *FileSaver) Dir() string {
	return fs.dir
}

func (fs *FileSaver) stagingPath(fileName string) string {
	return filepath.Join(fs.dir, fileName+stagingSuffix)
}

func (fs *FileSaver) finalPath(fileName string) string {
	return filepath.Join(fs.dir, fileName)
}

// Prepare opens the staging file for fileName, returning it along with
// the byte offset to resume from and, if the staging file already held
// partial content, a hasher primed with that content's prefix hash. A
// nil hasher means the transfer is starting from scratch.
func (fs *FileSaver) Prepare(fileName string) (file *os.File, startOffset uint64, partialHasher *contenthash.Hasher, err error) {
	path := fs.stagingPath(fileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		return f, 0, nil, nil
	}
	if !os.IsExist(err) {
		return nil, 0, nil, fmt.Errorf("%w: create staging file: %w", flaperr.ErrFileIO, err)
	}

	f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: open existing staging file: %w", flaperr.ErrFileIO, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%w: stat staging file: %w", flaperr.ErrFileIO, err)
	}
	length := info.Size()

	hasher, err := contenthash.PrefixHash(io.NewSectionReader(f, 0, length), nil)
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%w: rehash staging file prefix: %w", flaperr.ErrFileIO, err)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%w: seek to end of staging file: %w", flaperr.ErrFileIO, err)
	}

	return f, uint64(length), hasher, nil
}

// Finish atomically renames the staging file into place, dropping the
// ".flap" suffix. This rename is the transfer's visibility commit point.
func (fs *FileSaver) Finish(fileName string) error {
	if err := os.Rename(fs.stagingPath(fileName), fs.finalPath(fileName)); err != nil {
		return fmt.Errorf("%w: finalize received file: %w", flaperr.ErrFileIO, err)
	}
	return nil
}
