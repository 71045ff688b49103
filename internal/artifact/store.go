package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// tmpSuffix marks the sibling temp file an artifact is staged to before
// the atomic rename.
const tmpSuffix = ".tmp"

// dirMode is the permission for created artifact directories.
const dirMode = 0o755

// ErrPersistence marks an I/O failure while staging or replacing an
// artifact. The previously persisted file is untouched when it fires.
var ErrPersistence = errors.New("persistence failure")

// Store reads and writes artifacts under one output root. Plain reports
// live at <root>/<key>.tsv; exploded reports at
// <root>/<key>/<v1>/…/<vn>.tsv with dimension values ordered by
// placeholder name.
type Store struct {
	root  string
	codec Codec
}

// NewStore returns a store rooted at the given output folder.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the artifact location for one report instance.
func (s *Store) Path(inst *report.Instance) string {
	if len(inst.Dimensions) == 0 {
		return filepath.Join(s.root, inst.Key+Extension)
	}

	values := inst.DimensionValues()
	last := len(values) - 1

	parts := make([]string, 0, len(values)+2)
	parts = append(parts, s.root, inst.Key)
	parts = append(parts, values[:last]...)
	parts = append(parts, values[last]+Extension)

	return filepath.Join(parts...)
}

// Load reads the persisted artifact for inst. A missing file is the
// first-run case and yields an empty result set with a nil header.
func (s *Store) Load(inst *report.Instance) (*report.ResultSet, error) {
	path := s.Path(inst)

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report.NewResultSet(nil), nil
		}

		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer file.Close()

	results, err := s.codec.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}

	return results, nil
}

// Save stages the result set to a sibling temp file and renames it over
// the artifact. The previous artifact stays intact unless the rename
// succeeds, so readers observe old-or-new and never a mix.
func (s *Store) Save(inst *report.Instance, results *report.ResultSet) error {
	path := s.Path(inst)

	err := os.MkdirAll(filepath.Dir(path), dirMode)
	if err != nil {
		return fmt.Errorf("%w: create artifact dir: %w", ErrPersistence, err)
	}

	tmp := path + tmpSuffix

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create temp artifact: %w", ErrPersistence, err)
	}

	err = s.codec.Encode(file, results)
	if err != nil {
		file.Close()
		os.Remove(tmp)

		return fmt.Errorf("%w: encode artifact: %w", ErrPersistence, err)
	}

	err = file.Close()
	if err != nil {
		os.Remove(tmp)

		return fmt.Errorf("%w: close temp artifact: %w", ErrPersistence, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)

		return fmt.Errorf("%w: replace artifact: %w", ErrPersistence, err)
	}

	return nil
}
