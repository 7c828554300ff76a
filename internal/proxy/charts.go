package proxy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MegaGrindStone/scout-web-ui/internal/models"
)

// ChartLoader loads a stored chart by name.
type ChartLoader interface {
	Load(name string) (models.Chart, error)
}

// ChartDir loads charts from <name>.json files of a directory, the place the analysis tools write
// their figures to.
type ChartDir struct {
	fsys fs.FS
}

var (
	// ErrInvalidChartName is returned for names that are empty or would escape the chart directory.
	ErrInvalidChartName = errors.New("invalid chart name")
	// ErrChartNotFound is returned when no chart is stored under a name.
	ErrChartNotFound = errors.New("chart not found")
)

// NewChartDir creates a ChartDir reading from dir.
func NewChartDir(dir string) ChartDir {
	return ChartDir{fsys: os.DirFS(dir)}
}

// NewChartFS creates a ChartDir reading from fsys.
func NewChartFS(fsys fs.FS) ChartDir {
	return ChartDir{fsys: fsys}
}

// Load reads and validates the chart stored under name.
func (c ChartDir) Load(name string) (models.Chart, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return models.Chart{}, fmt.Errorf("%w: %q", ErrInvalidChartName, name)
	}
	file := name + ".json"
	if !fs.ValidPath(file) {
		return models.Chart{}, fmt.Errorf("%w: %q", ErrInvalidChartName, name)
	}

	b, err := fs.ReadFile(c.fsys, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Chart{}, fmt.Errorf("%w: %s", ErrChartNotFound, name)
		}
		return models.Chart{}, fmt.Errorf("failed to read chart %s: %w", name, err)
	}
	return models.ParseChart(b)
}
