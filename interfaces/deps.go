package interfaces

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Artifact is a single downloadable file belonging to a dependency.
type Artifact struct {
	// Filename is the name the artifact is cached and staged under.
	Filename string `yaml:"filename"`

	// URLs lists mirror locations for the artifact, tried in order.
	// Supported schemes: http, https, s3, ipfs, file.
	URLs []string `yaml:"urls"`

	// SHA256 is the hex-encoded digest the downloaded bytes must match
	// before the artifact becomes visible in the cache.
	SHA256 string `yaml:"sha256"`
}

// DependencySpec describes one installable guest dependency. Specs are
// immutable once mirrored into the local cache and are identified solely
// by name within their catalog.
type DependencySpec struct {
	Name        string `yaml:"-"`
	Description string `yaml:"description"`

	// Requires lists dependencies that must be installed before this one.
	Requires []string `yaml:"requires"`

	Artifacts []Artifact `yaml:"artifacts"`

	// InstallScript is the guest-side batch fragment appended to the
	// aggregate bootstrap script in resolution order.
	InstallScript string `yaml:"install"`
}

// Catalog maps dependency names to their specs. It is sourced from a remote
// manifest and mirrored into the local cache directory.
type Catalog map[string]*DependencySpec

// Names returns all dependency names in lexicographic order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every prerequisite referenced by a spec resolves
// within the catalog.
func (c Catalog) Validate() error {
	for _, name := range c.Names() {
		for _, req := range c[name].Requires {
			if _, ok := c[req]; !ok {
				return fmt.Errorf("%w: %q required by %q", ErrUnknownDependency, req, name)
			}
		}
	}
	return nil
}

var (
	// ErrCatalogUnavailable is returned when the remote catalog manifest cannot
	// be fetched or parsed. A previously cached manifest stays intact.
	ErrCatalogUnavailable = errors.New("dependency catalog unavailable")

	// ErrUnknownDependency is returned when a requested or transitively
	// referenced dependency name is absent from the catalog.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCyclicDependency is returned when the prerequisite relation between
	// dependencies is not acyclic.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrIntegrityMismatch is returned when a downloaded artifact does not
	// match its declared digest. The partial download is discarded.
	ErrIntegrityMismatch = errors.New("artifact integrity mismatch")

	// ErrArtifactUnavailable is returned when none of an artifact's mirror
	// URLs could serve it.
	ErrArtifactUnavailable = errors.New("artifact unavailable")
)

// ArtifactSource retrieves dependency artifacts for one URL scheme.
type ArtifactSource interface {
	// Fetch opens a reader for the artifact at rawURL. The caller owns the
	// returned reader and must close it.
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)

	// Name returns identifier for logging.
	Name() string
}
