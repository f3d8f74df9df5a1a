package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// artifactFetcher abstracts mirror selection so tests can stub downloads.
type artifactFetcher interface {
	FetchAny(ctx context.Context, urls []string) (io.ReadCloser, error)
}

// ManagerConfig carries the settings for a dependency Manager.
type ManagerConfig struct {
	// CacheDir is the local mirror of the catalog and its artifacts.
	CacheDir string

	// ManifestURL is the remote catalog manifest location (http or https).
	ManifestURL string

	// Sources configures the artifact source backends.
	Sources SourceConfig
}

// Manager mirrors the dependency catalog and its artifacts into the local
// cache and resolves requested dependencies into install order.
type Manager struct {
	log         *slog.Logger
	cacheDir    string
	manifestURL string
	client      *http.Client
	sources     artifactFetcher

	catalog interfaces.Catalog
}

// NewManager creates a dependency manager over cfg.CacheDir. The cache
// directory tree is created by Init.
func NewManager(cfg ManagerConfig, log *slog.Logger) *Manager {
	return &Manager{
		log:         log,
		cacheDir:    cfg.CacheDir,
		manifestURL: cfg.ManifestURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		sources:     NewSourceSet(cfg.Sources, log),
	}
}

// Init ensures the local cache directory tree exists.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.filesDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create dependency cache at %s: %w", m.cacheDir, err)
	}
	return nil
}

func (m *Manager) manifestPath() string {
	return filepath.Join(m.cacheDir, manifestFilename)
}

func (m *Manager) filesDir() string {
	return filepath.Join(m.cacheDir, "files")
}

// ArtifactDir returns the cache directory holding a dependency's artifacts.
func (m *Manager) ArtifactDir(name string) string {
	return filepath.Join(m.filesDir(), name)
}

// Update refreshes the local copy of the remote catalog manifest. On any
// network or parse failure it returns interfaces.ErrCatalogUnavailable and
// leaves a previously cached manifest intact.
func (m *Manager) Update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.manifestURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCatalogUnavailable, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching %s: %v", interfaces.ErrCatalogUnavailable, m.manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", interfaces.ErrCatalogUnavailable, m.manifestURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading manifest: %v", interfaces.ErrCatalogUnavailable, err)
	}

	catalog, err := parseCatalog(data)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCatalogUnavailable, err)
	}
	if err := catalog.Validate(); err != nil {
		m.log.Warn("catalog manifest has unresolvable references", "err", err)
	}

	if err := m.Init(); err != nil {
		return err
	}

	// Replace the cached manifest atomically so a failed write cannot
	// clobber the previous copy.
	tmp, err := os.CreateTemp(m.cacheDir, manifestFilename+".*")
	if err != nil {
		return fmt.Errorf("failed to stage manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.manifestPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install manifest: %w", err)
	}

	m.catalog = catalog
	m.log.Info("dependency catalog updated", "url", m.manifestURL, "dependencies", len(catalog))
	return nil
}

// Catalog returns the cached catalog, loading it from the cache directory on
// first use. It fails with interfaces.ErrCatalogUnavailable when no manifest
// has been mirrored yet.
func (m *Manager) Catalog() (interfaces.Catalog, error) {
	if m.catalog != nil {
		return m.catalog, nil
	}

	data, err := os.ReadFile(m.manifestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no cached manifest at %s, run an update first", interfaces.ErrCatalogUnavailable, m.manifestPath())
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCatalogUnavailable, err)
	}

	catalog, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCatalogUnavailable, err)
	}
	m.catalog = catalog
	return catalog, nil
}

// EnsureCatalog returns the cached catalog, fetching the remote manifest
// first when the cache holds none.
func (m *Manager) EnsureCatalog(ctx context.Context) (interfaces.Catalog, error) {
	catalog, err := m.Catalog()
	if err == nil {
		return catalog, nil
	}
	if updateErr := m.Update(ctx); updateErr != nil {
		return nil, updateErr
	}
	return m.Catalog()
}

// Resolve expands the requested dependency names into their full transitive
// prerequisite closure, ordered so every prerequisite precedes its
// dependents. Each dependency appears exactly once. It fails with
// interfaces.ErrCyclicDependency when the prerequisite relation has a cycle
// and interfaces.ErrUnknownDependency for any unresolvable reference,
// including transitive ones.
func (m *Manager) Resolve(names ...string) ([]*interfaces.DependencySpec, error) {
	catalog, err := m.Catalog()
	if err != nil {
		return nil, err
	}

	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(names))
	var order []*interfaces.DependencySpec

	var visit func(name string, chain []string) error
	visit = func(name string, chain []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", interfaces.ErrCyclicDependency, strings.Join(append(chain, name), " -> "))
		}

		spec, ok := catalog[name]
		if !ok {
			if len(chain) > 0 {
				return fmt.Errorf("%w: %q required by %q", interfaces.ErrUnknownDependency, name, chain[len(chain)-1])
			}
			return fmt.Errorf("%w: %q", interfaces.ErrUnknownDependency, name)
		}

		state[name] = visiting
		for _, req := range spec.Requires {
			if err := visit(req, append(chain, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, spec)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Fetch downloads a dependency's artifacts into the cache unless they are
// already present and integrity-valid. Downloads are staged to a temporary
// file and renamed into the cache only after their digest matches, so a
// concurrent reader never sees a partial artifact.
func (m *Manager) Fetch(ctx context.Context, name string) error {
	catalog, err := m.Catalog()
	if err != nil {
		return err
	}
	spec, ok := catalog[name]
	if !ok {
		return fmt.Errorf("%w: %q", interfaces.ErrUnknownDependency, name)
	}

	for _, artifact := range spec.Artifacts {
		dst := filepath.Join(m.ArtifactDir(name), artifact.Filename)

		ok, err := fileMatchesDigest(dst, artifact.SHA256)
		if err != nil {
			return fmt.Errorf("failed to check cached artifact %s: %w", dst, err)
		}
		if ok {
			m.log.Debug("artifact already cached", "dependency", name, "file", artifact.Filename)
			continue
		}

		if err := m.download(ctx, name, artifact, dst); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) download(ctx context.Context, name string, artifact interfaces.Artifact, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	rc, err := m.sources.FetchAny(ctx, artifact.URLs)
	if err != nil {
		return fmt.Errorf("dependency %q artifact %q: %w", name, artifact.Filename, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), artifact.Filename+".partial.*")
	if err != nil {
		return fmt.Errorf("failed to stage artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), rc)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s for %q: %w", artifact.Filename, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(sum, artifact.SHA256) {
		return fmt.Errorf("%w: %s/%s: got sha256 %s, want %s", interfaces.ErrIntegrityMismatch, name, artifact.Filename, sum, artifact.SHA256)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to install artifact: %w", err)
	}

	m.log.Info("fetched artifact", "dependency", name, "file", artifact.Filename, "size", size)
	return nil
}

// Verify re-checks the digests of a dependency's cached artifacts.
func (m *Manager) Verify(name string) error {
	catalog, err := m.Catalog()
	if err != nil {
		return err
	}
	spec, ok := catalog[name]
	if !ok {
		return fmt.Errorf("%w: %q", interfaces.ErrUnknownDependency, name)
	}

	for _, artifact := range spec.Artifacts {
		dst := filepath.Join(m.ArtifactDir(name), artifact.Filename)
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s is not cached", interfaces.ErrArtifactUnavailable, name, artifact.Filename)
		}
		ok, err := fileMatchesDigest(dst, artifact.SHA256)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", dst, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s", interfaces.ErrIntegrityMismatch, name, artifact.Filename)
		}
	}
	return nil
}

// Fetched reports whether every artifact of the dependency is present in the
// cache. It does not re-verify digests.
func (m *Manager) Fetched(name string) bool {
	catalog, err := m.Catalog()
	if err != nil {
		return false
	}
	spec, ok := catalog[name]
	if !ok {
		return false
	}
	for _, artifact := range spec.Artifacts {
		if _, err := os.Stat(filepath.Join(m.ArtifactDir(name), artifact.Filename)); err != nil {
			return false
		}
	}
	return true
}

// fileMatchesDigest reports whether the file at path exists and hashes to
// wantHex. A missing file is not an error.
func fileMatchesDigest(path, wantHex string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), wantHex), nil
}
