package deps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// HTTPSource fetches artifacts over http and https.
type HTTPSource struct {
	client *http.Client
	log    *slog.Logger
}

// NewHTTPSource creates an HTTP artifact source. Downloads have no overall
// deadline since installer artifacts can be large; cancellation comes from
// the caller's context.
func NewHTTPSource(log *slog.Logger) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
		log: log,
	}
}

// Fetch opens a reader for the artifact at rawURL.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", interfaces.ErrArtifactUnavailable, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("artifact server returned %s for %s", resp.Status, rawURL)
	}

	return resp.Body, nil
}

// Name returns identifier for logging.
func (s *HTTPSource) Name() string { return "http" }

// FileSource serves artifacts from the local filesystem via file:// URLs.
type FileSource struct {
	log *slog.Logger
}

// NewFileSource creates a filesystem artifact source.
func NewFileSource(log *slog.Logger) *FileSource {
	return &FileSource{log: log}
}

// Fetch opens the file named by rawURL's path.
func (s *FileSource) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid file URL %q: %w", rawURL, err)
	}

	f, err := os.Open(u.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrArtifactUnavailable, u.Path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", u.Path, err)
	}
	return f, nil
}

// Name returns identifier for logging.
func (s *FileSource) Name() string { return "file" }

// S3Source fetches artifacts from s3://bucket/key URLs. The AWS session is
// created on first use so runs without S3 mirrors never touch the SDK.
type S3Source struct {
	log      *slog.Logger
	region   string
	endpoint string

	once    sync.Once
	client  *s3.S3
	initErr error
}

// NewS3Source creates an S3 artifact source for the given region. An empty
// endpoint uses AWS; a custom endpoint selects an S3-compatible service.
func NewS3Source(region, endpoint string, log *slog.Logger) *S3Source {
	return &S3Source{
		log:      log,
		region:   region,
		endpoint: endpoint,
	}
}

// Fetch retrieves the object at the s3://bucket/key URL.
func (s *S3Source) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	s.once.Do(func() {
		cfg := aws.Config{Region: aws.String(s.region)}
		if s.endpoint != "" {
			cfg.Endpoint = aws.String(s.endpoint)
		}
		sess, err := session.NewSession(&cfg)
		if err != nil {
			s.initErr = fmt.Errorf("failed to create AWS session: %w", err)
			return
		}
		s.client = s3.New(sess)
	})
	if s.initErr != nil {
		return nil, s.initErr
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 URL %q: %w", rawURL, err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("%w: s3://%s/%s", interfaces.ErrArtifactUnavailable, bucket, key)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	return result.Body, nil
}

// Name returns identifier for logging.
func (s *S3Source) Name() string { return "s3" }

// IPFSSource fetches artifacts from ipfs://CID URLs through an IPFS node API.
type IPFSSource struct {
	shell *shell.Shell
	addr  string
	log   *slog.Logger
}

// NewIPFSSource creates an IPFS artifact source connected to the node API at
// apiAddr (host:port).
func NewIPFSSource(apiAddr string, log *slog.Logger) *IPFSSource {
	return &IPFSSource{
		shell: shell.NewShell(apiAddr),
		addr:  apiAddr,
		log:   log,
	}
}

// Fetch retrieves the content addressed by the ipfs:// URL.
func (s *IPFSSource) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ipfs URL %q: %w", rawURL, err)
	}
	path := "/ipfs/" + u.Host + u.Path

	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable", "addr", s.addr)
		return nil, fmt.Errorf("%w: ipfs node %s is not up", interfaces.ErrArtifactUnavailable, s.addr)
	}

	reader, err := s.shell.Cat(path)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrArtifactUnavailable, path)
		}
		return nil, fmt.Errorf("failed to fetch from IPFS: %w", err)
	}
	return reader, nil
}

// Name returns identifier for logging.
func (s *IPFSSource) Name() string { return "ipfs" }

// SourceConfig carries the backend settings for a SourceSet.
type SourceConfig struct {
	// S3Region selects the region for s3:// mirrors.
	S3Region string

	// S3Endpoint points s3:// mirrors at an S3-compatible service when set.
	S3Endpoint string

	// IPFSAddr is the host:port of the IPFS node API for ipfs:// mirrors.
	IPFSAddr string
}

// SourceSet selects an artifact source per mirror URL scheme and tries
// mirrors in declaration order.
type SourceSet struct {
	log  *slog.Logger
	http *HTTPSource
	file *FileSource
	s3   *S3Source
	ipfs *IPFSSource
}

// NewSourceSet creates the full set of artifact sources.
func NewSourceSet(cfg SourceConfig, log *slog.Logger) *SourceSet {
	return &SourceSet{
		log:  log,
		http: NewHTTPSource(log),
		file: NewFileSource(log),
		s3:   NewS3Source(cfg.S3Region, cfg.S3Endpoint, log),
		ipfs: NewIPFSSource(cfg.IPFSAddr, log),
	}
}

// SourceFor returns the source handling rawURL's scheme.
// Supports http://, https://, file://, s3://, ipfs://
func (s *SourceSet) SourceFor(rawURL string) (interfaces.ArtifactSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid artifact URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return s.http, nil
	case "file":
		return s.file, nil
	case "s3":
		return s.s3, nil
	case "ipfs":
		return s.ipfs, nil
	default:
		return nil, fmt.Errorf("unsupported artifact URL scheme %q in %q", u.Scheme, rawURL)
	}
}

// FetchAny opens a reader from the first mirror that serves the artifact,
// trying urls in order. It fails with interfaces.ErrArtifactUnavailable once
// every mirror has been tried.
func (s *SourceSet) FetchAny(ctx context.Context, urls []string) (io.ReadCloser, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no mirror URLs declared", interfaces.ErrArtifactUnavailable)
	}

	var failures []string
	for _, raw := range urls {
		src, err := s.SourceFor(raw)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}

		rc, err := src.Fetch(ctx, raw)
		if err != nil {
			s.log.Debug("mirror failed", "url", raw, "source", src.Name(), "err", err)
			failures = append(failures, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		return rc, nil
	}

	return nil, fmt.Errorf("%w: %s", interfaces.ErrArtifactUnavailable, strings.Join(failures, "; "))
}
