package install

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/tools"
)

var (
	ErrInvalidSpec        = errors.New("install: invalid spec")
	ErrUnsupportedMethod  = errors.New("install: unsupported method")
	ErrChecksumMismatch   = errors.New("install: checksum mismatch")
	ErrDownload           = errors.New("install: download failed")
	ErrExtract            = errors.New("install: extract failed")
	ErrSandboxViolation   = errors.New("install: archive entry outside destination")
	ErrNoPackageManager   = errors.New("install: no supported package manager")
	ErrPackageInstallFail = errors.New("install: package install failed")
)

type Method string

const (
	MethodArchive Method = "archive"
	MethodPackage Method = "package"
)

// Spec describes one guarded install.
type Spec struct {
	ID     string
	Method Method
	// URL and Checksum locate and verify the archive.
	URL      string
	Checksum string
	// Archive is the cached download; defaults to <cache>/<basename of URL>.
	Archive     string
	Destination string
	// Marker is the path whose presence means the install already happened.
	Marker   string
	Owner    string
	Group    string
	Packages []string
}

type Config struct {
	CacheDir   string
	Attempts   int
	Timeout    time.Duration
	RetryDelay time.Duration
	Runner     tools.CommandRunner
	Fetcher    Fetcher
	Extractor  Extractor
}

// Installer runs guarded installs. It is not safe for concurrent use.
type Installer struct {
	cacheDir   string
	attempts   int
	timeout    time.Duration
	retryDelay time.Duration
	runner     tools.CommandRunner
	fetcher    Fetcher
	extractor  Extractor
	manager    *packageManager
}

func NewInstaller(cfg Config) (*Installer, error) {
	cacheDir := strings.TrimSpace(cfg.CacheDir)
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "convergectl-cache")
	}
	cacheAbs, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, err
	}

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = HTTPFetcher{}
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = TarExtractor{}
	}

	return &Installer{
		cacheDir:   cacheAbs,
		attempts:   attempts,
		timeout:    timeout,
		retryDelay: retryDelay,
		runner:     runner,
		fetcher:    fetcher,
		extractor:  extractor,
	}, nil
}

func (i *Installer) CacheDir() string {
	return i.cacheDir
}

// Install converges one spec and reports whether anything changed.
func (i *Installer) Install(ctx context.Context, spec Spec) (bool, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return false, fmt.Errorf("%w: missing id", ErrInvalidSpec)
	}
	switch Method(strings.ToLower(strings.TrimSpace(string(spec.Method)))) {
	case MethodArchive, "":
		return i.installArchive(ctx, spec)
	case MethodPackage:
		return i.installPackages(spec)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedMethod, spec.Method)
	}
}

// Installed reports whether Install would be a no-op.
func (i *Installer) Installed(spec Spec) (bool, error) {
	switch Method(strings.ToLower(strings.TrimSpace(string(spec.Method)))) {
	case MethodArchive, "":
		marker := strings.TrimSpace(spec.Marker)
		if marker == "" {
			return false, fmt.Errorf("%w: missing marker", ErrInvalidSpec)
		}
		return tools.Exists(marker), nil
	case MethodPackage:
		missing, err := i.missingPackages(spec.Packages)
		if err != nil {
			return false, err
		}
		return len(missing) == 0, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedMethod, spec.Method)
	}
}

// ArchivePath is where the download for spec is cached.
func (i *Installer) ArchivePath(spec Spec) string {
	if a := strings.TrimSpace(spec.Archive); a != "" {
		return a
	}
	name := path.Base(spec.URL)
	if u, err := url.Parse(spec.URL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}
	return filepath.Join(i.cacheDir, name)
}

func (i *Installer) installArchive(ctx context.Context, spec Spec) (bool, error) {
	marker := strings.TrimSpace(spec.Marker)
	dest := strings.TrimSpace(spec.Destination)
	if marker == "" || dest == "" {
		return false, fmt.Errorf("%w: archive install needs marker and destination", ErrInvalidSpec)
	}
	if tools.Exists(marker) {
		log.Debug().Str("install", spec.ID).Str("marker", marker).Msg("install marker present, skipping")
		return false, nil
	}

	archive := i.ArchivePath(spec)
	if _, err := i.Download(ctx, spec.URL, spec.Checksum, archive); err != nil {
		return false, fmt.Errorf("install %s: %w", spec.ID, err)
	}

	log.Info().Str("install", spec.ID).Str("archive", archive).Str("dest", dest).Msg("install extracting")
	if err := i.extractor.Extract(archive, dest); err != nil {
		return false, fmt.Errorf("install %s: %w", spec.ID, err)
	}

	own := tools.Ownership{User: spec.Owner, Group: spec.Group}
	if strings.TrimSpace(spec.Owner) != "" || strings.TrimSpace(spec.Group) != "" {
		if err := tools.ChownRecursive(dest, own); err != nil {
			return true, fmt.Errorf("install %s: chown: %w", spec.ID, err)
		}
	}
	return true, nil
}
