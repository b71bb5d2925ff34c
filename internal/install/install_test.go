package install

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/danmuck/convergectl/internal/testutil/fakerun"
	"github.com/danmuck/convergectl/internal/testutil/testlog"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: e.typeflag, Linkname: e.linkname}
		switch e.typeflag {
		case 0:
			hdr.Typeflag = tar.TypeReg
		case tar.TypeDir:
			hdr.Mode = 0o755
			hdr.Size = 0
		case tar.TypeSymlink:
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type countingFetcher struct {
	inner Fetcher
	calls atomic.Int32
}

func (f *countingFetcher) Fetch(ctx context.Context, url string, dest string) error {
	f.calls.Add(1)
	return f.inner.Fetch(ctx, url, dest)
}

type countingExtractor struct {
	inner Extractor
	calls int
}

func (e *countingExtractor) Extract(archive string, dest string) error {
	e.calls++
	return e.inner.Extract(archive, dest)
}

func serve(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestInstaller(t *testing.T, fetcher Fetcher, extractor Extractor) *Installer {
	t.Helper()
	installer, err := NewInstaller(Config{
		CacheDir:   t.TempDir(),
		Attempts:   2,
		Timeout:    10 * time.Second,
		RetryDelay: time.Millisecond,
		Runner:     fakerun.New(),
		Fetcher:    fetcher,
		Extractor:  extractor,
	})
	if err != nil {
		t.Fatalf("new installer: %v", err)
	}
	return installer
}

func TestArchiveInstallRunsOnceThenMarkerSkips(t *testing.T) {
	testlog.Start(t)
	archive := buildTarGz(t, []tarEntry{
		{name: "zookeeper-3.4.6/", typeflag: tar.TypeDir},
		{name: "zookeeper-3.4.6/zookeeper-3.4.6.jar", body: "jar"},
		{name: "zookeeper-3.4.6/bin/zkServer.sh", body: "#!/bin/sh\n"},
	})
	srv := serve(t, archive)

	fetcher := &countingFetcher{inner: HTTPFetcher{Client: srv.Client()}}
	extractor := &countingExtractor{inner: TarExtractor{}}
	installer := newTestInstaller(t, fetcher, extractor)

	dest := t.TempDir()
	spec := Spec{
		ID:          "zookeeper",
		Method:      MethodArchive,
		URL:         srv.URL + "/zookeeper-3.4.6/zookeeper-3.4.6.tar.gz",
		Checksum:    sha(archive),
		Destination: dest,
		Marker:      filepath.Join(dest, "zookeeper-3.4.6", "zookeeper-3.4.6.jar"),
	}

	ok, err := installer.Installed(spec)
	if err != nil || ok {
		t.Fatalf("expected not installed: %v %v", ok, err)
	}

	updated, err := installer.Install(context.Background(), spec)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !updated {
		t.Fatalf("first install should report an update")
	}
	if _, err := os.Stat(filepath.Join(dest, "zookeeper-3.4.6", "bin", "zkServer.sh")); err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	if filepath.Base(installer.ArchivePath(spec)) != "zookeeper-3.4.6.tar.gz" {
		t.Fatalf("unexpected archive path: %s", installer.ArchivePath(spec))
	}

	updated, err = installer.Install(context.Background(), spec)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if updated {
		t.Fatalf("second install should be a no-op")
	}
	if fetcher.calls.Load() != 1 || extractor.calls != 1 {
		t.Fatalf("expected one fetch and one extract, got %d and %d", fetcher.calls.Load(), extractor.calls)
	}
	if ok, _ := installer.Installed(spec); !ok {
		t.Fatalf("expected installed after marker appeared")
	}
}

func TestChecksumMismatchIsFatalAndRemovesDownload(t *testing.T) {
	srv := serve(t, []byte("not the archive"))
	extractor := &countingExtractor{inner: TarExtractor{}}
	installer := newTestInstaller(t, HTTPFetcher{Client: srv.Client()}, extractor)

	dest := t.TempDir()
	spec := Spec{
		ID:          "kafka",
		URL:         srv.URL + "/kafka_2.11-0.8.2.1.tgz",
		Checksum:    sha([]byte("expected")),
		Destination: dest,
		Marker:      filepath.Join(dest, "kafka_2.11-0.8.2.1"),
	}
	_, err := installer.Install(context.Background(), spec)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if _, statErr := os.Stat(installer.ArchivePath(spec)); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected bad download removed, stat=%v", statErr)
	}
	if extractor.calls != 0 {
		t.Fatalf("extract must not run after a checksum mismatch")
	}
}

func TestCachedDownloadWithMatchingChecksumIsReused(t *testing.T) {
	body := []byte("storm archive")
	fetcher := &countingFetcher{inner: HTTPFetcher{}}
	installer := newTestInstaller(t, fetcher, TarExtractor{})

	dest := filepath.Join(installer.CacheDir(), "storm-0.8.2.tar.gz")
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	changed, err := installer.Download(context.Background(), "http://127.0.0.1:1/storm-0.8.2.tar.gz", sha(body), dest)
	if err != nil || changed {
		t.Fatalf("expected cached reuse, changed=%v err=%v", changed, err)
	}
	if fetcher.calls.Load() != 0 {
		t.Fatalf("expected no fetch, got %d", fetcher.calls.Load())
	}
}

// flaky answers with status for the first failures requests, then body.
func flaky(t *testing.T, failures int32, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDownloadRetriesServerErrorsUpToAttempts(t *testing.T) {
	testlog.Start(t)
	body := []byte("kafka tarball")
	srv, hits := flaky(t, 1, http.StatusInternalServerError, body)
	installer := newTestInstaller(t, HTTPFetcher{Client: srv.Client()}, TarExtractor{})
	dest := filepath.Join(installer.CacheDir(), "kafka.tgz")

	changed, err := installer.Download(context.Background(), srv.URL+"/kafka.tgz", sha(body), dest)
	if err != nil || !changed {
		t.Fatalf("download: changed=%v err=%v", changed, err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", hits.Load())
	}

	srv, hits = flaky(t, 2, http.StatusBadGateway, body)
	installer = newTestInstaller(t, HTTPFetcher{Client: srv.Client()}, TarExtractor{})
	dest = filepath.Join(installer.CacheDir(), "kafka.tgz")
	if _, err := installer.Download(context.Background(), srv.URL+"/kafka.tgz", "", dest); !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload once attempts run out, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected fetches to stop at 2 attempts, got %d", hits.Load())
	}
}

func TestDownloadNotFoundFailsWithoutRetry(t *testing.T) {
	testlog.Start(t)
	srv, hits := flaky(t, 100, http.StatusNotFound, nil)
	installer := newTestInstaller(t, HTTPFetcher{Client: srv.Client()}, TarExtractor{})
	dest := filepath.Join(installer.CacheDir(), "missing.tar.gz")
	if _, err := installer.Download(context.Background(), srv.URL+"/missing.tar.gz", "", dest); !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("a 4xx must not be retried, got %d fetches", hits.Load())
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no file left behind: %v", err)
	}

	single, err := NewInstaller(Config{CacheDir: t.TempDir(), Attempts: 1, Runner: fakerun.New()})
	if err != nil {
		t.Fatalf("new installer: %v", err)
	}
	dest = filepath.Join(single.CacheDir(), "missing.tar.gz")
	if _, err := single.Download(context.Background(), srv.URL+"/missing.tar.gz", "", dest); !errors.Is(err, ErrDownload) {
		t.Fatalf("single attempt should still report ErrDownload, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected one more fetch, got %d total", hits.Load())
	}
}

func TestChecksumAlgorithmDetection(t *testing.T) {
	data := []byte("payload")
	md5Sum := md5.Sum(data)
	md5Hex := hex.EncodeToString(md5Sum[:])

	if got := ChecksumAlgorithm(md5Hex); got != "md5" {
		t.Fatalf("expected md5, got %s", got)
	}
	if got := ChecksumAlgorithm(sha(data)); got != "sha256" {
		t.Fatalf("expected sha256, got %s", got)
	}
	if got := ChecksumAlgorithm("zz" + md5Hex[2:]); got != "sha256" {
		t.Fatalf("non-hex 32 chars should fall back to sha256, got %s", got)
	}

	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := VerifyChecksum(path, md5Hex); err != nil {
		t.Fatalf("md5 verify: %v", err)
	}
	if err := VerifyChecksum(path, sha(data)); err != nil {
		t.Fatalf("sha256 verify: %v", err)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	cases := map[string][]tarEntry{
		"dotdot":  {{name: "../evil.sh", body: "x"}},
		"symlink": {{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"}},
	}
	for name, entries := range cases {
		dir := t.TempDir()
		archive := filepath.Join(dir, "bad.tar.gz")
		if err := os.WriteFile(archive, buildTarGz(t, entries), 0o644); err != nil {
			t.Fatalf("write archive: %v", err)
		}
		dest := filepath.Join(dir, "out")
		if err := (TarExtractor{}).Extract(archive, dest); !errors.Is(err, ErrSandboxViolation) {
			t.Fatalf("%s: expected sandbox violation, got %v", name, err)
		}
	}
}

func TestExtractRejectsUnknownFormat(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "thing.zip")
	if err := os.WriteFile(archive, []byte("PK"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := (TarExtractor{}).Extract(archive, t.TempDir()); !errors.Is(err, ErrExtract) {
		t.Fatalf("expected extract error, got %v", err)
	}
}

func TestPackageInstallOnlyMissing(t *testing.T) {
	testlog.Start(t)
	runner := fakerun.New().
		On("dpkg -s unzip", fakerun.Result{ExitCode: 1, Err: errors.New("not installed")})

	installer, err := NewInstaller(Config{CacheDir: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new installer: %v", err)
	}
	spec := Spec{ID: "storm-deps", Method: MethodPackage, Packages: []string{"unzip", "python", " "}}

	updated, err := installer.Install(context.Background(), spec)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !updated {
		t.Fatalf("expected an update")
	}
	if runner.Count("apt-get install -y -q unzip") != 1 {
		t.Fatalf("expected unzip install, got %v", runner.Lines())
	}
	if runner.Count("apt-get install -y -q unzip python") != 0 {
		t.Fatalf("python is present and must not be reinstalled: %v", runner.Lines())
	}
}

func TestPackageInstallFallsBackToYum(t *testing.T) {
	runner := fakerun.New().
		On("apt-get --version", fakerun.Result{ExitCode: 127, Err: errors.New("not found")})
	installer, err := NewInstaller(Config{CacheDir: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new installer: %v", err)
	}
	ok, err := installer.Installed(Spec{ID: "deps", Method: MethodPackage, Packages: []string{"python"}})
	if err != nil || !ok {
		t.Fatalf("expected installed via rpm query: %v %v", ok, err)
	}
	if runner.Count("rpm -q python") != 1 {
		t.Fatalf("expected rpm query, got %v", runner.Lines())
	}
}

func TestPackageInstallWithoutManager(t *testing.T) {
	runner := fakerun.New().
		On("apt-get", fakerun.Result{ExitCode: 127, Err: errors.New("not found")}).
		On("yum", fakerun.Result{ExitCode: 127, Err: errors.New("not found")})
	installer, err := NewInstaller(Config{CacheDir: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new installer: %v", err)
	}
	_, err = installer.Install(context.Background(), Spec{ID: "deps", Method: MethodPackage, Packages: []string{"python"}})
	if !errors.Is(err, ErrNoPackageManager) {
		t.Fatalf("expected no package manager, got %v", err)
	}
}

func TestInstallRejectsInvalidSpecs(t *testing.T) {
	installer := newTestInstaller(t, nil, nil)
	ctx := context.Background()
	if _, err := installer.Install(ctx, Spec{}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected invalid spec for missing id, got %v", err)
	}
	if _, err := installer.Install(ctx, Spec{ID: "x", Method: "brew"}); !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected unsupported method, got %v", err)
	}
	if _, err := installer.Install(ctx, Spec{ID: "x", URL: "http://h/a.tgz"}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected invalid spec for missing marker, got %v", err)
	}
}
