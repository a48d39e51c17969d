package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-itao/baidupan/api"
	"github.com/y-itao/baidupan/internal/resume"
	"github.com/y-itao/baidupan/model"
	"github.com/y-itao/baidupan/progress"
	"github.com/y-itao/baidupan/xpanerr"
)

// fakeClient serves Meta/DLink against an in-memory file and routes the
// actual bytes through an httptest.Server so ranged GETs exercise the
// real HTTP path.
type fakeClient struct {
	content     []byte
	md5hex      string
	server      *httptest.Server
	dlinkCalls  int32
	failOnce403 map[int]bool // worker slot -> fail its first dlink use once
	servedSlot  map[string]int
}

func newFakeClient(t *testing.T, content []byte) *fakeClient {
	t.Helper()
	sum := md5.Sum(content)
	f := &fakeClient{content: content, md5hex: hex.EncodeToString(sum[:]), servedSlot: map[string]int{}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot, _ := strconv.Atoi(r.URL.Query().Get("slot"))
		if f.failOnce403 != nil && f.failOnce403[slot] {
			delete(f.failOnce403, slot)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(f.content)
			return
		}
		var start, end int
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		if end >= len(f.content) {
			end = len(f.content) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(f.content[start : end+1])
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeClient) RapidUpload(ctx context.Context, req api.RapidUploadRequest) (*model.RemoteFile, error) {
	return nil, api.ErrNotEligible
}
func (f *fakeClient) Precreate(ctx context.Context, req api.PrecreateRequest) (*api.PrecreateResult, error) {
	return nil, nil
}
func (f *fakeClient) UploadSlice(ctx context.Context, req api.UploadSliceRequest) (string, error) {
	return "", nil
}
func (f *fakeClient) Create(ctx context.Context, req api.CreateRequest) (*model.RemoteFile, error) {
	return nil, nil
}

func (f *fakeClient) Meta(ctx context.Context, remotePath string) (*model.RemoteFile, error) {
	return &model.RemoteFile{FsID: 1, Path: remotePath, Size: int64(len(f.content)), MD5: f.md5hex}, nil
}

func (f *fakeClient) List(ctx context.Context, dir string, recursive bool, page string) (*api.ListResult, error) {
	return &api.ListResult{}, nil
}

func (f *fakeClient) DLink(ctx context.Context, fsid uint64) (string, error) {
	slot := atomic.AddInt32(&f.dlinkCalls, 1) - 1
	return fmt.Sprintf("%s/?slot=%d", f.server.URL, slot), nil
}

func newHarness(t *testing.T, client api.Client, cfg model.Config) (*Downloader, string) {
	t.Helper()
	dir := t.TempDir()
	resumeStore, err := resume.Open(filepath.Join(dir, "resume"))
	require.NoError(t, err)
	return New(client, http.DefaultClient, resumeStore, cfg, &progress.Counter{}), dir
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.DownloadSegmentSize = 16
	cfg.MaxDownloadWorkers = 4
	cfg.SmallFileThreshold = 32
	return cfg
}

func TestDownloadSmallFileSingleGet(t *testing.T) {
	content := []byte("hello, small file!")
	client := newFakeClient(t, content)
	cfg := testConfig()
	dl, dir := newHarness(t, client, cfg)

	dest := filepath.Join(dir, "out.bin")
	err := dl.Download(context.Background(), "/remote/out.bin", dest, Options{})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadSegmentedAssemblesAllBytesInOrder(t *testing.T) {
	content := make([]byte, 200)
	for i := range content {
		content[i] = byte(i)
	}
	client := newFakeClient(t, content)
	cfg := testConfig()
	dl, dir := newHarness(t, client, cfg)

	dest := filepath.Join(dir, "out.bin")
	err := dl.Download(context.Background(), "/remote/out.bin", dest, Options{})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	_, statErr := os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr), "temp file should be renamed away")
}

func TestDownloadRefreshesLinkOn403(t *testing.T) {
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	client := newFakeClient(t, content)
	client.failOnce403 = map[int]bool{1: true} // worker slot 1's first GET gets a 403
	cfg := testConfig()
	cfg.MaxDownloadWorkers = 4
	dl, dir := newHarness(t, client, cfg)

	dest := filepath.Join(dir, "out.bin")
	err := dl.Download(context.Background(), "/remote/out.bin", dest, Options{Workers: 4})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Greater(t, int(client.dlinkCalls), 4) // at least one refresh beyond the initial 4 links
}

func TestDownloadVerifiesLengthMismatch(t *testing.T) {
	content := []byte("short content body")
	client := newFakeClient(t, content)
	cfg := testConfig()

	// Corrupt the reported size so the post-transfer length check fails
	// after a small-file GET (spec §4.F step 7: "Length check is mandatory").
	badClient := &sizeLyingClient{fakeClient: client, extra: 5}
	dl, dir := newHarness(t, badClient, cfg)
	dest := filepath.Join(dir, "out.bin")

	err := dl.Download(context.Background(), "/remote/out.bin", dest, Options{})
	require.Error(t, err)
}

type sizeLyingClient struct {
	*fakeClient
	extra int64
}

func (s *sizeLyingClient) Meta(ctx context.Context, remotePath string) (*model.RemoteFile, error) {
	rf, err := s.fakeClient.Meta(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	rf.Size += s.extra
	return rf, nil
}

func TestDownloadOptionalMD5Verification(t *testing.T) {
	content := []byte("verify me please, this is long enough to matter")
	client := newFakeClient(t, content)
	cfg := testConfig()
	dl, dir := newHarness(t, client, cfg)
	dest := filepath.Join(dir, "out.bin")

	err := dl.Download(context.Background(), "/remote/out.bin", dest, Options{VerifyMD5: true})
	require.NoError(t, err)

	_, err = os.ReadFile(dest)
	require.NoError(t, err)
}

func TestDownloadMD5MismatchIsIntegrityError(t *testing.T) {
	content := []byte("some bytes that will not match the claimed md5!!")
	client := newFakeClient(t, content)
	client.md5hex = strings.Repeat("0", 32)
	cfg := testConfig()
	dl, dir := newHarness(t, client, cfg)
	dest := filepath.Join(dir, "out.bin")

	err := dl.Download(context.Background(), "/remote/out.bin", dest, Options{VerifyMD5: true})
	require.Error(t, err)
	assert.Equal(t, xpanerr.KindIntegrity, xpanerr.KindOf(err))
}
