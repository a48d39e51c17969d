package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-itao/baidupan/api"
	"github.com/y-itao/baidupan/internal/hashcache"
	"github.com/y-itao/baidupan/internal/resume"
	"github.com/y-itao/baidupan/model"
	"github.com/y-itao/baidupan/progress"
)

// fakeClient is an in-memory api.Client good enough to drive the uploader
// through precreate/upload_slice/create without a real server, mirroring
// the fakes the teacher corpus tests its backends against.
type fakeClient struct {
	mu sync.Mutex

	rapidEligible   bool
	precreateCalls  int32
	sliceCalls      int32
	createCalls     int32
	neededOverride  []int
	failSliceOnce   map[int]bool
	expireUploadID  bool
	created         *api.CreateRequest
	nextFsID        uint64
	existingPaths   map[string]bool
}

func (f *fakeClient) RapidUpload(ctx context.Context, req api.RapidUploadRequest) (*model.RemoteFile, error) {
	if !f.rapidEligible {
		return nil, api.ErrNotEligible
	}
	f.nextFsID++
	return &model.RemoteFile{FsID: f.nextFsID, Path: req.RemotePath, Size: int64(req.Size), MD5: req.MD5}, nil
}

func (f *fakeClient) Precreate(ctx context.Context, req api.PrecreateRequest) (*api.PrecreateResult, error) {
	atomic.AddInt32(&f.precreateCalls, 1)
	needed := f.neededOverride
	if needed == nil {
		needed = make([]int, len(req.BlockMD5s))
		for i := range needed {
			needed[i] = i
		}
	}
	return &api.PrecreateResult{UploadID: "up-1", NeededIndices: needed}, nil
}

func (f *fakeClient) UploadSlice(ctx context.Context, req api.UploadSliceRequest) (string, error) {
	atomic.AddInt32(&f.sliceCalls, 1)
	f.mu.Lock()
	shouldFail := f.failSliceOnce != nil && f.failSliceOnce[req.Index]
	if shouldFail {
		delete(f.failSliceOnce, req.Index)
	}
	f.mu.Unlock()
	if shouldFail {
		return "", errors.New("simulated transient slice failure")
	}
	buf, err := io.ReadAll(req.Bytes)
	if err != nil {
		return "", err
	}
	_ = buf
	return "slicemd5", nil
}

func (f *fakeClient) Create(ctx context.Context, req api.CreateRequest) (*model.RemoteFile, error) {
	atomic.AddInt32(&f.createCalls, 1)
	if f.expireUploadID {
		f.expireUploadID = false
		return nil, api.ErrUploadIDExpired
	}
	f.created = &req
	f.nextFsID++
	return &model.RemoteFile{FsID: f.nextFsID, Path: req.RemotePath, Size: int64(req.Size)}, nil
}

func (f *fakeClient) Meta(ctx context.Context, remotePath string) (*model.RemoteFile, error) {
	if f.existingPaths[remotePath] {
		return &model.RemoteFile{Path: remotePath}, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeClient) List(ctx context.Context, dir string, recursive bool, page string) (*api.ListResult, error) {
	return &api.ListResult{}, nil
}

func (f *fakeClient) DLink(ctx context.Context, fsid uint64) (string, error) {
	return "", os.ErrNotExist
}

func newHarness(t *testing.T, client api.Client, cfg model.Config) (*Uploader, string) {
	t.Helper()
	dir := t.TempDir()
	hashes, err := hashcache.Open(filepath.Join(dir, "hashcache.json"))
	require.NoError(t, err)
	resumeStore, err := resume.Open(filepath.Join(dir, "resume"))
	require.NoError(t, err)
	return New(client, hashes, resumeStore, cfg, &progress.Counter{}), dir
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.UploadChunkSize = 16
	cfg.RapidUploadThreshold = 1 << 20 // high, so small test files never probe rapid-upload unless requested
	cfg.MaxUploadWorkers = 4
	return cfg
}

func TestUploadRapidUploadHitSendsNoSlices(t *testing.T) {
	cfg := testConfig()
	cfg.RapidUploadThreshold = 8 // below our test file size, so the probe fires
	client := &fakeClient{rapidEligible: true}
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "a.bin", 1024)

	rf, err := up.Upload(context.Background(), local, "/remote/a.bin", Options{})
	require.NoError(t, err)
	assert.NotZero(t, rf.FsID)
	assert.Zero(t, atomic.LoadInt32(&client.precreateCalls))
	assert.Zero(t, atomic.LoadInt32(&client.sliceCalls))
}

func TestUploadChunkedFallsBackWhenRapidUploadDeclines(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{rapidEligible: false}
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "b.bin", 40) // 3 chunks of 16 bytes (16,16,8)

	rf, err := up.Upload(context.Background(), local, "/remote/b.bin", Options{})
	require.NoError(t, err)
	assert.NotNil(t, rf)
	assert.EqualValues(t, 1, client.precreateCalls)
	assert.EqualValues(t, 3, client.sliceCalls)
	assert.EqualValues(t, 1, client.createCalls)
	require.NotNil(t, client.created)
	assert.Len(t, client.created.BlockMD5s, 3)
}

func TestUploadEmptyFileSendsZeroChunks(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{rapidEligible: false}
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "empty.bin", 0)

	rf, err := up.Upload(context.Background(), local, "/remote/empty.bin", Options{})
	require.NoError(t, err)
	assert.NotNil(t, rf)
	assert.Zero(t, client.sliceCalls)
	require.NotNil(t, client.created)
	assert.Empty(t, client.created.BlockMD5s)
}

func TestUploadHonorsServerNeededIndices(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{rapidEligible: false, neededOverride: []int{1}}
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "c.bin", 40) // 3 chunks total, server only wants index 1

	_, err := up.Upload(context.Background(), local, "/remote/c.bin", Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, client.sliceCalls)
}

func TestUploadRejectsOutOfRangeNeededIndex(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{rapidEligible: false, neededOverride: []int{99}}
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "d.bin", 40)

	_, err := up.Upload(context.Background(), local, "/remote/d.bin", Options{})
	require.Error(t, err)
}

func TestUploadResumesFromPersistedSession(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{rapidEligible: false}
	dir := t.TempDir()
	hashes, err := hashcache.Open(filepath.Join(dir, "hashcache.json"))
	require.NoError(t, err)
	resumeStore, err := resume.Open(filepath.Join(dir, "resume"))
	require.NoError(t, err)
	local := writeFile(t, dir, "e.bin", 48) // 3 chunks of 16 bytes

	up1 := New(client, hashes, resumeStore, cfg, &progress.Counter{})
	// Force every slice after the first to fail transiently so the
	// session is persisted mid-upload with only chunk 0 completed, then
	// the overall Upload call fails out.
	client.failSliceOnce = map[int]bool{1: true, 2: true}
	_, err = up1.Upload(context.Background(), local, "/remote/e.bin", Options{Workers: 1})
	require.Error(t, err)
	assert.EqualValues(t, 1, client.precreateCalls)

	// Restart with a fresh Uploader sharing the same resume store: only
	// the still-incomplete chunks should be re-uploaded, not chunk 0. The
	// first run stops at its first failed slice, so chunk 2 may never have
	// been tried; clear the injected failures so the restart sees a
	// healthy server.
	client.failSliceOnce = nil
	sliceCallsBeforeResume := client.sliceCalls
	up2 := New(client, hashes, resumeStore, cfg, &progress.Counter{})
	rf, err := up2.Upload(context.Background(), local, "/remote/e.bin", Options{Workers: 1})
	require.NoError(t, err)
	assert.NotNil(t, rf)
	// precreate must not run again: the persisted session is reused.
	assert.EqualValues(t, 1, client.precreateCalls)
	assert.Less(t, int(client.sliceCalls-sliceCallsBeforeResume), 3)
}

func TestUploadOverwritePolicySkipUploadsWhenRemoteMissing(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{rapidEligible: false}
	client.nextFsID = 5 // Meta returns os.ErrNotExist by default; Skip falls through to chunked path in that case
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "f.bin", 16)

	_, err := up.Upload(context.Background(), local, "/remote/f.bin", Options{Overwrite: model.Skip})
	require.NoError(t, err)
	assert.EqualValues(t, 1, client.precreateCalls) // Meta missed, so the chunked path still ran
}

func TestUploadRenamePicksFreeSuffixAndUploadsAsFailIfExists(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{
		rapidEligible: false,
		existingPaths: map[string]bool{"/remote/report.bin": true, "/remote/report (1).bin": true},
	}
	up, dir := newHarness(t, client, cfg)
	local := writeFile(t, dir, "report.bin", 16)

	rf, err := up.Upload(context.Background(), local, "/remote/report.bin", Options{Overwrite: model.Rename})
	require.NoError(t, err)
	require.NotNil(t, rf)
	require.NotNil(t, client.created)
	assert.Equal(t, "/remote/report (2).bin", client.created.RemotePath)
}
