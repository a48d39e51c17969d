// Package downloader implements Component F: metadata fetch, multi-link
// acquisition, segmented ranged GET with resume, and final assembly,
// grounded on backend/xpan/object.go's Open() (dlink acquisition before a
// GET) and on the general positional-write pattern from
// backend/local/local.go (os.Rename as the atomic commit of a finished
// write). The "N independent dlinks to dodge per-connection throttling"
// design is this system's own (xpan's teacher Open() only ever acquires
// one link per object), so the round-robin link assignment below is new
// code built to the spec rather than adapted from a surviving call site.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/y-itao/baidupan/api"
	"github.com/y-itao/baidupan/corelog"
	"github.com/y-itao/baidupan/internal/hasher"
	"github.com/y-itao/baidupan/internal/resume"
	"github.com/y-itao/baidupan/internal/retry"
	"github.com/y-itao/baidupan/internal/workerpool"
	"github.com/y-itao/baidupan/model"
	"github.com/y-itao/baidupan/progress"
	"github.com/y-itao/baidupan/xpanerr"
)

const smallFileThresholdDefault = 1 << 20 // 1 MiB, spec §4.F step 2

// Options configures one download call (spec §4.F's {segment_size, workers}).
type Options struct {
	SegmentSize int64
	Workers     int
	VerifyMD5   bool
}

// Downloader drives the multi-link segmented download algorithm.
type Downloader struct {
	client     api.Client
	httpClient *http.Client
	resume     *resume.Store
	cfg        model.Config
	sink       progress.Sink
	pacer      *retry.Pacer
}

// New builds a Downloader. Ranged GETs run under their own retry.Pacer,
// separate from the one api.Client uses internally for control calls,
// since each segment's transient-error budget is independent (spec §4.H:
// "Applied to all API calls and to each slice/segment transfer
// independently").
func New(client api.Client, httpClient *http.Client, resumeStore *resume.Store, cfg model.Config, sink progress.Sink) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Downloader{
		client:     client,
		httpClient: httpClient,
		resume:     resumeStore,
		cfg:        cfg,
		sink:       sink,
		pacer:      retry.New(retry.RetriesOption(cfg.MaxRetries)),
	}
}

// Download runs the full algorithm in spec §4.F.
func (d *Downloader) Download(ctx context.Context, remotePath, localPath string, opts Options) error {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = d.cfg.DownloadSegmentSize
	}
	if opts.Workers <= 0 {
		opts.Workers = d.cfg.MaxDownloadWorkers
	}
	opts.VerifyMD5 = opts.VerifyMD5 || d.cfg.VerifyDownloadMD5

	// transferID tags this call's log lines for correlation, the same
	// convention the uploader uses, so concurrent downloads to related
	// paths (e.g. a sync batch re-pulling a renamed file) stay distinguishable.
	transferID := uuid.NewString()

	meta, err := d.client.Meta(ctx, remotePath)
	if err != nil {
		corelog.Debugf(remotePath, "download %s meta failed: %v", transferID, err)
		return xpanerr.New(xpanerr.KindProtocol, "download.meta", remotePath, err)
	}
	d.sink.SetTotal(meta.Size)
	corelog.Debugf(remotePath, "download %s starting, %s", transferID, corelog.Bytes(meta.Size))

	smallThreshold := d.cfg.SmallFileThreshold
	if smallThreshold <= 0 {
		smallThreshold = smallFileThresholdDefault
	}
	if meta.Size < smallThreshold {
		err = d.downloadSmall(ctx, meta, localPath, opts)
	} else {
		err = d.downloadSegmented(ctx, meta, localPath, opts)
	}
	if err != nil {
		corelog.Debugf(remotePath, "download %s failed: %v", transferID, err)
		return err
	}
	corelog.Debugf(remotePath, "download %s done", transferID)
	return nil
}

func (d *Downloader) downloadSmall(ctx context.Context, meta *model.RemoteFile, localPath string, opts Options) error {
	link, err := d.client.DLink(ctx, meta.FsID)
	if err != nil {
		return xpanerr.New(xpanerr.KindProtocol, "download.dlink", meta.Path, err)
	}
	tmpPath := localPath + ".part"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.create_temp", localPath, err)
	}
	defer tmp.Close()

	resp, err := d.get(ctx, link, "")
	if err != nil {
		return xpanerr.New(xpanerr.KindTransient, "download.get", meta.Path, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return xpanerr.New(xpanerr.KindTransient, "download.copy", meta.Path, err)
	}
	d.sink.Add(n)
	if n != meta.Size {
		return xpanerr.New(xpanerr.KindProtocol, "download.size_check", meta.Path, fmt.Errorf("got %d bytes, expected %d", n, meta.Size))
	}
	if err := tmp.Sync(); err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.sync", localPath, err)
	}
	if opts.VerifyMD5 && meta.MD5 != "" {
		if err := d.verifyMD5(tmp, meta.MD5); err != nil {
			return xpanerr.New(xpanerr.KindIntegrity, "download.verify_md5", localPath, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.close", localPath, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.rename", localPath, err)
	}
	return nil
}

// linkPool hands out one of N acquired dlinks round-robin per worker slot,
// refreshing a link in place when the server reports it's expired (403).
type linkPool struct {
	mu      sync.Mutex
	client  api.Client
	fsid    uint64
	links   []string
}

func newLinkPool(ctx context.Context, client api.Client, fsid uint64, n int) (*linkPool, error) {
	if n < 1 {
		n = 1
	}
	links := make([]string, n)
	for i := 0; i < n; i++ {
		link, err := client.DLink(ctx, fsid)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			links[i] = links[i-1]
			continue
		}
		links[i] = link
	}
	return &linkPool{client: client, fsid: fsid, links: links}, nil
}

func (p *linkPool) get(slot int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[slot%len(p.links)]
}

func (p *linkPool) refresh(ctx context.Context, slot int) (string, error) {
	link, err := p.client.DLink(ctx, p.fsid)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.links[slot%len(p.links)] = link
	p.mu.Unlock()
	return link, nil
}

func (d *Downloader) downloadSegmented(ctx context.Context, meta *model.RemoteFile, localPath string, opts Options) error {
	key := resume.DownloadKey(meta.FsID, localPath)
	tmpPath := localPath + ".part"

	sess, err := d.resume.LoadDownload(key)
	if err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.resume_load", localPath, err)
	}
	if sess != nil && (sess.RemoteFsID != meta.FsID || sess.TotalSize != meta.Size) {
		corelog.Debugf(localPath, "download session stale, discarding")
		_ = os.Truncate(tmpPath, 0)
		sess = nil
	}
	if sess == nil {
		sess = &model.DownloadSession{
			RemoteFsID:        meta.FsID,
			RemotePath:        meta.Path,
			LocalPath:         localPath,
			TotalSize:         meta.Size,
			SegmentSize:       opts.SegmentSize,
			CompletedSegments: map[int]bool{},
			TempPath:          tmpPath,
		}
	}

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.create_temp", localPath, err)
	}
	defer tmp.Close()
	if err := tmp.Truncate(meta.Size); err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.truncate", localPath, err)
	}

	pool, err := newLinkPool(ctx, d.client, meta.FsID, opts.Workers)
	if err != nil {
		return xpanerr.New(xpanerr.KindProtocol, "download.dlink", meta.Path, err)
	}

	segCount := sess.SegmentCount()
	var pending []int
	for i := 0; i < segCount; i++ {
		if !sess.CompletedSegments[i] {
			pending = append(pending, i)
		}
	}

	var mu sync.Mutex
	var sinceFlush int
	const flushBatch = 16

	tasks := make([]workerpool.Task, len(pending))
	for t, segIndex := range pending {
		segIndex := segIndex
		tasks[t] = func(ctx context.Context, taskIdx int) (interface{}, error) {
			slot := taskIdx % maxInt(opts.Workers, 1)
			start, end := sess.SegmentRange(segIndex)
			n, err := d.fetchSegment(ctx, pool, slot, tmp, start, end)
			if err != nil {
				return nil, xpanerr.New(xpanerr.KindTransient, "download.segment", meta.Path, err)
			}
			d.sink.Add(n)
			mu.Lock()
			sess.CompletedSegments[segIndex] = true
			sinceFlush++
			shouldFlush := sinceFlush >= flushBatch
			if shouldFlush {
				sinceFlush = 0
			}
			mu.Unlock()
			if shouldFlush {
				_ = d.resume.SaveDownload(key, sess)
			}
			return segIndex, nil
		}
	}

	_, runErr := workerpool.Run(ctx, opts.Workers, tasks)
	_ = d.resume.SaveDownload(key, sess) // always flush on completion or cancellation
	if runErr != nil {
		return runErr
	}

	if err := tmp.Sync(); err != nil {
		corelog.Warnf(localPath, "best-effort fsync failed: %v", err)
	}
	fi, err := tmp.Stat()
	if err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.stat", localPath, err)
	}
	if fi.Size() != meta.Size {
		return xpanerr.New(xpanerr.KindProtocol, "download.size_check", localPath, fmt.Errorf("assembled %d bytes, expected %d", fi.Size(), meta.Size))
	}
	if opts.VerifyMD5 && meta.MD5 != "" {
		if err := d.verifyMD5(tmp, meta.MD5); err != nil {
			return xpanerr.New(xpanerr.KindIntegrity, "download.verify_md5", localPath, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.close", localPath, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return xpanerr.New(xpanerr.KindLocalIO, "download.rename", localPath, err)
	}
	_ = d.resume.Clear(key)
	return nil
}

// verifyMD5 runs the optional end-to-end integrity check (spec §4.F:
// "OPTIONAL (configurable), off by default because the provider's MD5 is
// non-standard in some cases").
func (d *Downloader) verifyMD5(tmp *os.File, want string) error {
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	digest, err := hasher.Digest(tmp, 0)
	if err != nil {
		return err
	}
	if !strings.EqualFold(digest.MD5Hex(), want) {
		return fmt.Errorf("md5 mismatch: got %s, want %s", digest.MD5Hex(), want)
	}
	return nil
}

// fetchSegment runs one ranged GET under the downloader's retry.Pacer:
// transient failures (5xx, reset, timeout) are retried with backoff; a
// 403/410 triggers a one-time link refresh before falling through to the
// pacer's normal retry. Partial bytes from a failed attempt are discarded
// rather than resumed mid-segment (spec §4.H).
func (d *Downloader) fetchSegment(ctx context.Context, pool *linkPool, slot int, tmp *os.File, start, end int64) (int64, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end-1)
	var n int64
	err := d.pacer.Call(ctx, func() (bool, error) {
		link := pool.get(slot)
		resp, err := d.get(ctx, link, rangeHeader)
		if err != nil {
			return true, err
		}
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			if _, rerr := pool.refresh(ctx, slot); rerr != nil {
				return false, rerr
			}
			return true, fmt.Errorf("download link expired for segment [%d,%d)", start, end)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			kind := retry.Classify(resp.StatusCode, 0, nil)
			return retry.Retryable(kind), fmt.Errorf("HTTP %d for segment [%d,%d)", resp.StatusCode, start, end)
		}
		defer resp.Body.Close()
		written, cerr := io.Copy(io.NewOffsetWriter(tmp, start), resp.Body)
		if cerr != nil {
			return true, cerr
		}
		n = written
		return false, nil
	})
	return n, err
}

func (d *Downloader) get(ctx context.Context, url, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return d.httpClient.Do(req)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
