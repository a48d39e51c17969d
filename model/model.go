// Package model holds the data types shared across the transfer and sync
// engine (spec §3): the File Digest, Upload/Download Sessions, Remote File,
// and Sync Plan Entry.
package model

import "time"

// FileDigest is the single-pass, multi-algorithm digest of a local file
// (spec §3, §4.B). SliceMD5 is the MD5 of the first slice-sized prefix,
// distinct from any per-chunk block MD5 computed during upload.
type FileDigest struct {
	MD5      [16]byte
	SliceMD5 [16]byte
	CRC32    uint32
	Size     uint64
}

// MD5Hex returns the whole-file MD5 as a lowercase hex string.
func (d FileDigest) MD5Hex() string { return hexEncode(d.MD5[:]) }

// SliceMD5Hex returns the slice MD5 as a lowercase hex string.
func (d FileDigest) SliceMD5Hex() string { return hexEncode(d.SliceMD5[:]) }

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// OverwriteMode controls what the uploader does when the destination
// already exists (spec §4.E).
type OverwriteMode int

const (
	// FailIfExists aborts the upload with a ConflictError.
	FailIfExists OverwriteMode = iota
	// Overwrite replaces the existing remote file.
	Overwrite
	// Rename appends a numeric suffix to avoid colliding with the existing file.
	Rename
	// Skip silently does nothing and reports the file as skipped.
	Skip
)

func (m OverwriteMode) String() string {
	switch m {
	case Overwrite:
		return "overwrite"
	case Rename:
		return "rename"
	case Skip:
		return "skip"
	default:
		return "fail"
	}
}

// RemoteFile describes a file or directory on the provider (spec §3).
type RemoteFile struct {
	FsID  uint64
	Path  string
	Size  int64
	MTime time.Time
	IsDir bool
	MD5   string
}

// UploadSession is the durable, resumable state of one chunked upload
// (spec §3, §4.C). BlockDigests is fixed once the session is created by a
// successful precreate and never changes length or content afterwards.
type UploadSession struct {
	UploadID        string
	RemotePath      string
	LocalPath       string
	ChunkSize       int64
	TotalChunks     int
	BlockDigests    []string // ordered per-chunk MD5 hex, len == TotalChunks
	CompletedChunks map[int]bool
	Digest          FileDigest
	CreatedAt       time.Time
}

// Tight reports whether the invariant
// |BlockDigests|*ChunkSize >= Size > (|BlockDigests|-1)*ChunkSize holds
// (spec §8 invariant 1).
func (s *UploadSession) Tight() bool {
	n := int64(len(s.BlockDigests))
	if n == 0 {
		return s.Digest.Size == 0
	}
	size := int64(s.Digest.Size)
	return n*s.ChunkSize >= size && size > (n-1)*s.ChunkSize
}

// RemainingChunks returns the indices in [0,TotalChunks) not yet in
// CompletedChunks, in ascending order.
func (s *UploadSession) RemainingChunks() []int {
	out := make([]int, 0, s.TotalChunks-len(s.CompletedChunks))
	for i := 0; i < s.TotalChunks; i++ {
		if !s.CompletedChunks[i] {
			out = append(out, i)
		}
	}
	return out
}

// DownloadSession is the durable, resumable state of one segmented download
// (spec §3, §4.C).
type DownloadSession struct {
	RemoteFsID        uint64
	RemotePath        string
	LocalPath         string
	TotalSize         int64
	SegmentSize       int64
	CompletedSegments map[int]bool
	TempPath          string
}

// SegmentCount returns the number of segments TotalSize splits into at
// SegmentSize.
func (s *DownloadSession) SegmentCount() int {
	if s.SegmentSize <= 0 {
		return 0
	}
	n := s.TotalSize / s.SegmentSize
	if s.TotalSize%s.SegmentSize != 0 {
		n++
	}
	return int(n)
}

// SegmentRange returns the byte range [start,end) segment i covers.
func (s *DownloadSession) SegmentRange(i int) (start, end int64) {
	start = int64(i) * s.SegmentSize
	end = start + s.SegmentSize
	if end > s.TotalSize {
		end = s.TotalSize
	}
	return
}

// PlanAction tags a Sync Plan Entry (spec §3).
type PlanAction int

const (
	// ActionUpload transfers a local file to the remote.
	ActionUpload PlanAction = iota
	// ActionDownload transfers a remote file to the local tree.
	ActionDownload
	// ActionDeleteLocal removes a local file not present remotely.
	ActionDeleteLocal
	// ActionDeleteRemote removes a remote file not present locally.
	ActionDeleteRemote
	// ActionSkip does nothing; Reason explains why.
	ActionSkip
)

func (a PlanAction) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteLocal:
		return "delete_local"
	case ActionDeleteRemote:
		return "delete_remote"
	default:
		return "skip"
	}
}

// PlanEntry is one action in a Sync Plan.
type PlanEntry struct {
	Action     PlanAction
	LocalPath  string
	RemotePath string
	IsDir      bool
	Reason     string
}

// Config is the configuration surface consumed from the enclosing CLI
// (spec §6). Parsing flags/env into this struct is out of scope here.
type Config struct {
	UploadChunkSize      int64
	DownloadSegmentSize  int64
	MaxUploadWorkers     int
	MaxDownloadWorkers   int
	MaxRetries           int
	SliceMD5Size         int64
	RapidUploadThreshold int64
	SmallFileThreshold   int64 // below this, download skips segmentation (spec §4.F)
	VerifyDownloadMD5    bool  // optional end-to-end integrity check, off by default
}

// DefaultConfig returns the defaults listed in spec §6.
func DefaultConfig() Config {
	return Config{
		UploadChunkSize:      4 << 20,
		DownloadSegmentSize:  4 << 20,
		MaxUploadWorkers:     8,
		MaxDownloadWorkers:   32,
		MaxRetries:           3,
		SliceMD5Size:         256 << 10,
		RapidUploadThreshold: 256 << 10,
		SmallFileThreshold:   1 << 20,
		VerifyDownloadMD5:    false,
	}
}
