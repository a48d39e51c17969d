package api

import (
	"context"
	"io"

	"github.com/y-itao/baidupan/model"
)

// RapidUploadRequest is the content-addressed probe payload (spec §4.E step 2).
type RapidUploadRequest struct {
	RemotePath string
	Size       uint64
	MD5        string
	SliceMD5   string
	CRC32      uint32
	Overwrite  model.OverwriteMode
}

// PrecreateRequest declares the intended upload's shape (spec §4.E step 4).
type PrecreateRequest struct {
	RemotePath string
	Size       uint64
	BlockMD5s  []string
	Overwrite  model.OverwriteMode
}

// PrecreateResult is what the server hands back: an opaque upload id and
// the chunk indices it still needs.
type PrecreateResult struct {
	UploadID      string
	NeededIndices []int
}

// UploadSliceRequest uploads one chunk under an established upload id
// (spec §4.E step 5).
type UploadSliceRequest struct {
	UploadID   string
	RemotePath string
	Index      int
	Bytes      io.Reader
	Size       int64
}

// CreateRequest commits an upload session (spec §4.E step 6).
type CreateRequest struct {
	UploadID   string
	RemotePath string
	Size       uint64
	BlockMD5s  []string
	Overwrite  model.OverwriteMode
}

// ListResult is one page of a directory listing.
type ListResult struct {
	Entries  []model.RemoteFile
	NextPage string
}

// Client is the xpan API surface the core consumes (spec §6). Argument
// parsing, the OAuth2 dance, and token persistence live outside this
// interface; implementations receive a token.Provider instead.
type Client interface {
	// RapidUpload probes for a content-addressed, zero-byte upload. It
	// returns ErrNotEligible (wrapped) when the server has no match or the
	// file is below the rapid-upload threshold — callers fall through to
	// the chunked upload path, not a failure.
	RapidUpload(ctx context.Context, req RapidUploadRequest) (*model.RemoteFile, error)

	// Precreate declares the ordered per-chunk MD5 list and receives an
	// upload id plus the indices still needed.
	Precreate(ctx context.Context, req PrecreateRequest) (*PrecreateResult, error)

	// UploadSlice uploads one chunk's bytes under an established upload id
	// and returns the server's own MD5 of what it received.
	UploadSlice(ctx context.Context, req UploadSliceRequest) (sliceMD5 string, err error)

	// Create finalizes an upload session into a Remote File.
	Create(ctx context.Context, req CreateRequest) (*model.RemoteFile, error)

	// Meta fetches metadata for one remote path.
	Meta(ctx context.Context, remotePath string) (*model.RemoteFile, error)

	// List returns one page of a directory listing, recursive or not.
	List(ctx context.Context, dir string, recursive bool, page string) (*ListResult, error)

	// DLink acquires a short-lived signed download URL for fsid.
	DLink(ctx context.Context, fsid uint64) (string, error)
}
