// Package api defines the xpan HTTP API client interface the core
// components consume (spec §6), its wire types, and a concrete
// implementation grounded on backend/xpan (xpan.go, fs.go, object.go,
// io.go, ratelimiter.go, api/types.go, api/errors.go).
package api

import (
	"time"

	"github.com/y-itao/baidupan/model"
)

// item is the wire shape of one file/directory entry, matching the
// provider's actual field names (backend/xpan/api/types.go's Item).
type item struct {
	FsID             uint64 `json:"fs_id"`
	Path             string `json:"path"`
	ServerFilename   string `json:"server_filename"`
	Size             uint64 `json:"size"`
	ServerModifyTime uint   `json:"server_mtime"`
	ServerCreateTime uint   `json:"server_ctime"`
	LocalModifyTime  uint   `json:"local_mtime"`
	LocalCreateTime  uint   `json:"local_ctime"`
	DirFlag          uint   `json:"isdir"`
	MD5              string `json:"md5"`
}

func (it item) isDir() bool { return it.DirFlag == 1 }

func (it item) toRemoteFile() model.RemoteFile {
	mt := it.LocalModifyTime
	if mt == 0 {
		mt = it.ServerModifyTime
	}
	return model.RemoteFile{
		FsID:  it.FsID,
		Path:  it.Path,
		Size:  int64(it.Size),
		MTime: time.Unix(int64(mt), 0),
		IsDir: it.isDir(),
		MD5:   it.MD5,
	}
}

// response is the common envelope every xpan endpoint returns.
type response struct {
	ErrorNumber int `json:"errno"`
	ErrorCode   int `json:"error_code"`
}

func (r response) code() int {
	if r.ErrorNumber != 0 {
		return r.ErrorNumber
	}
	return r.ErrorCode
}

type listFilesResponse struct {
	response
	List []item `json:"list"`
}

type rapidUploadResponse struct {
	response
	item
}

type precreateResponse struct {
	response
	UploadID      string `json:"uploadid"`
	BlockList     []int  `json:"block_list"` // indices the server still wants
	ReturnType    int    `json:"return_type"`
}

type uploadSliceResponse struct {
	response
	MD5 string `json:"md5"`
}

type createResponse struct {
	response
	item
}

type metaResponse struct {
	response
	List []item `json:"list"`
}

type dlinkEntry struct {
	Dlink string `json:"dlink"`
	Size  uint64 `json:"size"`
}

type dlinkResponse struct {
	response
	List []dlinkEntry `json:"list"`
}

// listRResponse is the recursive-listing response, matching
// backend/xpan/api/types.go's ListRFilesResponse (Cursor/HasMore
// pagination, distinct from the flat list endpoint's start/limit paging).
type listRResponse struct {
	response
	HasMore int    `json:"has_more"`
	Cursor  string `json:"cursor"`
	List    []item `json:"list"`
}
