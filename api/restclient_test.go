package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-itao/baidupan/model"
	"github.com/y-itao/baidupan/token"
)

func TestErrFromCode(t *testing.T) {
	cases := []struct {
		errno int
		want  error
	}{
		{0, nil},
		{110, ErrAuthenticationFailed},
		{111, ErrAuthenticationFailed},
		{-6, ErrAuthenticationFailed},
		{31034, ErrTryAgainLater},
		{-8, ErrUploadIDExpired},
		{31061, os.ErrExist},
		{-3, os.ErrNotExist},
		{31066, os.ErrNotExist},
	}
	for _, c := range cases {
		got := errFromCode(c.errno)
		if c.want == nil {
			assert.NoError(t, got)
			continue
		}
		assert.ErrorIs(t, got, c.want)
	}
}

func TestErrFromCodeUnknownWrapsTheRawNumber(t *testing.T) {
	err := errFromCode(99999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "99999")
}

func TestOverwriteRtypeAndOndup(t *testing.T) {
	assert.Equal(t, "3", overwriteRtype(model.Overwrite))
	assert.Equal(t, "0", overwriteRtype(model.FailIfExists))
	assert.Equal(t, "0", overwriteRtype(model.Skip))

	assert.Equal(t, "overwrite", overwriteOndup(model.Overwrite))
	assert.Equal(t, "fail", overwriteOndup(model.FailIfExists))
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/a/b", parentDir("/a/b/c.txt"))
	assert.Equal(t, "/", parentDir("/c.txt"))
	assert.Equal(t, "/", parentDir(""))
}

// fakeServer drives a RESTClient against a scripted sequence of xpan-shaped
// JSON responses, grounded on the same httptest pattern the downloader and
// syncengine fakes use.
func fakeServer(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewRESTClient(srv.Client(), token.Static("tok"), 600, 3)
	// Redirect the client's default root (xpanRootURL) at the test server;
	// RapidUpload/Precreate/Create/List/DLink all go through it. Only
	// upload_slice uses pcsRootURL, which is not redirected and which the
	// tests below don't exercise.
	c.http = c.http.SetRoot(srv.URL)
	return c
}

func TestRapidUploadEligibleReturnsRemoteFile(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rapidupload", r.URL.Query().Get("method"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errno": 0, "fs_id": 42, "path": "/apps/demo/a.bin", "size": 10, "md5": "abc",
		})
	})

	rf, err := c.RapidUpload(context.Background(), RapidUploadRequest{
		RemotePath: "/apps/demo/a.bin", Size: 10, MD5: "abc", SliceMD5: "def",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, rf.FsID)
	assert.Equal(t, "/apps/demo/a.bin", rf.Path)
}

func TestRapidUploadNotEligiblePropagatesSentinel(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"errno": 31079})
	})

	_, err := c.RapidUpload(context.Background(), RapidUploadRequest{RemotePath: "/x", Size: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestPrecreateReturnsNeededIndices(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errno": 0, "uploadid": "up-1", "block_list": []int{1, 2},
		})
	})

	res, err := c.Precreate(context.Background(), PrecreateRequest{
		RemotePath: "/x", Size: 100, BlockMD5s: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "up-1", res.UploadID)
	assert.Equal(t, []int{1, 2}, res.NeededIndices)
}

func TestPrecreateNoUploadIDIsProtocolError(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"errno": 0})
	})

	_, err := c.Precreate(context.Background(), PrecreateRequest{RemotePath: "/x", Size: 1, BlockMD5s: []string{"a"}})
	require.Error(t, err)
}

func TestListRecursiveExhaustsCursorPagination(t *testing.T) {
	calls := 0
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"errno": 0, "has_more": 1, "cursor": "page2",
				"list": []map[string]interface{}{{"fs_id": 1, "path": "/a"}},
			})
			return
		}
		assert.Equal(t, "page2", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errno": 0, "has_more": 0,
			"list": []map[string]interface{}{{"fs_id": 2, "path": "/b"}},
		})
	})

	page1, err := c.List(context.Background(), "/", true, "")
	require.NoError(t, err)
	assert.Equal(t, "page2", page1.NextPage)
	assert.Len(t, page1.Entries, 1)

	page2, err := c.List(context.Background(), "/", true, page1.NextPage)
	require.NoError(t, err)
	assert.Empty(t, page2.NextPage)
	assert.Len(t, page2.Entries, 1)
	assert.Equal(t, 2, calls)
}

func TestMetaFindsEntryByPath(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errno": 0,
			"list": []map[string]interface{}{
				{"fs_id": 1, "path": "/a/x.txt", "size": 5},
				{"fs_id": 2, "path": "/a/y.txt", "size": 9},
			},
		})
	})

	rf, err := c.Meta(context.Background(), "/a/y.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rf.FsID)
}

func TestMetaNotFoundReturnsOSErrNotExist(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"errno": 0, "list": []map[string]interface{}{}})
	})

	_, err := c.Meta(context.Background(), "/a/missing.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDLinkReturnsSignedURL(t *testing.T) {
	c := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "[1]", r.URL.Query().Get("fsids"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errno": 0, "list": []map[string]interface{}{{"dlink": "https://example.com/signed"}},
		})
	})

	link, err := c.DLink(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/signed", link)
}
