package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/y-itao/baidupan/corelog"
	"github.com/y-itao/baidupan/internal/resthttp"
	"github.com/y-itao/baidupan/internal/retry"
	"github.com/y-itao/baidupan/model"
	"github.com/y-itao/baidupan/token"
	"github.com/y-itao/baidupan/xpanerr"
)

const (
	xpanRootURL     = "https://pan.baidu.com"
	pcsRootURL      = "https://d.pcs.baidu.com"
	listPageLimit   = 1000
	pacerMinSleep   = 10 * time.Millisecond
	pacerMaxSleep   = 2 * time.Second
	pacerDecay      = 2
)

// RESTClient is the concrete Client implementation talking to the real
// provider, grounded on backend/xpan/xpan.go (endpoint paths, param
// construction), backend/xpan/fs.go (precreate/upload-slice/create
// sequencing), backend/xpan/object.go (dlink acquisition), and
// backend/xpan/ratelimiter.go (the rate.Limiter-wrapped call path and its
// errorHandler).
type RESTClient struct {
	http    *resthttp.Client
	tokens  token.Provider
	pacer   *retry.Pacer
	limiter *rate.Limiter
}

// NewRESTClient builds a RESTClient. queryPerMinute matches the
// query_per_minute option on backend/xpan's Options.
func NewRESTClient(httpClient *http.Client, tokens token.Provider, queryPerMinute int, maxRetries int) *RESTClient {
	c := resthttp.NewClient(httpClient).SetRoot(xpanRootURL)
	c.SetErrorHandler(func(resp *http.Response) error {
		body, _ := resthttp.ReadBody(resp)
		var r response
		if err := json.Unmarshal(body, &r); err == nil && r.code() != 0 {
			return errFromCode(r.code())
		}
		return fmt.Errorf("HTTP error %v (%v) returned body: %q", resp.StatusCode, resp.Status, body)
	})
	return &RESTClient{
		http:   c,
		tokens: tokens,
		pacer: retry.New(
			retry.RetriesOption(maxRetries),
			retry.CalculatorOption(retry.NewDefault(
				retry.MinSleep(pacerMinSleep),
				retry.MaxSleep(pacerMaxSleep),
				retry.DecayConstant(pacerDecay),
			)),
		),
		limiter: rate.NewLimiter(rate.Limit(float64(queryPerMinute)/60.0), 16),
	}
}

// params builds the access_token + method query values for one call,
// refreshing the token on a prior auth failure when forceRefresh is set.
func (c *RESTClient) params(ctx context.Context, method string, forceRefresh bool) (url.Values, error) {
	var tok string
	var err error
	if forceRefresh {
		tok, err = c.tokens.Refresh(ctx)
	} else {
		tok, err = c.tokens.CurrentToken(ctx)
	}
	if err != nil {
		return nil, xpanerr.New(xpanerr.KindAuth, method, "", err)
	}
	v := url.Values{}
	v.Set("method", method)
	v.Set("access_token", tok)
	return v, nil
}

// call runs opts through the rate limiter and retry pacer, classifying
// errors and performing the single refresh-and-retry auth dance described
// in spec §4.H.
func (c *RESTClient) call(ctx context.Context, op string, opts *resthttp.Opts, request, response interface{}, refreshAndRebuild func(ctx context.Context) error) error {
	authRetried := false
	return c.pacer.Call(ctx, func() (bool, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
		corelog.Debugf(op, "call %s", opts.Path)
		resp, err := c.http.CallJSON(ctx, opts, request, response)
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		errno := extractErrno(response)
		kind := retry.Classify(statusCode, errno, err)
		if err == nil && (kind == xpanerr.KindAuth || kind == xpanerr.KindTransient) {
			// An errno-only failure on a 2xx response still has to reach the
			// pacer as an error, or it would stop instead of retrying.
			err = errFromCode(errno)
		}
		switch kind {
		case xpanerr.KindAuth:
			if authRetried || refreshAndRebuild == nil {
				return false, xpanerr.New(xpanerr.KindAuth, op, opts.Path, err)
			}
			authRetried = true
			if rerr := refreshAndRebuild(ctx); rerr != nil {
				return false, xpanerr.New(xpanerr.KindAuth, op, opts.Path, rerr)
			}
			return true, err
		case xpanerr.KindTransient:
			return true, err
		default:
			if err != nil {
				return false, err
			}
			return false, nil
		}
	})
}

// extractErrno pulls the errno out of any of our response envelope types
// via a type switch, since response is passed as interface{} to CallJSON.
func extractErrno(response interface{}) int {
	switch r := response.(type) {
	case *listFilesResponse:
		return r.code()
	case *rapidUploadResponse:
		return r.code()
	case *precreateResponse:
		return r.code()
	case *uploadSliceResponse:
		return r.code()
	case *createResponse:
		return r.code()
	case *metaResponse:
		return r.code()
	case *dlinkResponse:
		return r.code()
	case *listRResponse:
		return r.code()
	default:
		return 0
	}
}

// RapidUpload implements Client.
func (c *RESTClient) RapidUpload(ctx context.Context, req RapidUploadRequest) (*model.RemoteFile, error) {
	params, err := c.params(ctx, "rapidupload", false)
	if err != nil {
		return nil, err
	}
	body := url.Values{}
	body.Set("path", req.RemotePath)
	body.Set("content-length", strconv.FormatUint(req.Size, 10))
	body.Set("content-md5", req.MD5)
	body.Set("slice-md5", req.SliceMD5)
	body.Set("content-crc32", strconv.FormatUint(uint64(req.CRC32), 10))
	body.Set("ondup", overwriteOndup(req.Overwrite))
	opts := &resthttp.Opts{
		Method:      http.MethodPost,
		Path:        "/rest/2.0/xpan/file",
		Parameters:  params,
		ContentType: "application/x-www-form-urlencoded",
		Body:        strings.NewReader(body.Encode()),
	}
	var resp rapidUploadResponse
	err = c.call(ctx, "rapidupload", opts, nil, &resp, c.refresh(&params))
	if err != nil {
		return nil, err
	}
	if code := resp.code(); code != 0 {
		if e := errFromCode(code); e != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotEligible, e)
		}
	}
	rf := resp.item.toRemoteFile()
	return &rf, nil
}

// Precreate implements Client.
func (c *RESTClient) Precreate(ctx context.Context, req PrecreateRequest) (*PrecreateResult, error) {
	params, err := c.params(ctx, "precreate", false)
	if err != nil {
		return nil, err
	}
	body := url.Values{}
	body.Set("path", req.RemotePath)
	body.Set("size", strconv.FormatUint(req.Size, 10))
	body.Set("isdir", "0")
	body.Set("rtype", overwriteRtype(req.Overwrite))
	body.Set("block_list", arrayValue(req.BlockMD5s))
	body.Set("autoinit", "1")
	opts := &resthttp.Opts{
		Method:      http.MethodPost,
		Path:        "/rest/2.0/xpan/file",
		Parameters:  params,
		ContentType: "application/x-www-form-urlencoded",
		Body:        strings.NewReader(body.Encode()),
	}
	var resp precreateResponse
	if err := c.call(ctx, "precreate", opts, nil, &resp, c.refresh(&params)); err != nil {
		return nil, err
	}
	if resp.UploadID == "" {
		return nil, xpanerr.New(xpanerr.KindProtocol, "precreate", req.RemotePath, fmt.Errorf("server returned no upload id"))
	}
	return &PrecreateResult{UploadID: resp.UploadID, NeededIndices: resp.BlockList}, nil
}

// UploadSlice implements Client. Unlike the other calls, it can't use the
// shared call() helper unmodified: a retried attempt must rebuild the
// multipart body from scratch (the pipe reader from the prior attempt is
// already drained), so req.Bytes must support Seek back to its start.
// io.SectionReader — what uploader.Upload actually passes — satisfies
// this.
func (c *RESTClient) UploadSlice(ctx context.Context, req UploadSliceRequest) (string, error) {
	seeker, ok := req.Bytes.(io.Seeker)
	if !ok {
		return "", fmt.Errorf("upload_slice: chunk reader must support Seek to be retry-safe")
	}

	params, err := c.params(ctx, "upload", false)
	if err != nil {
		return "", err
	}
	params.Set("type", "tmpfile")
	params.Set("path", req.RemotePath)
	params.Set("uploadid", req.UploadID)
	params.Set("partseq", strconv.Itoa(req.Index))

	var resp uploadSliceResponse
	authRetried := false
	err = c.pacer.Call(ctx, func() (bool, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
		if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
			return false, serr
		}
		body, contentType, overhead, merr := resthttp.MultipartUpload(ctx, req.Bytes, url.Values{}, "file", "chunk")
		if merr != nil {
			return false, merr
		}
		contentLength := overhead + req.Size
		opts := &resthttp.Opts{
			Method:        http.MethodPost,
			Path:          "/rest/2.0/pcs/superfile2",
			RootURL:       pcsRootURL,
			Parameters:    params,
			ContentType:   contentType,
			Body:          body,
			ContentLength: &contentLength,
		}
		resp = uploadSliceResponse{}
		hresp, herr := c.http.CallJSON(ctx, opts, nil, &resp)
		statusCode := 0
		if hresp != nil {
			statusCode = hresp.StatusCode
		}
		kind := retry.Classify(statusCode, resp.code(), herr)
		if herr == nil && (kind == xpanerr.KindAuth || kind == xpanerr.KindTransient) {
			herr = errFromCode(resp.code())
		}
		switch kind {
		case xpanerr.KindAuth:
			if authRetried {
				return false, xpanerr.New(xpanerr.KindAuth, "upload_slice", req.RemotePath, herr)
			}
			authRetried = true
			if rerr := c.refresh(&params)(ctx); rerr != nil {
				return false, xpanerr.New(xpanerr.KindAuth, "upload_slice", req.RemotePath, rerr)
			}
			return true, herr
		case xpanerr.KindTransient:
			return true, herr
		default:
			return false, herr
		}
	})
	if err != nil {
		return "", err
	}
	return resp.MD5, nil
}

// Create implements Client.
func (c *RESTClient) Create(ctx context.Context, req CreateRequest) (*model.RemoteFile, error) {
	params, err := c.params(ctx, "create", false)
	if err != nil {
		return nil, err
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	body := url.Values{}
	body.Set("path", req.RemotePath)
	body.Set("size", strconv.FormatUint(req.Size, 10))
	body.Set("isdir", "0")
	body.Set("block_list", arrayValue(req.BlockMD5s))
	body.Set("uploadid", req.UploadID)
	body.Set("rtype", overwriteRtype(req.Overwrite))
	body.Set("local_ctime", now)
	body.Set("local_mtime", now)
	opts := &resthttp.Opts{
		Method:      http.MethodPost,
		Path:        "/rest/2.0/xpan/file",
		Parameters:  params,
		ContentType: "application/x-www-form-urlencoded",
		Body:        strings.NewReader(body.Encode()),
	}
	var resp createResponse
	if err := c.call(ctx, "create", opts, nil, &resp, c.refresh(&params)); err != nil {
		return nil, err
	}
	if resp.item.FsID == 0 {
		return nil, xpanerr.New(xpanerr.KindProtocol, "create", req.RemotePath, fmt.Errorf("server returned no fs_id"))
	}
	rf := resp.item.toRemoteFile()
	return &rf, nil
}

// Meta implements Client. The provider has no direct path->metadata
// lookup (confirmed against backend/xpan/fs.go's readFileMetaData, which
// lists the parent directory and matches the basename); we do the same.
func (c *RESTClient) Meta(ctx context.Context, remotePath string) (*model.RemoteFile, error) {
	dir := parentDir(remotePath)
	page := ""
	for {
		res, err := c.List(ctx, dir, false, page)
		if err != nil {
			return nil, err
		}
		for i := range res.Entries {
			if res.Entries[i].Path == remotePath {
				return &res.Entries[i], nil
			}
		}
		if res.NextPage == "" {
			return nil, fmt.Errorf("xpan meta %s: %w", remotePath, os.ErrNotExist)
		}
		page = res.NextPage
	}
}

// List implements Client, exhausting the recursive cursor-paginated
// listing endpoint when recursive is true (backend/xpan/api/types.go's
// ListRFilesResponse), or the flat start/limit endpoint otherwise
// (backend/xpan/fs.go's limitList).
func (c *RESTClient) List(ctx context.Context, dir string, recursive bool, page string) (*ListResult, error) {
	if recursive {
		return c.listRecursive(ctx, dir, page)
	}
	return c.listFlat(ctx, dir, page)
}

func (c *RESTClient) listFlat(ctx context.Context, dir string, page string) (*ListResult, error) {
	start := 0
	if page != "" {
		start, _ = strconv.Atoi(page)
	}
	params, err := c.params(ctx, "list", false)
	if err != nil {
		return nil, err
	}
	params.Set("dir", dir)
	params.Set("start", strconv.Itoa(start))
	params.Set("limit", strconv.Itoa(listPageLimit))
	opts := &resthttp.Opts{Method: http.MethodGet, Path: "/rest/2.0/xpan/file", Parameters: params}
	var resp listFilesResponse
	if err := c.call(ctx, "list", opts, nil, &resp, c.refresh(&params)); err != nil {
		return nil, err
	}
	out := &ListResult{Entries: make([]model.RemoteFile, len(resp.List))}
	for i, it := range resp.List {
		out.Entries[i] = it.toRemoteFile()
	}
	if len(resp.List) == listPageLimit {
		out.NextPage = strconv.Itoa(start + listPageLimit)
	}
	return out, nil
}

func (c *RESTClient) listRecursive(ctx context.Context, dir string, page string) (*ListResult, error) {
	params, err := c.params(ctx, "listrecursion", false)
	if err != nil {
		return nil, err
	}
	params.Set("path", dir)
	if page != "" {
		params.Set("cursor", page)
	}
	opts := &resthttp.Opts{Method: http.MethodGet, Path: "/rest/2.0/xpan/multimedia", Parameters: params}
	var resp listRResponse
	if err := c.call(ctx, "listrecursion", opts, nil, &resp, c.refresh(&params)); err != nil {
		return nil, err
	}
	out := &ListResult{Entries: make([]model.RemoteFile, len(resp.List))}
	for i, it := range resp.List {
		out.Entries[i] = it.toRemoteFile()
	}
	if resp.HasMore != 0 {
		out.NextPage = resp.Cursor
	}
	return out, nil
}

// DLink implements Client (backend/xpan/object.go's Open method: the
// multimedia filemetas endpoint with dlink=1).
func (c *RESTClient) DLink(ctx context.Context, fsid uint64) (string, error) {
	params, err := c.params(ctx, "filemetas", false)
	if err != nil {
		return "", err
	}
	params.Set("fsids", fmt.Sprintf("[%d]", fsid))
	params.Set("dlink", "1")
	opts := &resthttp.Opts{Method: http.MethodGet, Path: "/rest/2.0/xpan/multimedia", Parameters: params}
	var resp dlinkResponse
	if err := c.call(ctx, "filemetas", opts, nil, &resp, c.refresh(&params)); err != nil {
		return "", err
	}
	if len(resp.List) == 0 {
		return "", os.ErrNotExist
	}
	return resp.List[0].Dlink, nil
}

func (c *RESTClient) refresh(params *url.Values) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		tok, err := c.tokens.Refresh(ctx)
		if err != nil {
			return err
		}
		params.Set("access_token", tok)
		return nil
	}
}

func parentDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func arrayValue(vs []string) string {
	b, _ := json.Marshal(vs)
	return string(b)
}

// overwriteRtype/overwriteOndup map to the provider's actual create modes.
// There is no server-side "auto-rename and report the picked name" mode, so
// model.Rename is never sent here: the uploader resolves a free name itself
// (see uploader.uploadWithRename) and always calls this client with
// FailIfExists for the resolved candidate.
func overwriteRtype(m model.OverwriteMode) string {
	switch m {
	case model.Overwrite:
		return "3"
	default:
		return "0" // fail-if-exists; Skip is handled by the caller before calling create
	}
}

func overwriteOndup(m model.OverwriteMode) string {
	switch m {
	case model.Overwrite:
		return "overwrite"
	default:
		return "fail"
	}
}
