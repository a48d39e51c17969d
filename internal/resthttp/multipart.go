package resthttp

import (
	"context"
	"io"
	"mime/multipart"
	"net/url"
)

// MultipartUpload wraps in as the named file part of a multipart/form-data
// body, alongside the given extra form fields, streaming rather than
// buffering the whole body in memory. It returns the reader to use as the
// request body, the content type header value, and how many extra bytes
// the multipart framing adds on top of len(fileContents) — callers with a
// known file size use this to compute an exact Content-Length, exactly as
// backend/xpan/fs.go's singleUpload/multipartUpload do.
func MultipartUpload(ctx context.Context, in io.Reader, fields url.Values, fieldName, filename string) (r io.Reader, contentType string, overhead int64, err error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// Measure the framing overhead by writing the same headers/trailer to
	// a throwaway counting writer first, since the pipe can't be rewound.
	var counter countingWriter
	cmw := multipart.NewWriter(&counter)
	if cerr := writeFields(cmw, fields); cerr != nil {
		return nil, "", 0, cerr
	}
	if _, cerr := cmw.CreateFormFile(fieldName, filename); cerr != nil {
		return nil, "", 0, cerr
	}
	if cerr := cmw.Close(); cerr != nil {
		return nil, "", 0, cerr
	}
	overhead = int64(counter.n)

	go func() {
		err := writeFields(mw, fields)
		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile(fieldName, filename)
			if err == nil {
				_, err = io.Copy(part, in)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	select {
	case <-ctx.Done():
		return nil, "", 0, ctx.Err()
	default:
	}
	return pr, mw.FormDataContentType(), overhead, nil
}

func writeFields(mw *multipart.Writer, fields url.Values) error {
	for k, values := range fields {
		for _, v := range values {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
