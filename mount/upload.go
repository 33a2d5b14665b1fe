package mount

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Headers that describe uploaded files to the application handler. They are repeated once per file, in order.
const (
	HeaderUploadPath     = "X-Upload-Path"
	HeaderUploadFilename = "X-Upload-Filename"
	HeaderUploadSize     = "X-Upload-Size"
	HeaderUploadField    = "X-Upload-Field"
)

// maxFieldSize bounds a single non-file form field of a multipart upload.
const maxFieldSize = 1 << 20

var uploadHeaders = []string{HeaderUploadPath, HeaderUploadFilename, HeaderUploadSize, HeaderUploadField}

func bodyReader(ctx context.Context, b hbridge.Body) io.Reader {
	if in, ok := b.(*hbridge.InboundStream); ok {
		return in.Reader(ctx)
	}

	return bytes.NewReader(hbridge.BodyBytes(b))
}

// withoutUploadHeaders drops upload headers the client sent itself.
func withoutUploadHeaders(h hbridge.HeaderList) hbridge.HeaderList {
	for _, name := range uploadHeaders {
		h = h.Without(name)
	}

	return h
}

// routeUpload spools the request body to temporary files and forwards the request with headers pointing at them.
// The files are removed after the response was finalized.
func (r *Router) routeUpload(ctx context.Context, req *hbridge.Request, m *mount, rest string) (hbridge.Action, error) {
	if req.Method() != http.MethodPost && req.Method() != http.MethodPut {
		return hbridge.Forward{Request: req}, nil
	}

	var files []string
	cleanup := func() {
		for _, f := range files {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.logs.Warn("failed to remove upload", zap.String("path", f), zap.Error(err))
			}
		}
	}

	headers := withoutUploadHeaders(req.Headers()).Without("Content-Length")
	body := bodyReader(ctx, req.Body())

	addFile := func(src io.Reader, filename, field string) error {
		name, n, err := spool(m.cfg.TempDir, src)
		if name != "" {
			files = append(files, name)
		}

		if err != nil {
			return err
		}

		headers = headers.
			With(HeaderUploadPath, name).
			With(HeaderUploadFilename, filename).
			With(HeaderUploadSize, strconv.FormatInt(n, 10)).
			With(HeaderUploadField, field)

		return nil
	}

	mediaType, params, _ := mime.ParseMediaType(req.Header("Content-Type"))
	if mediaType != "multipart/form-data" {
		filename := path.Base(rest)
		if filename == "/" || filename == "." {
			filename = ""
		}

		if err := addFile(body, filename, ""); err != nil {
			cleanup()
			return nil, err
		}

		return hbridge.Forward{Request: req.WithHeaders(headers).WithBody(hbridge.NoBody), Cleanup: cleanup}, nil
	}

	form := url.Values{}
	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			cleanup()
			return nil, hbridge.NewError(hbridge.CodeBadRequest, errors.Wrap(err, "read multipart body"))
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
			if err != nil || len(value) > maxFieldSize {
				cleanup()
				return nil, hbridge.NewError(hbridge.CodeBadRequest, errors.Newf("form field %q unreadable", part.FormName()))
			}

			form.Add(part.FormName(), string(value))
			continue
		}

		if err := addFile(part, part.FileName(), part.FormName()); err != nil {
			cleanup()
			return nil, err
		}
	}

	headers = headers.Without("Content-Type").With("Content-Type", "application/x-www-form-urlencoded")

	return hbridge.Forward{
		Request: req.WithHeaders(headers).WithBody(hbridge.Text(form.Encode())),
		Cleanup: cleanup,
	}, nil
}

// spool copies src into a new temporary file in dir.
func spool(dir string, src io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", 0, errors.Wrap(err, "create upload file")
	}

	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return f.Name(), n, errors.Wrap(err, "write upload file")
	}

	return f.Name(), n, nil
}

// routeBufferUpload reads the body into memory and forwards it as binary. Bodies over the size limit are refused.
func (r *Router) routeBufferUpload(
	ctx context.Context, req *hbridge.Request, m *mount, rest string,
) (hbridge.Action, error) {
	if req.Method() != http.MethodPost && req.Method() != http.MethodPut {
		return hbridge.Forward{Request: req}, nil
	}

	tooLarge := hbridge.Reply{Response: textResponse(http.StatusRequestEntityTooLarge)}
	if in, ok := req.Body().(*hbridge.InboundStream); ok && in.Length() > m.cfg.MaxSize {
		return tooLarge, nil
	}

	data, err := io.ReadAll(io.LimitReader(bodyReader(ctx, req.Body()), m.cfg.MaxSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read upload body")
	}

	if int64(len(data)) > m.cfg.MaxSize {
		return tooLarge, nil
	}

	filename := req.Header(HeaderUploadFilename)
	if filename == "" {
		filename = path.Base(rest)
	}

	if filename == "/" || filename == "." || filename == "" {
		filename = "upload"
	}

	headers := withoutUploadHeaders(req.Headers()).With(HeaderUploadFilename, filename)

	return hbridge.Forward{Request: req.WithHeaders(headers).WithBody(hbridge.Binary(data))}, nil
}
