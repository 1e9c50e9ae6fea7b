package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"
	"github.com/openmined/visitsync/internal/utils"
)

const contentTypeBinary = "application/octet-stream"

// SmallUploadThreshold is the largest size sent with a single PUT
func (c *Client) SmallUploadThreshold() int64 {
	return c.cfg.SmallUploadThreshold
}

// UploadSmall writes folder/name in one request, replacing any existing item
func (c *Client) UploadSmall(ctx context.Context, containerID, folder, name string, body io.Reader, size int64) (*Item, error) {
	data, err := io.ReadAll(io.LimitReader(body, size+1))
	if err != nil {
		return nil, fmt.Errorf("remote: upload small: read: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("remote: upload small: read %d bytes, expected %d", len(data), size)
	}

	var item Item
	err = c.do(ctx, call{
		op:     "upload small",
		method: http.MethodPut,
		url:    itemPath(containerID, utils.JoinRemote(folder, name)) + "/content",
		prepare: func(r *req.Request) {
			r.SetQueryParam(conflictBehaviorKey, "replace").
				SetContentType(contentTypeBinary).
				SetBodyBytes(data)
		},
		handle: decodeInto(&item),
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UploadLarge sends content through a resumable upload session in sequential
// chunks. The session is cancelled when any chunk fails.
func (c *Client) UploadLarge(ctx context.Context, containerID, folder, name string, content io.ReaderAt, size int64) (*Item, error) {
	if size <= 0 {
		return nil, ErrEmptyContent
	}

	session, err := c.createUploadSession(ctx, containerID, utils.JoinRemote(folder, name))
	if err != nil {
		return nil, err
	}

	item, err := c.uploadChunks(ctx, session, content, size)
	if err != nil {
		c.cancelUploadSession(session)
		return nil, err
	}
	return item, nil
}

func (c *Client) createUploadSession(ctx context.Context, containerID, path string) (*UploadSession, error) {
	var body uploadSessionRequest
	body.Item.ConflictBehavior = "replace"

	var session UploadSession
	err := c.do(ctx, call{
		op:     "create upload session",
		method: http.MethodPost,
		url:    itemPath(containerID, path) + "/createUploadSession",
		prepare: func(r *req.Request) {
			r.SetBodyJsonMarshal(body)
		},
		handle: decodeInto(&session),
	})
	if err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, &Error{Kind: KindServerError, Op: "create upload session", Message: "missing upload url"}
	}
	return &session, nil
}

func (c *Client) uploadChunks(ctx context.Context, session *UploadSession, content io.ReaderAt, size int64) (*Item, error) {
	chunkSize := min(c.cfg.ChunkSize, size)
	buf := make([]byte, chunkSize)

	var sent int64
	for sent < size {
		n := min(chunkSize, size-sent)
		chunk := buf[:n]
		if read, err := content.ReadAt(chunk, sent); int64(read) != n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("remote: upload chunk: read at %d: %w", sent, err)
		}

		start, end := sent, sent+n-1
		var status int
		var item Item
		err := c.do(ctx, call{
			op:      "upload chunk",
			method:  http.MethodPut,
			url:     session.UploadURL,
			timeout: c.cfg.SessionTimeout,
			noAuth:  true,
			prepare: func(r *req.Request) {
				r.SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size)).
					SetContentType(contentTypeBinary).
					SetBodyBytes(chunk)
			},
			handle: func(resp *req.Response) error {
				status = resp.StatusCode
				if status == http.StatusOK || status == http.StatusCreated {
					return resp.UnmarshalJson(&item)
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		sent += n

		c.log.Debug("chunk uploaded", "range", fmt.Sprintf("%d-%d/%d", start, end, size), "status", status)

		switch status {
		case http.StatusOK, http.StatusCreated:
			if sent < size {
				return nil, &Error{Kind: KindServerError, Op: "upload chunk", StatusCode: status,
					Message: fmt.Sprintf("session completed early at %s of %s", humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(size)))}
			}
			return &item, nil
		case http.StatusAccepted:
			if sent < size && c.cfg.ChunkDelay > 0 {
				if err := sleepCtx(ctx, c.cfg.ChunkDelay); err != nil {
					return nil, &Error{Kind: KindCancelled, Op: "upload chunk", Err: err}
				}
			}
		default:
			return nil, &Error{Kind: KindServerError, Op: "upload chunk", StatusCode: status, Message: "unexpected status"}
		}
	}

	return nil, &Error{Kind: KindServerError, Op: "upload chunk", Message: "session still open after last chunk"}
}

// cancelUploadSession releases the server side session, detached from the caller's ctx
func (c *Client) cancelUploadSession(session *UploadSession) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	err := c.do(ctx, call{
		op:     "cancel upload session",
		method: http.MethodDelete,
		url:    session.UploadURL,
		noAuth: true,
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.log.Warn("cancel upload session", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
