package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/imroc/req/v3"
	"github.com/openmined/visitsync/internal/utils"
)

// Download streams the item content to destPath through a .part file and returns the byte count
func (c *Client) Download(ctx context.Context, containerID, itemID, destPath string) (int64, error) {
	if err := utils.EnsureParent(destPath); err != nil {
		return 0, fmt.Errorf("remote: download: %w", err)
	}
	tmpPath := destPath + utils.PartSuffix

	var written int64
	err := c.do(ctx, call{
		op:      "download",
		method:  http.MethodGet,
		url:     "/drives/" + url.PathEscape(containerID) + "/items/" + url.PathEscape(itemID) + "/content",
		timeout: c.cfg.SessionTimeout,
		stream:  true,
		handle: func(resp *req.Response) error {
			f, err := os.Create(tmpPath)
			if err != nil {
				return err
			}
			written, err = io.Copy(f, resp.Body)
			if err == nil {
				err = f.Sync()
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		},
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("remote: download: rename %s: %w", filepath.Base(destPath), err)
	}
	return written, nil
}
