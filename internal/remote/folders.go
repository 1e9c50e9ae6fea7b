package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/openmined/visitsync/internal/utils"
)

// ResolveContainerID maps the configured site and list to a drive id. The result
// is cached for the life of the client; concurrent callers share one lookup.
func (c *Client) ResolveContainerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.containerID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	v, err, _ := c.group.Do("container", func() (any, error) {
		var site idResponse
		if err := c.do(ctx, call{
			op:     "resolve site",
			method: http.MethodGet,
			url:    sitePath(c.cfg.Site),
			handle: decodeInto(&site),
		}); err != nil {
			return "", err
		}
		if site.ID == "" {
			return "", &Error{Kind: KindNotFound, Op: "resolve site", Message: "empty site id"}
		}

		var drive idResponse
		if err := c.do(ctx, call{
			op:     "resolve drive",
			method: http.MethodGet,
			url:    "/sites/" + url.PathEscape(site.ID) + "/lists/" + url.PathEscape(c.cfg.List) + "/drive",
			handle: decodeInto(&drive),
		}); err != nil {
			return "", err
		}
		if drive.ID == "" {
			return "", &Error{Kind: KindNotFound, Op: "resolve drive", Message: "empty drive id"}
		}

		c.mu.Lock()
		c.containerID = drive.ID
		c.mu.Unlock()
		c.log.Info("resolved container", "site", c.cfg.Site, "list", c.cfg.List, "drive", drive.ID)
		return drive.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// EnsureFolder makes sure every segment of path exists under the drive root.
// Confirmed prefixes are remembered and never checked again.
func (c *Client) EnsureFolder(ctx context.Context, containerID, path string) error {
	path = utils.NormPath(path)
	if path == "" {
		return nil
	}
	if c.folders.Contains(folderKey(containerID, path)) {
		return nil
	}

	segs := strings.Split(path, "/")
	for i := range segs {
		prefix := strings.Join(segs[:i+1], "/")
		key := folderKey(containerID, prefix)
		if c.folders.Contains(key) {
			continue
		}

		_, err, _ := c.group.Do("folder:"+key, func() (any, error) {
			return nil, c.ensureOne(ctx, containerID, strings.Join(segs[:i], "/"), segs[i])
		})
		if err != nil {
			return err
		}
		c.folders.Add(key)
	}
	return nil
}

func (c *Client) ensureOne(ctx context.Context, containerID, parent, name string) error {
	full := utils.JoinRemote(parent, name)

	err := c.do(ctx, call{
		op:     "get folder",
		method: http.MethodGet,
		url:    itemPath(containerID, full),
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	children := itemPath(containerID, parent) + "/children"
	body := createFolderRequest{Name: name, ConflictBehavior: "replace"}
	err = c.do(ctx, call{
		op:     "create folder",
		method: http.MethodPost,
		url:    children,
		prepare: func(r *req.Request) {
			r.SetBodyJsonMarshal(body)
		},
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		return err
	}

	c.log.Debug("created folder", "container", containerID, "path", full)
	return nil
}

func folderKey(containerID, path string) string {
	return containerID + ":" + strings.ToLower(path)
}

// sitePath accepts "host:/sites/name" or a bare site id
func sitePath(site string) string {
	host, rel, ok := strings.Cut(site, ":/")
	if !ok {
		return "/sites/" + site
	}
	return "/sites/" + host + ":/" + escapePath(rel)
}
