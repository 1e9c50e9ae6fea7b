package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/imroc/req/v3"
)

// maxPages stops a misbehaving server from paging forever
const maxPages = 1000

// ListOrSearch returns every item matching q, following next links until the last page
func (c *Client) ListOrSearch(ctx context.Context, containerID string, q Query) ([]*Item, error) {
	op := "list"
	next := itemPath(containerID, q.Folder) + "/children"
	params := map[string]string{}

	if q.Search != "" {
		op = "search"
		escaped := strings.ReplaceAll(q.Search, "'", "''")
		next = itemPath(containerID, q.Folder) + "/search(q='" + url.PathEscape(escaped) + "')"
	} else if q.Filter != "" {
		params["$filter"] = q.Filter
	}
	if q.Top > 0 {
		params["$top"] = strconv.Itoa(q.Top)
	}

	var items []*Item
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return items, &Error{Kind: KindServerError, Op: op, Message: "too many pages"}
		}

		var res itemPage
		first := page == 0
		err := c.do(ctx, call{
			op:     op,
			method: http.MethodGet,
			url:    next,
			prepare: func(r *req.Request) {
				// next links already carry the query
				if first {
					r.SetQueryParams(params)
				}
			},
			handle: decodeInto(&res),
		})
		if err != nil {
			return nil, err
		}

		items = append(items, res.Value...)
		next = res.NextLink
	}

	c.log.Debug("listed items", "op", op, "count", len(items))
	return items, nil
}

// StartsWithFilter builds a name prefix filter expression
func StartsWithFilter(prefix string) string {
	return "startswith(name,'" + strings.ReplaceAll(prefix, "'", "''") + "')"
}
