// Package remotetest runs an in-process drive that speaks the content API used by
// package remote. It records every request and can inject failures.
package remotetest

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openmined/visitsync/internal/remote"
	slogGin "github.com/samber/slog-gin"
)

const (
	DefaultSiteID  = "site-1"
	DefaultDriveID = "drive-1"
)

// Request is one recorded call
type Request struct {
	Method       string
	Path         string // decoded path
	Query        url.Values
	ContentRange string
	Bearer       bool
	Size         int64
}

// Fault answers matching requests with Status instead of serving them
type Fault struct {
	Method     string // "" matches any
	Contains   string // substring of the decoded path
	Status     int
	Times      int // <= 0 means always
	RetryAfter string
	Code       string
}

type entry struct {
	id      string
	name    string
	path    string
	folder  bool
	data    []byte
	version int
	modTime time.Time
}

type session struct {
	path     string
	received []byte
	total    int64
}

// Drive is the fake store
type Drive struct {
	Server *httptest.Server

	SiteID  string
	DriveID string

	mu           sync.Mutex
	token        string
	latency      time.Duration
	pageSize     int
	rejectFilter bool
	items        map[string]*entry // lower-case path -> entry; "" is the root
	byID         map[string]*entry
	sessions     map[string]*session
	requests     []Request
	faults       []*Fault
	cancelled    int

	inflight    int
	maxInflight int
}

// New starts a drive and closes it when the test ends
func New(t testing.TB) *Drive {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := &entry{id: "root", folder: true, modTime: time.Now()}
	d := &Drive{
		SiteID:   DefaultSiteID,
		DriveID:  DefaultDriveID,
		items:    map[string]*entry{"": root},
		byID:     map[string]*entry{root.id: root},
		sessions: map[string]*session{},
	}

	r := gin.New()
	r.Use(accessLog(), d.record, d.authorize, d.inject)
	r.GET("/sites/*rest", d.handleSites)
	r.Any("/drives/:drive/*rest", d.handleDrive)
	r.PUT("/upload/:session", d.handleChunk)
	r.DELETE("/upload/:session", d.handleCancel)
	r.GET("/blob/:id", d.handleBlob)

	d.Server = httptest.NewServer(r)
	t.Cleanup(d.Server.Close)
	return d
}

func accessLog() gin.HandlerFunc {
	return slogGin.NewWithConfig(slog.Default().WithGroup("drive"), slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelDebug,
		ServerErrorLevel: slog.LevelWarn,
		WithRequestID:    true,
	})
}

func (d *Drive) URL() string {
	return d.Server.URL
}

// Config returns a client config pointed at this drive
func (d *Drive) Config() remote.Config {
	return remote.Config{
		BaseURL:        d.URL(),
		Site:           "contoso.example.com:/sites/field",
		List:           "Documents",
		RequestTimeout: 5 * time.Second,
		SessionTimeout: 5 * time.Second,
	}
}

// SetToken makes the drive accept only this bearer token. By default any non-empty token passes.
func (d *Drive) SetToken(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
}

// SetLatency delays every upload request
func (d *Drive) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// SetPageSize splits listings into pages linked by @odata.nextLink; 0 returns one page
func (d *Drive) SetPageSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageSize = n
}

// SetRejectFilter answers every $filter query with 400
func (d *Drive) SetRejectFilter(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectFilter = reject
}

func (d *Drive) Fail(f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ff := f
	d.faults = append(d.faults, &ff)
}

// PutFile seeds a file, creating parent folders. Rewriting a path changes its eTag.
func (d *Drive) PutFile(p string, data []byte) *remote.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	p = clean(p)
	dir := path.Dir(p)
	if dir == "." {
		dir = ""
	}
	d.mkdirAll(dir)
	return d.toItem(d.writeFile(p, data))
}

func (d *Drive) File(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.items[key(p)]
	if !ok || e.folder {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

func (d *Drive) HasFolder(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.items[key(p)]
	return ok && e.folder
}

func (d *Drive) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Count returns the number of requests with method whose path contains substr
func (d *Drive) Count(method, substr string) int {
	n := 0
	for _, r := range d.Requests() {
		if (method == "" || r.Method == method) && strings.Contains(r.Path, substr) {
			n++
		}
	}
	return n
}

// ChunkRanges lists the Content-Range headers of session chunk uploads in arrival order
func (d *Drive) ChunkRanges() []string {
	var out []string
	for _, r := range d.Requests() {
		if r.Method == http.MethodPut && strings.HasPrefix(r.Path, "/upload/") {
			out = append(out, r.ContentRange)
		}
	}
	return out
}

// SessionBearers counts session requests that carried an Authorization header
func (d *Drive) SessionBearers() int {
	n := 0
	for _, r := range d.Requests() {
		if strings.HasPrefix(r.Path, "/upload/") && r.Bearer {
			n++
		}
	}
	return n
}

func (d *Drive) CancelledSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// MaxInFlight is the peak number of concurrent upload requests
func (d *Drive) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInflight
}

// middleware

func (d *Drive) record(c *gin.Context) {
	r := Request{
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		Query:        c.Request.URL.Query(),
		ContentRange: c.GetHeader("Content-Range"),
		Bearer:       c.GetHeader("Authorization") != "",
		Size:         c.Request.ContentLength,
	}

	upload := r.Method == http.MethodPut
	d.mu.Lock()
	d.requests = append(d.requests, r)
	if upload {
		d.inflight++
		d.maxInflight = max(d.maxInflight, d.inflight)
	}
	latency := d.latency
	d.mu.Unlock()

	if upload && latency > 0 {
		time.Sleep(latency)
	}
	c.Next()

	if upload {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
	}
}

func (d *Drive) authorize(c *gin.Context) {
	p := c.Request.URL.Path
	if strings.HasPrefix(p, "/upload/") || strings.HasPrefix(p, "/blob/") {
		c.Next()
		return
	}

	d.mu.Lock()
	want := d.token
	d.mu.Unlock()

	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" || (want != "" && token != want) {
		abortError(c, http.StatusUnauthorized, "InvalidAuthenticationToken", "access token is empty or invalid")
		return
	}
	c.Next()
}

func (d *Drive) inject(c *gin.Context) {
	d.mu.Lock()
	var hit *Fault
	for _, f := range d.faults {
		if f.Times == 0 && f.Status == 0 {
			continue
		}
		if f.Method != "" && f.Method != c.Request.Method {
			continue
		}
		if !strings.Contains(c.Request.URL.Path, f.Contains) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				f.Status = 0
			}
		}
		cp := *f
		hit = &cp
		break
	}
	d.mu.Unlock()

	if hit == nil {
		c.Next()
		return
	}
	if hit.RetryAfter != "" {
		c.Header("Retry-After", hit.RetryAfter)
	}
	code := hit.Code
	if code == "" {
		code = http.StatusText(hit.Status)
	}
	abortError(c, hit.Status, code, "injected failure")
}

// handlers

func (d *Drive) handleSites(c *gin.Context) {
	rest := c.Param("rest")
	if strings.Contains(rest, "/lists/") && strings.HasSuffix(rest, "/drive") {
		c.JSON(http.StatusOK, gin.H{"id": d.DriveID, "driveType": "documentLibrary"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": d.SiteID, "webUrl": "https://contoso.example.com" + rest})
}

func (d *Drive) handleDrive(c *gin.Context) {
	if c.Param("drive") != d.DriveID {
		abortError(c, http.StatusNotFound, "itemNotFound", "drive not found")
		return
	}
	rest := c.Param("rest")

	if id, ok := strings.CutPrefix(rest, "/items/"); ok {
		id, ok = strings.CutSuffix(id, "/content")
		if ok && c.Request.Method == http.MethodGet {
			d.handleDownload(c, id)
			return
		}
		abortError(c, http.StatusBadRequest, "invalidRequest", "unsupported item call")
		return
	}

	target, action, ok := splitItemPath(rest)
	if !ok {
		abortError(c, http.StatusBadRequest, "invalidRequest", "unsupported path "+rest)
		return
	}

	switch {
	case action == "" && c.Request.Method == http.MethodGet:
		d.handleGetItem(c, target)
	case action == "children" && c.Request.Method == http.MethodGet:
		d.handleList(c, target)
	case action == "children" && c.Request.Method == http.MethodPost:
		d.handleCreateFolder(c, target)
	case strings.HasPrefix(action, "search(") && c.Request.Method == http.MethodGet:
		d.handleSearch(c, target, action)
	case action == "content" && c.Request.Method == http.MethodPut:
		d.handleUpload(c, target)
	case action == "createUploadSession" && c.Request.Method == http.MethodPost:
		d.handleCreateSession(c, target)
	default:
		abortError(c, http.StatusBadRequest, "invalidRequest", "unsupported call "+c.Request.Method+" "+rest)
	}
}

func (d *Drive) handleGetItem(c *gin.Context, p string) {
	d.mu.Lock()
	e, ok := d.items[key(p)]
	var item *remote.Item
	if ok {
		item = d.toItem(e)
	}
	d.mu.Unlock()

	if !ok {
		abortError(c, http.StatusNotFound, "itemNotFound", "item not found")
		return
	}
	c.JSON(http.StatusOK, item)
}

func (d *Drive) handleList(c *gin.Context, p string) {
	d.mu.Lock()
	reject := d.rejectFilter
	d.mu.Unlock()

	var prefix string
	if filter := c.Query("$filter"); filter != "" {
		var ok bool
		prefix, ok = parseStartsWith(filter)
		if reject || !ok {
			abortError(c, http.StatusBadRequest, "invalidRequest", "invalid filter")
			return
		}
	}

	d.mu.Lock()
	parent, ok := d.items[key(p)]
	var items []*remote.Item
	if ok {
		for _, e := range d.items {
			if e == parent || !strings.EqualFold(dirOf(e.path), parent.path) {
				continue
			}
			if prefix != "" && !strings.HasPrefix(strings.ToLower(e.name), strings.ToLower(prefix)) {
				continue
			}
			items = append(items, d.toItem(e))
		}
	}
	d.mu.Unlock()

	if !ok {
		abortError(c, http.StatusNotFound, "itemNotFound", "folder not found")
		return
	}
	d.writePage(c, items)
}

func (d *Drive) handleSearch(c *gin.Context, p, action string) {
	q := strings.TrimSuffix(strings.TrimPrefix(action, "search(q='"), "')")
	q = strings.ToLower(strings.ReplaceAll(q, "''", "'"))

	d.mu.Lock()
	base := key(p)
	var items []*remote.Item
	for k, e := range d.items {
		if e.path == "" || (base != "" && !strings.HasPrefix(k, base+"/")) {
			continue
		}
		if strings.Contains(strings.ToLower(e.name), q) {
			items = append(items, d.toItem(e))
		}
	}
	d.mu.Unlock()

	d.writePage(c, items)
}

func (d *Drive) writePage(c *gin.Context, items []*remote.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	skip, _ := strconv.Atoi(c.Query("$skiptoken"))
	skip = min(max(skip, 0), len(items))
	items = items[skip:]

	d.mu.Lock()
	pageSize := d.pageSize
	d.mu.Unlock()

	resp := gin.H{}
	if pageSize > 0 && len(items) > pageSize {
		items = items[:pageSize]
		q := c.Request.URL.Query()
		q.Set("$skiptoken", strconv.Itoa(skip+pageSize))
		resp["@odata.nextLink"] = d.URL() + c.Request.URL.EscapedPath() + "?" + q.Encode()
	}
	if items == nil {
		items = []*remote.Item{}
	}
	resp["value"] = items
	c.JSON(http.StatusOK, resp)
}

func (d *Drive) handleCreateFolder(c *gin.Context, parentPath string) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}
	name, _ := body["name"].(string)
	if name == "" || strings.Contains(name, "/") {
		abortError(c, http.StatusBadRequest, "invalidRequest", "invalid folder name")
		return
	}
	if _, ok := body["folder"]; !ok {
		abortError(c, http.StatusBadRequest, "invalidRequest", "missing folder facet")
		return
	}
	behavior, _ := body["@microsoft.graph.conflictBehavior"].(string)

	d.mu.Lock()
	parent, ok := d.items[key(parentPath)]
	if !ok || !parent.folder {
		d.mu.Unlock()
		abortError(c, http.StatusNotFound, "itemNotFound", "parent not found")
		return
	}
	full := joinClean(parent.path, name)
	if existing, exists := d.items[key(full)]; exists && (behavior == "fail" || !existing.folder) {
		d.mu.Unlock()
		abortError(c, http.StatusConflict, "nameAlreadyExists", "name already exists")
		return
	}
	item := d.toItem(d.mkdir(full))
	d.mu.Unlock()

	c.JSON(http.StatusCreated, item)
}

func (d *Drive) handleUpload(c *gin.Context, p string) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	d.mu.Lock()
	if !d.parentExists(p) {
		d.mu.Unlock()
		abortError(c, http.StatusNotFound, "itemNotFound", "parent folder not found")
		return
	}
	item := d.toItem(d.writeFile(clean(p), data))
	d.mu.Unlock()

	c.JSON(http.StatusCreated, item)
}

func (d *Drive) handleCreateSession(c *gin.Context, p string) {
	d.mu.Lock()
	if !d.parentExists(p) {
		d.mu.Unlock()
		abortError(c, http.StatusNotFound, "itemNotFound", "parent folder not found")
		return
	}
	id := uuid.NewString()
	d.sessions[id] = &session{path: clean(p), total: -1}
	d.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"uploadUrl":          d.URL() + "/upload/" + id,
		"expirationDateTime": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"nextExpectedRanges": []string{"0-"},
	})
}

func (d *Drive) handleChunk(c *gin.Context) {
	start, end, total, err := parseContentRange(c.GetHeader("Content-Range"))
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalidRange", err.Error())
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil || int64(len(data)) != end-start+1 {
		abortError(c, http.StatusBadRequest, "invalidRange", "body does not match range")
		return
	}

	d.mu.Lock()
	s, ok := d.sessions[c.Param("session")]
	if !ok {
		d.mu.Unlock()
		abortError(c, http.StatusNotFound, "itemNotFound", "upload session not found")
		return
	}
	if s.total < 0 {
		s.total = total
	}
	if total != s.total || start != int64(len(s.received)) {
		d.mu.Unlock()
		abortError(c, http.StatusRequestedRangeNotSatisfiable, "invalidRange", "unexpected range")
		return
	}
	s.received = append(s.received, data...)

	if int64(len(s.received)) < s.total {
		next := len(s.received)
		d.mu.Unlock()
		c.JSON(http.StatusAccepted, gin.H{"nextExpectedRanges": []string{fmt.Sprintf("%d-", next)}})
		return
	}

	delete(d.sessions, c.Param("session"))
	item := d.toItem(d.writeFile(s.path, s.received))
	d.mu.Unlock()

	c.JSON(http.StatusCreated, item)
}

func (d *Drive) handleCancel(c *gin.Context) {
	d.mu.Lock()
	_, ok := d.sessions[c.Param("session")]
	if ok {
		delete(d.sessions, c.Param("session"))
		d.cancelled++
	}
	d.mu.Unlock()

	if !ok {
		abortError(c, http.StatusNotFound, "itemNotFound", "upload session not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *Drive) handleDownload(c *gin.Context, id string) {
	d.mu.Lock()
	e, ok := d.byID[id]
	d.mu.Unlock()
	if !ok || e.folder {
		abortError(c, http.StatusNotFound, "itemNotFound", "item not found")
		return
	}
	c.Redirect(http.StatusFound, d.URL()+"/blob/"+url.PathEscape(id))
}

func (d *Drive) handleBlob(c *gin.Context) {
	d.mu.Lock()
	e, ok := d.byID[c.Param("id")]
	var data []byte
	if ok {
		data = append([]byte(nil), e.data...)
	}
	d.mu.Unlock()

	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// store helpers, called with d.mu held

func (d *Drive) mkdir(p string) *entry {
	if e, ok := d.items[key(p)]; ok {
		return e
	}
	e := &entry{id: uuid.NewString(), name: path.Base(p), path: p, folder: true, version: 1, modTime: time.Now()}
	d.items[key(p)] = e
	d.byID[e.id] = e
	return e
}

func (d *Drive) mkdirAll(p string) {
	if p == "" {
		return
	}
	segs := strings.Split(p, "/")
	for i := range segs {
		d.mkdir(strings.Join(segs[:i+1], "/"))
	}
}

func (d *Drive) writeFile(p string, data []byte) *entry {
	e, ok := d.items[key(p)]
	if !ok {
		e = &entry{id: uuid.NewString(), name: path.Base(p), path: p}
		d.items[key(p)] = e
		d.byID[e.id] = e
	}
	e.data = append([]byte(nil), data...)
	e.version++
	e.modTime = time.Now()
	return e
}

func (d *Drive) parentExists(p string) bool {
	parent, ok := d.items[key(dirOf(clean(p)))]
	return ok && parent.folder
}

func (d *Drive) toItem(e *entry) *remote.Item {
	item := &remote.Item{
		ID:              e.id,
		Name:            e.name,
		ETag:            fmt.Sprintf("\"{%s},%d\"", e.id, e.version),
		Size:            int64(len(e.data)),
		LastModified:    e.modTime.UTC(),
		ParentReference: &remote.ParentReference{DriveID: d.DriveID, Path: "/drive/root:/" + dirOf(e.path)},
	}
	if e.folder {
		item.Folder = &remote.FolderFacet{}
	} else {
		item.File = &remote.FileFacet{MimeType: "application/octet-stream"}
	}
	return item
}

// path helpers

// splitItemPath parses "/root", "/root/<action>", "/root:/<path>:" and "/root:/<path>:/<action>"
func splitItemPath(rest string) (target, action string, ok bool) {
	if rest == "/root" {
		return "", "", true
	}
	if a, found := strings.CutPrefix(rest, "/root/"); found {
		return "", a, true
	}
	p, found := strings.CutPrefix(rest, "/root:/")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(p, ":")
	if i < 0 {
		return "", "", false
	}
	return clean(p[:i]), strings.TrimPrefix(p[i+1:], "/"), true
}

func parseStartsWith(filter string) (string, bool) {
	v, ok := strings.CutPrefix(filter, "startswith(name,'")
	if !ok {
		return "", false
	}
	v, ok = strings.CutSuffix(v, "')")
	if !ok {
		return "", false
	}
	return strings.ReplaceAll(v, "''", "'"), true
}

func parseContentRange(h string) (start, end, total int64, err error) {
	v, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content range %q", h)
	}
	if _, err = fmt.Sscanf(v, "%d-%d/%d", &start, &end, &total); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content range %q: %w", h, err)
	}
	if start < 0 || end < start || end >= total {
		return 0, 0, 0, fmt.Errorf("invalid content range %q", h)
	}
	return start, end, total, nil
}

func clean(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

func key(p string) string {
	return strings.ToLower(clean(p))
}

func dirOf(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func joinClean(parent, name string) string {
	if parent == "" {
		return clean(name)
	}
	return clean(parent + "/" + name)
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
