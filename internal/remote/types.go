package remote

import "time"

const conflictBehaviorKey = "@microsoft.graph.conflictBehavior"

// Item is a file or folder in the remote store
type Item struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	ETag            string           `json:"eTag"`
	Size            int64            `json:"size"`
	WebURL          string           `json:"webUrl,omitempty"`
	LastModified    time.Time        `json:"lastModifiedDateTime,omitempty"`
	ParentReference *ParentReference `json:"parentReference,omitempty"`
	Folder          *FolderFacet     `json:"folder,omitempty"`
	File            *FileFacet       `json:"file,omitempty"`
}

type ParentReference struct {
	DriveID string `json:"driveId"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
}

type FolderFacet struct {
	ChildCount int `json:"childCount"`
}

type FileFacet struct {
	MimeType string `json:"mimeType,omitempty"`
}

// ContainerID is the drive holding the item, falling back to fallback when the
// service omitted the parent reference
func (i *Item) ContainerID(fallback string) string {
	if i.ParentReference != nil && i.ParentReference.DriveID != "" {
		return i.ParentReference.DriveID
	}
	return fallback
}

func (i *Item) IsFolder() bool {
	return i.Folder != nil
}

// Query selects items for ListOrSearch. Search wins over Filter when both are set.
type Query struct {
	Folder string // slash path below the drive root; "" for the root
	Filter string // OData $filter expression
	Search string // free text
	Top    int    // page size hint
}

type itemPage struct {
	Value    []*Item `json:"value"`
	NextLink string  `json:"@odata.nextLink"`
}

type idResponse struct {
	ID string `json:"id"`
}

type createFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"`
}

type uploadSessionRequest struct {
	Item struct {
		ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
		Name             string `json:"name,omitempty"`
	} `json:"item"`
}

// UploadSession is a created resumable upload
type UploadSession struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges,omitempty"`
}
