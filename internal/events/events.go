// Package events carries transfer notifications from the queue workers to observers.
// Publishing never blocks the producer.
package events

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindStatus             Kind = "status"
	KindFileUploaded       Kind = "file_uploaded"
	KindFileUploadFailed   Kind = "file_upload_failed"
	KindCountersChanged    Kind = "counters_changed"
	KindCycleCompleted     Kind = "cycle_completed"
	KindFileDownloaded     Kind = "file_downloaded"
	KindFileDownloadFailed Kind = "file_download_failed"
)

// Event is one notification. Only the fields relevant to Kind are populated.
type Event struct {
	Kind       Kind
	Time       time.Time
	Message    string
	LocalPath  string
	RemotePath string
	Size       int64
	Err        error
	Counters   *Counters
	Cycle      *CycleSummary
}

func (e Event) String() string {
	switch e.Kind {
	case KindFileUploaded, KindFileDownloaded:
		return fmt.Sprintf("%s %s -> %s (%d bytes)", e.Kind, e.LocalPath, e.RemotePath, e.Size)
	case KindFileUploadFailed, KindFileDownloadFailed:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.LocalPath, e.Err)
	case KindCountersChanged:
		return fmt.Sprintf("%s %+v", e.Kind, *e.Counters)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Message)
	}
}

// Counters is the observable queue state
type Counters struct {
	Pending  int64 `json:"pending"`
	Uploaded int64 `json:"uploaded"`
	Errors   int64 `json:"errors"`
}

// CycleSummary describes one finished transfer cycle
type CycleSummary struct {
	ID        string        `json:"id"`
	Attempted int           `json:"attempted"`
	Uploaded  int           `json:"uploaded"`
	Failed    int           `json:"failed"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
}

func Status(format string, args ...any) Event {
	return Event{Kind: KindStatus, Message: fmt.Sprintf(format, args...)}
}

func FileUploaded(localPath, remotePath string, size int64) Event {
	return Event{Kind: KindFileUploaded, LocalPath: localPath, RemotePath: remotePath, Size: size}
}

func FileUploadFailed(localPath string, err error) Event {
	return Event{Kind: KindFileUploadFailed, LocalPath: localPath, Err: err}
}

func CountersChanged(c Counters) Event {
	return Event{Kind: KindCountersChanged, Counters: &c}
}

func CycleCompleted(s CycleSummary) Event {
	return Event{Kind: KindCycleCompleted, Cycle: &s}
}

func FileDownloaded(localPath, remotePath string, size int64) Event {
	return Event{Kind: KindFileDownloaded, LocalPath: localPath, RemotePath: remotePath, Size: size}
}

func FileDownloadFailed(remotePath string, err error) Event {
	return Event{Kind: KindFileDownloadFailed, RemotePath: remotePath, Err: err}
}
