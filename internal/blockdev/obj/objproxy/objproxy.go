// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectUploadDownloaderAt which performs
// prioritization of various requests.
package objproxy

import (
	"github.com/pkg/errors"
)

// ErrNotExist is returned by stores for missing objects.
var ErrNotExist = errors.New("object does not exist")

// Interface for object storage. Anything implementing this interface can be
// used as a storage backend of an image.
type ObjectUploadDownloaderAt interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Returns size in bytes of object identified by key. Missing object
	// has to be reported by ErrNotExist.
	GetObjectSize(key int64) (int64, error)

	// Deletes object identified by key.
	Delete(key int64) error

	// Deletes object identified by key and all successive objects. Needed
	// for cleaning up objects written after the last checkpoint.
	DeleteKeyAndSuccessors(key int64) error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like the mirror job populating the image or garbage
// collection do not slow down guest I/O.
type ObjectProxy struct {
	Instance ObjectUploadDownloaderAt

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request
	quit          chan struct{}
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func New(storeInstance ObjectUploadDownloaderAt, uploaders, downloaders int) *ObjectProxy {
	if uploaders <= 0 {
		uploaders = 1
	}

	if downloaders <= 0 {
		downloaders = 1
	}

	s := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	for i := 0; i < s.uploaders; i++ {
		go s.uploadWorker()
	}

	for i := 0; i < s.downloaders; i++ {
		go s.downloadWorker()
	}

	return s
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	done := make(chan error)
	c <- request{key: key, data: body, done: done}
	return <-done
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	done := make(chan error)
	c <- request{key, chunk, offset, done}
	return <-done
}

// Stops all workers. No request can be sent afterwards.
func (p *ObjectProxy) Stop() {
	close(p.quit)
}

// Generic function for prioritization used by both, uploader and downloader
// workers. ok is false when the proxy is stopped.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (r request, ok bool) {
	select {
	case r = <-prio:
		return r, true
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *ObjectProxy) uploadWorker() {
	for {
		r, ok := p.receiveRequest(p.uploadsPrio, p.uploads)
		if !ok {
			return
		}

		r.done <- p.Instance.Upload(r.key, r.data)
	}
}

// Download worker just calls DownloadAt() on the instance provided in New().
func (p *ObjectProxy) downloadWorker() {
	for {
		r, ok := p.receiveRequest(p.downloadsPrio, p.downloads)
		if !ok {
			return
		}

		r.done <- p.Instance.DownloadAt(r.key, r.data, r.offset)
	}
}
