// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package obj

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/blockdev"
	"github.com/asch/blkmirror/internal/blockdev/obj/key"
	"github.com/asch/blkmirror/internal/blockdev/obj/mapproxy"
	"github.com/asch/blkmirror/internal/blockdev/obj/mapproxy/sectormap"
	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy"
	"github.com/asch/blkmirror/internal/metrics"
)

const (
	// Sector is a linux constant, which is always 512, no matter how big
	// your blocks are. Block sizes of images are multiples of it.
	sectorUnit = 512

	// Data objects carry no header, the data start at the first block.
	startOfData = 0
)

// Options of the driver. NewStore gets the filename without the protocol
// prefix and returns the store of that image, e.g. a bucket prefix.
type Options struct {
	Format   string
	NewStore func(path string) (objproxy.ObjectUploadDownloaderAt, error)

	// Geometry of images created on first open.
	Size      int64
	BlockSize int64

	// Number of go routines uploading and downloading objects.
	Uploaders   int
	Downloaders int

	// Period of the background checkpoint and dead object collection.
	// Zero disables it, then only flush and close collect.
	GCInterval time.Duration
}

// Driver returns the driver for images in stores created by o.NewStore.
func Driver(o Options) *blockdev.Driver {
	return &blockdev.Driver{
		Format:   o.Format,
		Protocol: o.Format,
		Open: func(d *blockdev.Device, filename string, flags blockdev.Flags) (blockdev.Impl, error) {
			return open(d, o, blockdev.StripPrefix(filename, o.Format), flags)
		},
	}
}

// image is an opened object image. It implements blockdev.ReadWriter, hence
// the block layer calls it from its worker pool.
type image struct {
	dev      *blockdev.Device
	name     string
	readOnly bool

	// Guards the manifest.
	mu       sync.Mutex
	manifest manifest

	blockSize int64

	// Proxy struct for the operations on objects like uploads, downloads
	// etc. Proxy structs are used for serialization and prioritization of
	// requests.
	objectStoreProxy *objproxy.ObjectProxy

	// Proxy struct for the operations on extent map like updates, lookups
	// etc.
	extentMapProxy *mapproxy.ExtentMapProxy

	keys key.Counter

	// Sequential number of the last write or discard.
	seq atomic.Int64

	// Aligned writes hold it shared, read-modify-write exclusively.
	rmw sync.RWMutex

	// Data private to the garbage collection process.
	gcData struct {
		// Reference counter of objects which are actually downloaded
		// and hence cannot be deleted from the storage backend.
		refcounter map[int64]int64

		// Lock guarding the refcounter.
		reflock sync.Mutex
	}

	quit chan struct{}
	wg   sync.WaitGroup
}

func open(d *blockdev.Device, o Options, path string, flags blockdev.Flags) (*image, error) {
	store, err := o.NewStore(path)
	if err != nil {
		return nil, errors.Wrapf(err, "store of %s", path)
	}

	readOnly := flags&blockdev.ReadWrite == 0

	m, err := loadManifest(store)
	if errors.Is(err, objproxy.ErrNotExist) && !readOnly {
		m, err = createManifest(store, o.Size, o.BlockSize)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "manifest of %s", path)
	}

	img := &image{
		dev:              d,
		name:             path,
		readOnly:         readOnly,
		manifest:         m,
		blockSize:        m.BlockSize,
		objectStoreProxy: objproxy.New(store, o.Uploaders, o.Downloaders),
		extentMapProxy:   mapproxy.New(sectormap.New(m.Size / m.BlockSize)),
		quit:             make(chan struct{}),
	}
	img.gcData.refcounter = make(map[int64]int64)

	if err := img.restore(); err != nil {
		img.stop()
		return nil, errors.Wrapf(err, "restore %s", path)
	}

	if !readOnly && o.GCInterval > 0 {
		img.wg.Add(1)
		go img.gcDead(o.GCInterval)
	}

	return img, nil
}

func createManifest(store objproxy.ObjectUploadDownloaderAt, size, blockSize int64) (manifest, error) {
	m := manifest{Size: size, BlockSize: blockSize}
	if err := m.validate(); err != nil {
		return m, err
	}

	buf, err := m.encode()
	if err != nil {
		return m, err
	}

	if err := store.Upload(key.Manifest, buf); err != nil {
		return m, errors.Wrap(err, "upload manifest")
	}

	log.Info().Int64("size", size).Int64("block size", blockSize).Msg("Object image created.")

	return m, nil
}

// Restores the map from the checkpoint saved on the backend, if it exists, and
// updates the key counter accordingly. Objects uploaded after the checkpoint
// are not referenced by the map and are deleted.
func (img *image) restore() error {
	var next int64

	mapSize, err := img.objectStoreProxy.Instance.GetObjectSize(key.Checkpoint)
	switch {
	case errors.Is(err, objproxy.ErrNotExist):
	case err != nil:
		return err
	default:
		compressedMap := make([]byte, mapSize)
		if err := img.objectStoreProxy.Download(key.Checkpoint, compressedMap, 0, false); err != nil {
			return errors.Wrap(err, "download checkpoint")
		}

		next, err = img.extentMapProxy.Instance.DeserializeAndReturnNextKey(compressedMap)
		if err != nil {
			return err
		}
	}

	img.keys.Replace(next)
	log.Info().Str("image", img.name).Int64("key after checkpoint", next).Send()

	if img.readOnly {
		return nil
	}

	return img.objectStoreProxy.Instance.DeleteKeyAndSuccessors(next)
}

// Serializes extent map and uploads it to the backend. Objects dead at the
// time of serialization are collected afterwards.
func (img *image) checkpoint() error {
	dump, dead, err := img.extentMapProxy.Serialize()
	if err != nil {
		return err
	}

	if err := img.objectStoreProxy.Upload(key.Checkpoint, dump, false); err != nil {
		return errors.Wrap(err, "upload checkpoint")
	}
	metrics.RecordObjCheckpoint(img.name)

	img.removeNonReferencedDeadObjects(dead)

	return nil
}

func (img *image) stop() {
	img.objectStoreProxy.Stop()
	img.extentMapProxy.Stop()
}

func (img *image) Length() (int64, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.manifest.Size, nil
}

// Close stops the garbage collector, checkpoints the map and stops the
// proxies.
func (img *image) Close() error {
	close(img.quit)
	img.wg.Wait()

	var err error
	if !img.readOnly {
		err = img.checkpoint()
	}

	img.stop()

	return err
}

func (img *image) Flush(ctx context.Context) error {
	if img.readOnly {
		return nil
	}

	return img.checkpoint()
}

func (img *image) BackingFile() (string, string) {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.manifest.BackingFile, img.manifest.BackingFormat
}

func (img *image) ChangeBackingFile(file, format string) error {
	if img.readOnly {
		return blockdev.ErrReadOnly
	}

	img.mu.Lock()
	defer img.mu.Unlock()

	m := img.manifest
	m.BackingFile = file
	m.BackingFormat = format

	buf, err := m.encode()
	if err != nil {
		return err
	}

	if err := img.objectStoreProxy.Upload(key.Manifest, buf, false); err != nil {
		return errors.Wrap(err, "upload manifest")
	}

	img.manifest = m

	return nil
}

func (img *image) ReadAt(p []byte, off int64) error {
	n := int64(len(p))
	if err := img.checkRange(off, n); err != nil {
		return err
	}

	if n == 0 {
		return nil
	}

	first, last := img.blocks(off, n)
	if img.aligned(off, n) {
		return img.readBlocks(p, first, last-first)
	}

	buf := make([]byte, (last-first)*img.blockSize)
	if err := img.readBlocks(buf, first, last-first); err != nil {
		return err
	}
	copy(p, buf[off-first*img.blockSize:])

	return nil
}

func (img *image) WriteAt(p []byte, off int64) error {
	if img.readOnly {
		return blockdev.ErrReadOnly
	}

	n := int64(len(p))
	if err := img.checkRange(off, n); err != nil {
		return err
	}

	if n == 0 {
		return nil
	}

	first, last := img.blocks(off, n)
	if img.aligned(off, n) {
		img.rmw.RLock()
		defer img.rmw.RUnlock()

		return img.writeBlocks(p, first)
	}

	img.rmw.Lock()
	defer img.rmw.Unlock()

	buf := make([]byte, (last-first)*img.blockSize)
	if err := img.readBlocks(buf, first, last-first); err != nil {
		return errors.Wrap(err, "read for partial block write")
	}
	copy(buf[off-first*img.blockSize:], p)

	return img.writeBlocks(buf, first)
}

// Discard unmaps whole blocks in the range. Partial blocks at the ends are
// kept.
func (img *image) Discard(off, n int64) error {
	if img.readOnly {
		return blockdev.ErrReadOnly
	}

	if err := img.checkRange(off, n); err != nil {
		return err
	}

	first := (off + img.blockSize - 1) / img.blockSize
	end := (off + n) / img.blockSize
	if end <= first {
		return nil
	}

	img.rmw.RLock()
	defer img.rmw.RUnlock()

	img.extentMapProxy.Discard(mapproxy.Extent{
		Sector: first,
		Length: end - first,
		SeqNo:  img.seq.Add(1),
	})

	return nil
}

func (img *image) IsAllocated(ctx context.Context, off, n int64) (bool, int64, error) {
	if err := img.checkRange(off, n); err != nil {
		return false, 0, err
	}

	if n == 0 {
		return false, 0, nil
	}

	first, last := img.blocks(off, n)
	mapped, blocks := img.extentMapProxy.Allocated(first, last-first)

	pnum := (first+blocks)*img.blockSize - off
	if pnum > n {
		pnum = n
	}

	return mapped, pnum, nil
}

// Uploads data as a new object and maps it at block first. Writes are
// ordered by their sequential numbers, so a write uploaded later than a newer
// overlapping one does not overwrite it in the map.
func (img *image) writeBlocks(data []byte, first int64) error {
	k := img.keys.Next()
	seq := img.seq.Add(1)

	if err := img.objectStoreProxy.Upload(k, data, true); err != nil {
		return errors.Wrapf(err, "upload object %d", k)
	}

	img.extentMapProxy.Update([]mapproxy.Extent{{
		Sector: first,
		Length: int64(len(data)) / img.blockSize,
		SeqNo:  seq,
	}}, startOfData, k)

	return nil
}

// Read blocks starting at first to the buffer chunk. It consults the extent
// map and downloads all needed pieces in parallel. Unmapped pieces are read
// from the backing device.
func (img *image) readBlocks(chunk []byte, first, length int64) error {
	objectPieces := img.getObjectPiecesRefCounterInc(first, length)
	defer img.objectPiecesRefCounterDec(objectPieces)

	errs := make(chan error, len(objectPieces))

	var wg sync.WaitGroup
	pos := first * img.blockSize
	for _, op := range objectPieces {
		size := op.Length * img.blockSize
		wg.Add(1)
		go func(op mapproxy.ObjectPart, buf []byte, off int64) {
			defer wg.Done()
			errs <- img.readPiece(op, buf, off)
		}(op, chunk[:size], pos)
		chunk = chunk[size:]
		pos += size
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func (img *image) readPiece(op mapproxy.ObjectPart, buf []byte, off int64) error {
	if op.Key != mapproxy.NotMappedKey {
		err := img.objectStoreProxy.Download(op.Key, buf, op.Sector*img.blockSize, true)
		return errors.Wrapf(err, "download object %d", op.Key)
	}

	clear(buf)

	backing := img.dev.Backing()
	if backing == nil {
		return nil
	}

	length, err := backing.Length()
	if err != nil {
		return err
	}

	if off >= length {
		return nil
	}

	if n := length - off; n < int64(len(buf)) {
		buf = buf[:n]
	}

	return backing.Read(context.Background(), buf, off)
}

// Returns object pieces for reconstructing logical extent but before that
// safely increments the refcounter for the objects. Objects in refcounter are
// excluded from garbage collection.
func (img *image) getObjectPiecesRefCounterInc(first, length int64) []mapproxy.ObjectPart {
	img.gcData.reflock.Lock()
	defer img.gcData.reflock.Unlock()

	objectPieces := img.extentMapProxy.Lookup(first, length)

	for _, op := range objectPieces {
		img.gcData.refcounter[op.Key]++
	}

	return objectPieces
}

// Decrements the refcounter for the object pieces.
func (img *image) objectPiecesRefCounterDec(objectPieces []mapproxy.ObjectPart) {
	img.gcData.reflock.Lock()
	defer img.gcData.reflock.Unlock()

	for _, op := range objectPieces {
		img.gcData.refcounter[op.Key]--
	}
}

// Returns the range of blocks covering the byte range, the last one
// exclusive.
func (img *image) blocks(off, n int64) (int64, int64) {
	return off / img.blockSize, (off + n + img.blockSize - 1) / img.blockSize
}

func (img *image) aligned(off, n int64) bool {
	return off%img.blockSize == 0 && n%img.blockSize == 0
}

func (img *image) checkRange(off, n int64) error {
	size, _ := img.Length()
	if off < 0 || n < 0 || off+n > size {
		return errors.Wrapf(blockdev.ErrOutOfRange, "offset %d length %d", off, n)
	}

	return nil
}
