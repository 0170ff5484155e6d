// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Mapproxy package is a proxy for structs with ExtentMapper interface. It
// serializes and prioritizes requests coming to the ExtentMapper and also
// improves cache locality since all operations are done by the same go
// routine.
package mapproxy

const (
	NotMappedKey = -1
)

// Provides mapping from logical extents presented by the image to the
// potentionaly mutliple extents in the backend storage. Furthermore it has to
// provide operations related to garbage collection and map checkpointing.
type ExtentMapper interface {
	Update(extents []Extent, startOfDataSectors, key int64)
	Discard(e Extent)
	Lookup(sector, length int64) []ObjectPart
	Allocated(sector, length int64) (bool, int64)
	DeleteFromDeadObjects(deadObjects map[int64]struct{})
	DeadObjects() map[int64]struct{}
	DeserializeAndReturnNextKey(buf []byte) (int64, error)
	Serialize() ([]byte, error)
}

// Proxy to the ExtentMapper. It serializes and prioritizes requests comming to
// the extent map and also improves cache locality since the map is always
// traversed by the same thread.
type ExtentMapProxy struct {
	// Accessed directly only before the first request is sent through the
	// proxy, e.g. during restore.
	Instance ExtentMapper

	// Channels for internal communication specific to one type of request.
	updateChan    chan updateRequest
	discardChan   chan discardRequest
	lookupChan    chan lookupRequest
	allocatedChan chan allocatedRequest

	// General low priority channel used for multiple types of requests.
	lockChan chan lockRequest

	quit chan struct{}
}

// Logical extent representation representing the image view.
type Extent struct {
	// Beginnig of the extent.
	Sector int64

	// Length of the extent. Extent is continuous.
	Length int64

	// Sequential number of write which wrote this extent
	SeqNo int64

	// Reserved for future usage.
	Flag int64
}

// Object part is extent in the object.
type ObjectPart struct {
	// First sector of the extent.
	Sector int64

	// Length of the extent. Extent is continuous.
	Length int64

	// Object where the extent is located.
	Key int64
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized and prioritized requests until Stop() is called.
func New(instance ExtentMapper) *ExtentMapProxy {
	m := &ExtentMapProxy{
		Instance:      instance,
		updateChan:    make(chan updateRequest),
		discardChan:   make(chan discardRequest),
		lookupChan:    make(chan lookupRequest),
		allocatedChan: make(chan allocatedRequest),
		lockChan:      make(chan lockRequest),
		quit:          make(chan struct{}),
	}

	go m.worker()

	return m
}

// Updates all extents specified in extents. startOfDataSectors is the first
// sector in the object with real data and key is the key of the object.
func (p *ExtentMapProxy) Update(extents []Extent, startOfDataSectors, key int64) {
	done := make(chan struct{})
	p.updateChan <- updateRequest{extents, startOfDataSectors, key, done}
	<-done
}

// Unmaps the extent.
func (p *ExtentMapProxy) Discard(e Extent) {
	done := make(chan struct{})
	p.discardChan <- discardRequest{e, done}
	<-done
}

// Finds all pieces from which the logical extent starting from sector with
// length length can be reconstructed.
func (p *ExtentMapProxy) Lookup(sector, length int64) []ObjectPart {
	reply := make(chan []ObjectPart)
	p.lookupChan <- lookupRequest{sector, length, reply}
	return <-reply
}

// Returns whether sector is mapped and the number of sectors in the same
// state.
func (p *ExtentMapProxy) Allocated(sector, length int64) (bool, int64) {
	reply := make(chan allocatedReply)
	p.allocatedChan <- allocatedRequest{sector, length, reply}
	r := <-reply
	return r.mapped, r.length
}

// Returns all dead objects. I.e. objects without any live data.
func (p *ExtentMapProxy) DeadObjects() map[int64]struct{} {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	tmp := p.Instance.DeadObjects()
	done <- struct{}{}

	return tmp
}

// Deletes all dead objects from dead objects list.
func (p *ExtentMapProxy) DeleteDeadObjects(deadObjects map[int64]struct{}) {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	p.Instance.DeleteFromDeadObjects(deadObjects)
	done <- struct{}{}
}

// Returns the serialized map together with the dead objects at the time of
// serialization.
func (p *ExtentMapProxy) Serialize() ([]byte, map[int64]struct{}, error) {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	dead := p.Instance.DeadObjects()
	buf, err := p.Instance.Serialize()
	done <- struct{}{}

	return buf, dead, err
}

// Stops the worker. No request can be sent afterwards.
func (p *ExtentMapProxy) Stop() {
	close(p.quit)
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type updateRequest struct {
	extents            []Extent
	startOfDataSectors int64
	key                int64
	done               chan struct{}
}

type discardRequest struct {
	extent Extent
	done   chan struct{}
}

type lookupRequest struct {
	sector int64
	length int64
	reply  chan []ObjectPart
}

type allocatedRequest struct {
	sector int64
	length int64
	reply  chan allocatedReply
}

type allocatedReply struct {
	mapped bool
	length int64
}

// The worker hands the map over to the requester and waits until it is
// handed back on the same channel.
type lockRequest struct {
	done chan struct{}
}

// Worker is doing prioritization and serialization of the requests. Updates,
// discards and lookups into the map have highest priority. All other request
// are low priority.
func (p *ExtentMapProxy) worker() {
	for {
		select {
		case u := <-p.updateChan:
			p.update(u)

		case d := <-p.discardChan:
			p.discard(d)

		case l := <-p.lookupChan:
			p.lookup(l)

		case <-p.quit:
			return

		default:
			select {
			case u := <-p.updateChan:
				p.update(u)

			case d := <-p.discardChan:
				p.discard(d)

			case l := <-p.lookupChan:
				p.lookup(l)

			case a := <-p.allocatedChan:
				p.allocated(a)

			case l := <-p.lockChan:
				<-l.done

			case <-p.quit:
				return
			}
		}
	}
}

func (p *ExtentMapProxy) update(r updateRequest) {
	p.Instance.Update(r.extents, r.startOfDataSectors, r.key)
	r.done <- struct{}{}
}

func (p *ExtentMapProxy) discard(r discardRequest) {
	p.Instance.Discard(r.extent)
	r.done <- struct{}{}
}

func (p *ExtentMapProxy) lookup(r lookupRequest) {
	r.reply <- p.Instance.Lookup(r.sector, r.length)
}

func (p *ExtentMapProxy) allocated(r allocatedRequest) {
	mapped, length := p.Instance.Allocated(r.sector, r.length)
	r.reply <- allocatedReply{mapped, length}
}
