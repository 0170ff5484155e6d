// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Sectormap package provides implementation of ExtentMapper interface. It
// implements high efficient mapping with block granularity. More details are
// in the SectorMap struct description.
package sectormap

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/asch/blkmirror/internal/blockdev/obj/mapproxy"
)

const (
	// How many objects parts is the typical result for one extent lookup.
	// This is just for initial allocation of the returned array. In the
	// worst case reallocation happens.
	typicalObjectPartsPerLookup = 64

	notMappedKey = mapproxy.NotMappedKey
)

// Description of the sector. It provides information about corresponding
// sector in the object and object identification.
type SectorMetadata struct {
	// Sector in the object.
	Sector int64

	// Key of the object.
	Key int64

	// Sequential number of the last write or discard of this sector.
	SeqNo int64

	// Reserved for future usage.
	Flag int64
}

// Implementation of the ExtentMapper interface hence serving as an extent map.
// Every sector of the image has its metadata stored in one continuous array,
// so lookups are linear scans, which are very fast on modern CPUs. The memory
// usage does not depend on how much of the image is written. 4k sectors cost
// 32 bytes per 4k of image, i.e. 8GB for 1TB image, larger sectors shrink it
// proportionally.
//
// This structure is serialized by gobs hence it has to be exported and all its
// attributes as well.
type SectorMap struct {
	Sectors         []SectorMetadata
	ObjUtilizations map[int64]int64
	DeadObjs        map[int64]struct{}
}

// Returns new instance of the sector map. The map should not be used directly
// because it does not support concurrent access.
func New(length int64) *SectorMap {
	sectors := make([]SectorMetadata, length)

	for i := range sectors {
		sectors[i].Key = notMappedKey
	}

	return &SectorMap{
		Sectors:         sectors,
		ObjUtilizations: make(map[int64]int64),
		DeadObjs:        make(map[int64]struct{}),
	}
}

// Updates sectors in the map with new values from extents. startOfDataSectors
// is the first sector with data in the object and key is the key of the
// object.
func (m *SectorMap) Update(extents []mapproxy.Extent, startOfDataSectors, key int64) {
	m.ObjUtilizations[key] = 0

	for _, e := range extents {
		m.updateExtent(e, startOfDataSectors, key)
		startOfDataSectors += e.Length
	}

	// A write overtaken by newer writes of all its sectors never gets
	// into the map.
	if m.ObjUtilizations[key] == 0 {
		delete(m.ObjUtilizations, key)
		m.DeadObjs[key] = struct{}{}
	}
}

// Drops one reference of the object owning s.
func (m *SectorMap) unreference(s *SectorMetadata) {
	if s.Key == notMappedKey {
		return
	}

	m.ObjUtilizations[s.Key]--
	if m.ObjUtilizations[s.Key] == 0 {
		delete(m.ObjUtilizations, s.Key)
		m.DeadObjs[s.Key] = struct{}{}
	}
}

// Update one sector.
func (m *SectorMap) updateSector(key int64, s *SectorMetadata, targetSector int64, e mapproxy.Extent) {
	m.ObjUtilizations[key]++
	m.unreference(s)

	s.Sector = targetSector
	s.Key = key
	s.SeqNo = e.SeqNo
	s.Flag = e.Flag
}

// Updates an extent. It checks whether the write is actually newer than write
// already in the map. Like this we always keep the map consistent.
func (m *SectorMap) updateExtent(e mapproxy.Extent, startOfDataSectors, key int64) {
	targetSector := startOfDataSectors
	for i := e.Sector; i < e.Sector+e.Length; i++ {
		s := &m.Sectors[i]
		if s.SeqNo <= e.SeqNo {
			m.updateSector(key, s, targetSector, e)
		}
		targetSector++
	}
}

// Unmaps sectors of the extent unless they were written by a newer write.
func (m *SectorMap) Discard(e mapproxy.Extent) {
	for i := e.Sector; i < e.Sector+e.Length; i++ {
		s := &m.Sectors[i]
		if s.SeqNo > e.SeqNo {
			continue
		}

		m.unreference(s)

		s.Sector = 0
		s.Key = notMappedKey
		s.SeqNo = e.SeqNo
		s.Flag = e.Flag
	}
}

// Returns all ObjectParts from which extent starting at sector with length
// length can be reconstructed. Consecutive unmapped sectors form one part.
func (m *SectorMap) Lookup(sector, length int64) []mapproxy.ObjectPart {
	parts := make([]mapproxy.ObjectPart, 0, typicalObjectPartsPerLookup)
	s := m.Sectors[sector].Sector
	l := int64(1)
	for i := int64(1); i < length; i++ {
		id := sector + i
		// The next sector is not from the same extent. Store part into
		// the returned value and begin new extent.
		if (m.Sectors[id].Key != m.Sectors[id-1].Key ||
			m.Sectors[id].Sector != m.Sectors[id-1].Sector+1) &&
			(m.Sectors[id].Key != notMappedKey || m.Sectors[id-1].Key != notMappedKey) {

			parts = append(parts, mapproxy.ObjectPart{
				Sector: s,
				Length: l,
				Key:    m.Sectors[id-1].Key,
			})
			s = m.Sectors[id].Sector
			l = 1
		} else {
			l++
		}
	}
	parts = append(parts, mapproxy.ObjectPart{
		Sector: s,
		Length: l,
		Key:    m.Sectors[sector+length-1].Key,
	})
	return parts
}

// Returns whether the sector is mapped and how many following sectors, up to
// length, share the state.
func (m *SectorMap) Allocated(sector, length int64) (bool, int64) {
	mapped := m.Sectors[sector].Key != notMappedKey

	n := int64(1)
	for n < length && (m.Sectors[sector+n].Key != notMappedKey) == mapped {
		n++
	}

	return mapped, n
}

// Returns copy of deadObjects. These are objects with no valid data which can
// be deleted.
func (m *SectorMap) DeadObjects() map[int64]struct{} {
	deadObjects := make(map[int64]struct{}, len(m.DeadObjs))

	for k := range m.DeadObjs {
		deadObjects[k] = struct{}{}
	}

	return deadObjects
}

// Deletes objects with keys from deadObjects from dead objects.
func (m *SectorMap) DeleteFromDeadObjects(deadObjects map[int64]struct{}) {
	for k := range deadObjects {
		delete(m.DeadObjs, k)
	}
}

// Returns serialized version of the map with go gobs.
func (m *SectorMap) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode sector map")
	}

	return buf.Bytes(), nil
}

// Deserializes map from buf which was previously serialized by Serialize(). It
// restores the map and structures representing object utilization and dead
// objects. All sequential numbers are zeroed since writes after restore start
// counting from the beginning. Checkpoints of a different size are cut or
// extended to the size of the map.
func (m *SectorMap) DeserializeAndReturnNextKey(buf []byte) (int64, error) {
	intendedSize := len(m.Sectors)

	var restored SectorMap
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&restored); err != nil {
		return 0, errors.Wrap(err, "decode sector map")
	}

	sectors := make([]SectorMetadata, intendedSize)
	n := copy(sectors, restored.Sectors)
	for i := n; i < intendedSize; i++ {
		sectors[i].Key = notMappedKey
	}

	m.Sectors = sectors
	m.ObjUtilizations = restored.ObjUtilizations
	m.DeadObjs = restored.DeadObjs
	if m.ObjUtilizations == nil {
		m.ObjUtilizations = make(map[int64]int64)
	}
	if m.DeadObjs == nil {
		m.DeadObjs = make(map[int64]struct{})
	}

	var maxKey int64 = notMappedKey
	for i := range m.Sectors {
		if m.Sectors[i].Key > maxKey {
			maxKey = m.Sectors[i].Key
		}
		m.Sectors[i].SeqNo = 0
	}

	for k := range m.DeadObjs {
		if k > maxKey {
			maxKey = k
		}
	}

	return maxKey + 1, nil
}
