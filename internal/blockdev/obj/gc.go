// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package obj

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/blkmirror/internal/blockdev/obj/objproxy"
	"github.com/asch/blkmirror/internal/metrics"
)

// Removes currently downloaded objects from the list of dead objects.
func (img *image) filterDownloadingObjects(deadObjects map[int64]struct{}) {
	img.gcData.reflock.Lock()
	defer img.gcData.reflock.Unlock()

	for k, v := range img.gcData.refcounter {
		if v == 0 {
			delete(img.gcData.refcounter, k)
		} else {
			delete(deadObjects, k)
		}
	}
}

// Deletes dead objects from the backend and forgets them in the map. Objects
// which fail to be deleted stay in the list of dead objects for the next run.
func (img *image) removeNonReferencedDeadObjects(deadObjects map[int64]struct{}) {
	img.filterDownloadingObjects(deadObjects)

	for k := range deadObjects {
		err := img.objectStoreProxy.Instance.Delete(k)
		if err != nil && !errors.Is(err, objproxy.ErrNotExist) {
			log.Info().Err(err).Int64("key", k).Send()
			delete(deadObjects, k)
		}
	}

	img.extentMapProxy.DeleteDeadObjects(deadObjects)
	metrics.RecordObjCollected(img.name, len(deadObjects))
}

// Dead GC loop. Every run checkpoints the map first, because only objects not
// referenced by the checkpoint can be deleted.
func (img *image) gcDead(interval time.Duration) {
	defer img.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-img.quit:
			return
		case <-ticker.C:
		}

		log.Trace().Str("image", img.name).Msg("Dead GC started.")
		if err := img.checkpoint(); err != nil {
			log.Info().Err(err).Str("image", img.name).Send()
		}
		log.Trace().Str("image", img.name).Msg("Dead GC finished.")
	}
}
