// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package obj is an image driver storing data in object storage. Every write
// is uploaded as a new object under a key one higher than the previous one and
// an extent map keeps the mapping between the image space and the objects.
// Objects without live data are deleted by the garbage collector.
//
// Besides data objects each image has two special ones. The manifest holds
// size, block size and the backing file of the image, the checkpoint holds the
// serialized extent map. The checkpoint is written on flush, periodically by
// the garbage collector and on close. Writes not covered by a checkpoint are
// lost in a crash, which is fine for a mirror target since the mirror is
// restarted from scratch after a crash anyway.
//
// The driver defines two interfaces. One for the extent map and one for the
// storage backend operations. Both parts can be changed just by implementing
// the corresponding interface.
package obj
