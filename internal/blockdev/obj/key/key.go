// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized access to the object key counter of an image.
package key

import (
	"sync"
)

const (
	// Key of the object with serialized extent map.
	Checkpoint = -1

	// Key of the object with image manifest.
	Manifest = -2
)

// Counter hands out object keys. Every image has its own, keys are never
// reused within one image.
type Counter struct {
	mutex sync.Mutex
	key   int64
}

// Returns value of currently unassigned key. It is forbidden to use this key
// for creating a new object without calling Next() function. I.e. this key can
// be used for the next object.
func (c *Counter) Current() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.key
}

// Returns value of currently unassigned key and increments, hence the counter
// contains unassigned key again.
func (c *Counter) Next() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.key
	c.key++

	return tmp
}

// Replaces the value of the next unassigned key.
func (c *Counter) Replace(newKey int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.key = newKey
}
