// Package shard picks a bucket for a string key so per-user and
// per-conversation maps can be split across independent locks.
package shard

import "hash/fnv"

// Count is the number of buckets used by sharded maps in the core.
const Count = 32

// Of returns the bucket index of key in [0, Count).
func Of(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % Count
}
