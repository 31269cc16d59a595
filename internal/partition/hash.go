package partition

import "hash/fnv"

// Hash derives a stable partition id for a queue name, mod leafCount.
func Hash(queueName string, leafCount int) int32 {
	if leafCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(queueName))
	return int32(h.Sum32() % uint32(leafCount))
}
