package fanout

import (
	"hash/fnv"
	"sort"
)

// PickLeader deterministically selects one member for key. The choice is advisory: it only
// keeps replicas from double counting side effects and may change whenever membership changes.
func PickLeader(members []string, key string) string {
	if len(members) == 0 {
		return ""
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return sorted[hasher.Sum32()%uint32(len(sorted))]
}
