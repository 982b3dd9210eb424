// Package reshard implements the offline cluster-reshard coordinator: bin
// packing client keys by weight across master nodes, then migrating the
// hash slots those keys land on.
package reshard

import "sort"

// ToConstantBinNumber distributes weights into exactly binCount bins using
// first-fit-decreasing: heaviest keys are placed first, each into whichever
// bin currently has the smallest running total.
func ToConstantBinNumber(weights map[string]int, binCount int) [][]string {
	if binCount <= 0 {
		return nil
	}

	type item struct {
		key    string
		weight int
	}
	items := make([]item, 0, len(weights))
	for k, w := range weights {
		items = append(items, item{k, w})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].weight != items[j].weight {
			return items[i].weight > items[j].weight
		}
		return items[i].key < items[j].key
	})

	bins := make([][]string, binCount)
	totals := make([]int, binCount)
	for _, it := range items {
		target := 0
		for i := 1; i < binCount; i++ {
			if totals[i] < totals[target] {
				target = i
			}
		}
		bins[target] = append(bins[target], it.key)
		totals[target] += it.weight
	}
	return bins
}
