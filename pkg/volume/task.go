package volume

import "sync"

// forEachRange applies fn to [lo, hi) fork-join style: ranges larger than
// threshold are halved and the halves processed concurrently, ranges at
// or below it run sequentially. fn receives disjoint sub-ranges and must
// be safe to call from multiple goroutines.
func forEachRange(lo, hi, threshold int, fn func(lo, hi int)) {
	if hi-lo <= threshold {
		if hi > lo {
			fn(lo, hi)
		}
		return
	}
	mid := lo + (hi-lo)/2
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		forEachRange(lo, mid, threshold, fn)
	}()
	forEachRange(mid, hi, threshold, fn)
	wg.Wait()
}
