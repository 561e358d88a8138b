// Package chunk implements the chunk manager: it carves blocks handed to
// it by internal/heap into fixed-size slots across a fine-grained set of
// size-class bins, hands them to mutators as per-mutator allocation lists,
// and reclaims freed slots through a small Recycled Lists Cache that defers
// work on the hot free path.
package chunk

// NumBins is N_BINS: the number of small-object size classes.
const NumBins = 27

// binSizes is the bin-size table, walked once at Init; chkconv.binSize in
// the original chunk manager builds the same table by hand-appending each
// class in ascending order.
var binSizes = [NumBins]int{
	8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128,
	160, 192, 224, 256, 320, 384, 448, 512, 640, 768,
	1024, 1280, 2048, 4096, 8192,
}

// MaxSmallSize is the largest request this package serves directly; bigger
// requests are ALLOCBIG regions handled by internal/heap.
const MaxSmallSize = 8192

// szToBin maps every possible small-object request size to its bin index,
// built once by BinFor's init-time table the same way _initChunkConv walks
// j up to each target size.
var szToBin [MaxSmallSize + 1]int8

func init() {
	j := 0
	for i := 0; i < NumBins; i++ {
		target := binSizes[i]
		for ; j <= target; j++ {
			szToBin[j] = int8(i)
		}
	}
}

// BinFor returns the bin index serving a request of size bytes, or -1 if
// size exceeds MaxSmallSize.
func BinFor(size int) int {
	if size <= 0 {
		return 0
	}
	if size > MaxSmallSize {
		return -1
	}
	return int(szToBin[size])
}

// BinSize returns the slot size in bytes for bin.
func BinSize(bin int) int {
	return binSizes[bin]
}
