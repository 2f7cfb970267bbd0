package transport

import "fmt"

const (
	tpacketAlign  = 16      // TPACKET_ALIGNMENT
	tpacketHdrLen = 52      // TPACKET3_HDRLEN, rounded
	maxBlockSize  = 4 << 20 // 4 MiB
)

// ringLayout is the PACKET_MMAP geometry for a TPACKET_V3 ring.
type ringLayout struct {
	frameSize int
	blockSize int
	numBlocks int
}

// computeRing sizes a ring of roughly bufferMB megabytes. The kernel wants
// frameSize aligned to TPACKET_ALIGNMENT and blockSize a multiple of both
// the page size and frameSize.
func computeRing(bufferMB, snapLen, pageSize int) (ringLayout, error) {
	switch {
	case bufferMB <= 0:
		return ringLayout{}, fmt.Errorf("ring buffer size must be positive, got %d MB", bufferMB)
	case snapLen <= 0:
		return ringLayout{}, fmt.Errorf("snap length must be positive, got %d", snapLen)
	case pageSize <= 0 || pageSize%tpacketAlign != 0:
		return ringLayout{}, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlign, pageSize)
	}

	frame := alignUp(tpacketHdrLen+snapLen, tpacketAlign)

	block := lcm(pageSize, frame)
	if block > maxBlockSize {
		// Fit as many whole frames as the cap allows, then round to pages.
		block = max(maxBlockSize/frame, 1) * frame
		block = alignUp(block, pageSize)
	}
	block = max(block, pageSize, frame)

	blocks := max((bufferMB<<20)/block, 1)
	return ringLayout{frameSize: frame, blockSize: block, numBlocks: blocks}, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
