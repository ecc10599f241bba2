package checksum

import (
	"sync"

	"github.com/corekit/coreflash/pkg/buffer"
)

var (
	poolsMu sync.Mutex
	pools   = map[int]*buffer.Pool{}
)

func poolFor(size int) *buffer.Pool {
	if size <= 0 {
		size = DefaultChunkSize
	}

	poolsMu.Lock()
	defer poolsMu.Unlock()

	p, ok := pools[size]
	if !ok {
		p = buffer.NewPool(size)
		pools[size] = p
	}
	return p
}
