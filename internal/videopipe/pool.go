package videopipe

import (
	"bytes"
	"sync"
)

// jpegBufPool pools the bytes.Buffer used by softwareEncoder so repeated
// JPEG encodes don't reallocate their backing array every frame.
var jpegBufPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

func getJPEGBuffer() *bytes.Buffer {
	buf := jpegBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putJPEGBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 512*1024 {
		return
	}
	jpegBufPool.Put(buf)
}
