// Package buf centralizes the pooled byte buffers used for head and body
// scratch space across pkg/server, pkg/client, and pkg/proxy, so every
// caller draws from the same bytebufferpool.Pool instead of allocating or
// maintaining separate pools per package.
package buf

import "github.com/valyala/bytebufferpool"

// Buffer is a growable, poolable byte buffer.
type Buffer = bytebufferpool.ByteBuffer

// Get returns a Buffer from the shared pool, reset to zero length.
func Get() *Buffer { return bytebufferpool.Get() }

// Put returns b to the shared pool. b must not be used after this call.
func Put(b *Buffer) { bytebufferpool.Put(b) }
