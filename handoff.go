package hbridge

// CopyForHandoff copies a buffer that is owned by someone else into a buffer owned by the caller. It must be called
// synchronously, before the data is handed to another goroutine, because the engine may reuse the original as soon
// as the current call returns. A nil buffer stays nil, an empty buffer becomes an empty non-nil buffer.
func CopyForHandoff(buf []byte) []byte {
	if buf == nil {
		return nil
	}

	owned := make([]byte, len(buf))
	copy(owned, buf)

	return owned
}
