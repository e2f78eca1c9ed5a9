package orphan

type cursorState int

const (
	beforeFirst cursorState = iota
	positioned
	exhausted
)

// Cursor walks the bad chunks of a ScanResult. Several cursors may share one
// result; each keeps its own position. A cursor is not safe for concurrent use.
type Cursor struct {
	result *ScanResult
	state  cursorState
	index  int
}

// Result is the scan the cursor walks.
func (c *Cursor) Result() *ScanResult {
	return c.result
}

// HasNext reports whether Next would position the cursor on a chunk.
func (c *Cursor) HasNext() bool {
	switch c.state {
	case beforeFirst:
		return c.result.Len() > 0
	case positioned:
		return c.index+1 < c.result.Len()
	default:
		return false
	}
}

// Next advances to the following chunk. Past the last chunk the cursor is
// exhausted and Next returns ErrNoMoreResults.
func (c *Cursor) Next() (*BadChunk, error) {
	switch c.state {
	case beforeFirst:
		if c.result.Len() == 0 {
			c.state = exhausted
			return nil, ErrNoMoreResults
		}
		c.state, c.index = positioned, 0
	case positioned:
		if c.index+1 >= c.result.Len() {
			c.state = exhausted
			return nil, ErrNoMoreResults
		}
		c.index++
	default:
		return nil, ErrNoMoreResults
	}
	return c.result.BadChunks[c.index], nil
}

// Current returns the chunk under the cursor.
func (c *Cursor) Current() (*BadChunk, error) {
	if c.state != positioned {
		return nil, ErrNoCurrentChunk
	}
	return c.result.BadChunks[c.index], nil
}

// Rewind moves the cursor back before the first chunk.
func (c *Cursor) Rewind() {
	c.state, c.index = beforeFirst, 0
}

// Position is the index of the current chunk, -1 before the first chunk and
// Len() once exhausted.
func (c *Cursor) Position() int {
	switch c.state {
	case beforeFirst:
		return -1
	case positioned:
		return c.index
	default:
		return c.result.Len()
	}
}

// ListAll returns every bad chunk in order without moving the cursor.
func (c *Cursor) ListAll() []*BadChunk {
	out := make([]*BadChunk, len(c.result.BadChunks))
	copy(out, c.result.BadChunks)
	return out
}
