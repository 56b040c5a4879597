package usrsock

import "io"

// DataIn describes where the payload of a receive-type reply lands: a sequence of destination
// spans, a cursor, and the total number of bytes the spans can take.
type DataIn struct {
	spans [][]byte
	pos   int
	total int
}

// SetupDataIn stages spans for the data reply to the request currently set up on c. The spans are
// not validated; the caller keeps them valid and disjoint until the request is torn down.
func (c *Conn) SetupDataIn(spans [][]byte) {
	c.resp.mu.Lock()
	defer c.resp.mu.Unlock()

	d := &c.resp.datain
	d.spans = spans
	d.pos = 0
	d.total = 0
	for _, span := range spans {
		d.total += len(span)
	}
	c.resp.dataSeq = c.reqseq.Load()
	c.resp.staged = true
}

// WriteDataIn scatters the payload of the data reply to request seq. A reply to any other request,
// or one arriving after the staging was cleared, is refused with ErrStaleReply and touches nothing.
func (c *Conn) WriteDataIn(seq uint32, p []byte) (int, error) {
	c.resp.mu.Lock()
	defer c.resp.mu.Unlock()

	if !c.resp.staged || c.resp.dataSeq != seq {
		return 0, ErrStaleReply
	}
	return c.resp.datain.Write(p)
}

// ClearDataIn drops the staged spans. Once it returns no reply writes into them.
func (c *Conn) ClearDataIn() {
	c.resp.mu.Lock()
	defer c.resp.mu.Unlock()

	c.resp.datain = DataIn{}
	c.resp.dataSeq = 0
	c.resp.staged = false
}

// DataIn exposes the staging bookkeeping to the owner of the outstanding request.
func (c *Conn) DataIn() *DataIn { return &c.resp.datain }

func (d *DataIn) Spans() [][]byte { return d.spans }
func (d *DataIn) Pos() int        { return d.pos }
func (d *DataIn) Total() int      { return d.total }
func (d *DataIn) Remaining() int  { return d.total - d.pos }

// Advance moves the cursor by n bytes. Moving it past Total is fatal.
func (d *DataIn) Advance(n int) {
	assertf(n >= 0 && d.pos+n <= d.total, "datain advance", "cursor %d+%d beyond total %d", d.pos, n, d.total)
	d.pos += n
}

// Write scatters p into the spans starting at the cursor. Bytes that do not fit are dropped and
// reported with io.ErrShortWrite.
func (d *DataIn) Write(p []byte) (int, error) {
	written := 0
	off := d.pos
	for _, span := range d.spans {
		if len(p) == 0 {
			break
		}
		if off >= len(span) {
			off -= len(span)
			continue
		}
		n := copy(span[off:], p)
		p = p[n:]
		written += n
		off = 0
	}
	d.Advance(written)

	if len(p) > 0 {
		return written, io.ErrShortWrite
	}
	return written, nil
}
