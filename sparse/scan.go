package sparse

import (
	"fmt"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
)

// scanCursor walks the payload of a sparse image pixel by pixel. It keeps
// the counts still outstanding from the run last read, so a scan can stop
// and resume in the middle of a run.
type scanCursor struct {
	data []byte // payload bytes
	pos  int

	inactive    int // inactive pixels left in the current run
	active      int // active pixels left in the current run
	activeFrags int // active fragments left in the current run (layered)

	fragSize int
	layered  bool
}

func newScanCursor(img *Image) scanCursor {
	return scanCursor{
		data:     img.payload(),
		fragSize: img.FragmentSize(),
		layered:  img.Layered(),
	}
}

// loadRuns reads run-length blocks until the cursor has pixels queued.
// Runs with both counts zero are tolerated and skipped.
func (c *scanCursor) loadRuns() error {
	rl := runLengthSize
	if c.layered {
		rl = runLengthSizeLayered
	}
	for c.inactive == 0 && c.active == 0 {
		if c.pos+rl > len(c.data) {
			return fmt.Errorf("sparse: run past end of stream: %w: %w",
				ErrCorrupt, compositor.ErrInvalidValue)
		}
		c.inactive = int(wire.ByteOrder.Uint32(c.data[c.pos:]))
		c.active = int(wire.ByteOrder.Uint32(c.data[c.pos+4:]))
		if c.layered {
			c.activeFrags = int(wire.ByteOrder.Uint32(c.data[c.pos+8:]))
		}
		c.pos += rl
	}
	return nil
}

// scanFragments iterates the per-pixel fragment counts of numPixels layered
// active pixels starting at pos, returning the total fragment count and the
// byte length of those pixels. Fragment totals are only recorded per whole
// run, so a partial run can only be measured this way.
func scanFragments(data []byte, pos, numPixels, fragSize int) (frags, numBytes int, err error) {
	start := pos
	for i := 0; i < numPixels; i++ {
		if pos+4 > len(data) {
			return 0, 0, fmt.Errorf("sparse: pixel header past end of stream: %w: %w",
				ErrCorrupt, compositor.ErrInvalidValue)
		}
		k := int(wire.ByteOrder.Uint32(data[pos:]))
		pos += 4 + k*fragSize
		if pos > len(data) {
			return 0, 0, fmt.Errorf("sparse: fragment data past end of stream: %w: %w",
				ErrCorrupt, compositor.ErrInvalidValue)
		}
		frags += k
	}
	return frags, pos - start, nil
}

// runWriter emits a well-formed run stream into a destination buffer. Runs
// are reserved when opened and their counts patched when closed, so a
// destination that aliases the tail of its own source never writes ahead of
// the reader.
type runWriter struct {
	w       *wire.Writer
	layered bool

	runPos   int // position of the open run's length block, or -1
	inactive int
	active   int
	frags    int
}

func newRunWriter(w *wire.Writer, layered bool) runWriter {
	return runWriter{w: w, layered: layered, runPos: -1}
}

func (rw *runWriter) runLengthSize() int {
	if rw.layered {
		return runLengthSizeLayered
	}
	return runLengthSize
}

func (rw *runWriter) open() error {
	rw.runPos = rw.w.Pos()
	rw.inactive, rw.active, rw.frags = 0, 0, 0
	return rw.w.Skip(rw.runLengthSize())
}

// flush patches the open run's counts without closing it.
func (rw *runWriter) flush() error {
	if rw.runPos < 0 {
		return nil
	}
	if err := rw.w.PatchUint32(rw.runPos, uint32(rw.inactive)); err != nil {
		return err
	}
	if err := rw.w.PatchUint32(rw.runPos+4, uint32(rw.active)); err != nil {
		return err
	}
	if rw.layered {
		return rw.w.PatchUint32(rw.runPos+8, uint32(rw.frags))
	}
	return nil
}

// addInactive appends n inactive pixels. If an active segment is in
// progress the current run is closed and a new one opened, since a run's
// inactive pixels precede its active pixels.
func (rw *runWriter) addInactive(n int) error {
	if n == 0 {
		return nil
	}
	if rw.runPos < 0 || rw.active > 0 {
		if err := rw.flush(); err != nil {
			return err
		}
		if err := rw.open(); err != nil {
			return err
		}
	}
	rw.inactive += n
	return nil
}

// addActive appends n active pixels whose packed data is in data, carrying
// frags fragments (n for flat streams).
func (rw *runWriter) addActive(n, frags int, data []byte) error {
	if n == 0 {
		return nil
	}
	if rw.runPos < 0 {
		if err := rw.open(); err != nil {
			return err
		}
	}
	if err := rw.w.Bytes(data); err != nil {
		return err
	}
	rw.active += n
	rw.frags += frags
	return nil
}

// beginActivePixel makes sure a run is open for an active pixel the caller
// writes directly through the underlying writer. The caller must write
// exactly the pixel's packed bytes and then call countActivePixel.
func (rw *runWriter) beginActivePixel() error {
	if rw.runPos < 0 {
		return rw.open()
	}
	return nil
}

// countActivePixel accounts for one active pixel whose bytes the caller
// wrote directly through the underlying writer.
func (rw *runWriter) countActivePixel(frags int) {
	rw.active++
	rw.frags += frags
}

// close patches the final run. Every stream ends with a close.
func (rw *runWriter) close() error {
	return rw.flush()
}

// scanPixels advances the cursor by numPixels logical pixels. If rw is
// non-nil the scanned pixels are also appended to it, extending whatever
// run it has in progress when the run kind matches.
func scanPixels(c *scanCursor, numPixels int, rw *runWriter) error {
	left := numPixels
	for left > 0 {
		if c.inactive == 0 && c.active == 0 {
			if err := c.loadRuns(); err != nil {
				return err
			}
		}

		if n := min(c.inactive, left); n > 0 {
			if rw != nil {
				if err := rw.addInactive(n); err != nil {
					return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
				}
			}
			c.inactive -= n
			left -= n
		}
		if left == 0 {
			break
		}

		var n, frags, numBytes int
		if c.layered {
			if c.active <= left {
				// The rest of the run is consumed whole, so the
				// fragment total is already known.
				n = c.active
				frags = c.activeFrags
				numBytes = n*4 + frags*c.fragSize
			} else {
				var err error
				n = left
				frags, numBytes, err = scanFragments(c.data, c.pos, n, c.fragSize)
				if err != nil {
					return err
				}
			}
		} else {
			n = min(c.active, left)
			numBytes = n * c.fragSize
		}
		if n > 0 {
			if c.pos+numBytes > len(c.data) {
				return fmt.Errorf("sparse: active pixels past end of stream: %w: %w",
					ErrCorrupt, compositor.ErrInvalidValue)
			}
			if rw != nil {
				if err := rw.addActive(n, frags, c.data[c.pos:c.pos+numBytes]); err != nil {
					return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
				}
			}
			c.pos += numBytes
			c.active -= n
			c.activeFrags -= frags
			left -= n
		}
	}
	return nil
}
