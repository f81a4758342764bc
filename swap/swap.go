// Package swap implements the binary-swap compositing engine.
//
// Binary swap reduces the sparse images of a group of communicator ranks
// pairwise: at round i each rank exchanges half of its current image with
// the partner whose group index differs in bit i, composites the half it
// kept with the half it received, and continues with an image of half the
// pixels. After log2(P) rounds every rank of a power-of-two group holds one
// disjoint, fully composited piece of the whole image together with that
// piece's pixel offset.
//
// Groups that are not a power of two are handled either by telescoping,
// where the ranks beyond the largest power of two run their own swap
// recursively and feed the result back into the main group, or by folding,
// where leading rank pairs pre-composite so that a power-of-two subset
// remains.
package swap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/comm"
	"github.com/sortlast/compositor/pixel"
	"github.com/sortlast/compositor/sparse"
)

// Engine errors
var (
	ErrNotInGroup = errors.New("swap: calling rank is not in the compose group")
)

// Compositor drives binary-swap reductions over a communicator. It is
// bound to one composite mode and owns a scratch pool; it is not
// reentrant.
type Compositor struct {
	comm      comm.Communicator
	pool      *Pool
	mode      pixel.Mode
	interlace bool
	log       *slog.Logger
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithInterlacing enables the pixel interlace step before the swap rounds,
// which balances active pixels across the final partitions.
func WithInterlacing() Option {
	return func(e *Compositor) { e.interlace = true }
}

// WithLogger routes the engine's debug tracing to l.
func WithLogger(l *slog.Logger) Option {
	return func(e *Compositor) { e.log = l }
}

// New creates a Compositor over c compositing in the given mode.
func New(c comm.Communicator, mode pixel.Mode, opts ...Option) *Compositor {
	e := &Compositor{
		comm: c,
		pool: NewPool(),
		mode: mode,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pool returns the engine's scratch pool.
func (e *Compositor) Pool() *Pool { return e.pool }

// workState tracks the current image and which arena holds it. The image
// always lives in the working arena (or in the caller's input buffer before
// the first composite); the spare arena is free to receive the next split
// remainder or composite result, after which the roles switch.
type workState struct {
	image   *sparse.Image
	working BufferID
	spare   BufferID
}

// Compose runs binary swap over the group, which lists communicator ranks
// in compose order: group[0] is front-most under blend. Every member calls
// Compose with its local image; each returns a contiguous piece of the
// composited whole and the piece's pixel offset. Ranks outside the
// power-of-two core telescope their contribution into it and return the
// null image.
func (e *Compositor) Compose(group []int, input *sparse.Image) (*sparse.Image, int, error) {
	if _, err := e.groupRank(group); err != nil {
		return nil, 0, err
	}
	e.log.Debug("in binary-swap compose", "group_size", len(group))

	st := workState{image: input, working: Working1, spare: Working2}
	offset, err := e.composeNoCombine(group, -1, &st)
	if err != nil {
		return nil, 0, err
	}
	return st.image, offset, nil
}

// FoldingCompose runs binary swap with the fold variant: the first 2×E
// ranks pair up, the odd member of each pair sends its whole image to the
// even member and drops out with the null image, and the surviving
// power-of-two subset swaps normally.
func (e *Compositor) FoldingCompose(group []int, input *sparse.Image) (*sparse.Image, int, error) {
	groupRank, err := e.groupRank(group)
	if err != nil {
		return nil, 0, err
	}
	e.log.Debug("in binary-swap folding compose", "group_size", len(group))

	if len(group) < 2 {
		return input, 0, nil
	}

	pow2 := findPower2(len(group))
	extra := len(group) - pow2
	totalPixels := input.NumPixels()
	st := workState{image: input, working: Working1, spare: Working2}

	useInterlace := pow2 > 2 && e.interlace
	if useInterlace {
		index := e.pool.GetInts(DummyArray, totalPixels)
		buf := e.pool.Get(st.working, sparse.InterlaceBufferSize(input))
		st.image, err = sparse.InterlaceAlloc(input, pow2, index, buf)
		if err != nil {
			return nil, 0, err
		}
	}

	// Fold the group down to the largest power of two: each leading pair
	// merges into its even member, in group order so that front-to-back
	// ordering is preserved.
	pow2Group := e.pool.GetInts(ComposeGroup, pow2)
	wholeIndex, pow2Index := 0, 0
	for pow2Index < extra {
		pow2Group[pow2Index] = group[wholeIndex]

		if groupRank == wholeIndex {
			data, err := e.comm.Recv(e.incomingAlloc(), comm.TagFold, group[wholeIndex+1])
			if err != nil {
				return nil, 0, err
			}
			in, err := sparse.UnpackageFromReceive(data)
			if err != nil {
				return nil, 0, err
			}
			out := e.pool.Get(st.spare, sparse.CompositeBufferSize(st.image, in))
			st.image, err = sparse.CompositeAlloc(st.image, in, e.mode, out)
			if err != nil {
				return nil, 0, err
			}
			st.working, st.spare = st.spare, st.working
		} else if groupRank == wholeIndex+1 {
			e.log.Debug("folding image into partner", "partner", group[wholeIndex])
			if err := e.comm.Send(st.image.PackageForSend(), comm.TagFold, group[wholeIndex]); err != nil {
				return nil, 0, err
			}
			return sparse.Null(), 0, nil
		}

		wholeIndex += 2
		pow2Index++
	}
	if len(group)-wholeIndex != pow2-pow2Index {
		return nil, 0, fmt.Errorf("swap: miscounted indices while folding: %w",
			compositor.ErrSanityCheck)
	}
	copy(pow2Group[pow2Index:], group[wholeIndex:])

	offset, err := e.composePow2(pow2Group, pow2, &st)
	if err != nil {
		return nil, 0, err
	}

	if useInterlace {
		pow2Rank := indexOf(pow2Group, e.comm.Rank())
		offset = sparse.InterlaceOffset(bitReverse(pow2Rank, pow2), pow2, totalPixels)
	}
	return st.image, offset, nil
}

// composeNoCombine is the telescoping driver: ranks beyond the largest
// power of two recurse among themselves and feed their result into the
// lower group, which swaps and then absorbs it.
func (e *Compositor) composeNoCombine(group []int, largest int, st *workState) (int, error) {
	groupRank := indexOf(group, e.comm.Rank())
	pow2 := findPower2(len(group))
	extra := len(group) - pow2
	extraPow2 := findPower2(extra)

	if largest == -1 {
		largest = pow2
	}

	if groupRank >= pow2 {
		upperRank := groupRank - pow2
		// Part of the telescoping extra: run binary swap among the extra
		// ranks, then hand the resulting piece down.
		if _, err := e.composeNoCombine(group[pow2:], largest, st); err != nil {
			return 0, err
		}
		if upperRank < extraPow2 {
			err := e.sendFromUpperGroup(group[:pow2], group[pow2:pow2+extraPow2], largest, st.image, st.spare)
			if err != nil {
				return 0, err
			}
		}
		// This rank holds no piece of the result.
		st.image = sparse.Null()
		return 0, nil
	}

	totalPixels := st.image.NumPixels()
	useInterlace := largest > 2 && e.interlace
	if useInterlace {
		index := e.pool.GetInts(DummyArray, totalPixels)
		buf := e.pool.Get(st.spare, sparse.InterlaceBufferSize(st.image))
		img, err := sparse.InterlaceAlloc(st.image, largest, index, buf)
		if err != nil {
			return 0, err
		}
		st.image = img
		st.working, st.spare = st.spare, st.working
	}

	offset, err := e.composePow2(group[:pow2], largest, st)
	if err != nil {
		return 0, err
	}

	if err := e.receiveFromUpperGroup(group[:pow2], group[pow2:pow2+extraPow2], st); err != nil {
		return 0, err
	}

	if useInterlace {
		// Interlacing permuted the pixels before the swap, so the piece's
		// logical offset is its interlace group's, found through the bit
		// reversal of this rank's partition.
		offset = sparse.InterlaceOffset(bitReverse(groupRank, largest), largest, totalPixels)
	}
	return offset, nil
}

// composePow2 runs the swap rounds proper over a power-of-two group.
func (e *Compositor) composePow2(group []int, largest int, st *workState) (int, error) {
	pieceOffset := 0
	if len(group) < 2 {
		return pieceOffset, nil
	}
	groupRank := indexOf(group, e.comm.Rank())

	// At round i the partner is the rank whose group index differs in bit
	// i, found by xor with the round's bitmask.
	images := make([]*sparse.Image, 2)
	for bitmask := 1; bitmask < len(group); bitmask <<= 1 {
		offsets := e.pool.GetInts(DummyArray, 2)
		scratch := e.pool.Get(st.spare, sparse.SplitScratchSize(st.image, 2))
		err := sparse.SplitAlloc(st.image, pieceOffset, 2, largest/bitmask, scratch, images, offsets)
		if err != nil {
			return 0, err
		}

		pair := groupRank ^ bitmask
		var sendImage, keepImage *sparse.Image
		var sendArena, keepArena BufferID
		inOnTop := false
		if groupRank < pair {
			// This rank holds the earlier span of the compose order, so
			// its data stays in the front role and the incoming half
			// composites behind it.
			sendImage, keepImage = images[1], images[0]
			sendArena, keepArena = st.spare, st.working
			pieceOffset = offsets[0]
		} else {
			sendImage, keepImage = images[0], images[1]
			sendArena, keepArena = st.working, st.spare
			pieceOffset = offsets[1]
			inOnTop = true
		}

		e.log.Debug("swapping image halves",
			"round_bit", bitmask, "partner", group[pair], "piece_offset", pieceOffset)

		data, err := e.comm.SendRecv(sendImage.PackageForSend(), comm.TagSwapImages, group[pair],
			e.incomingAlloc(), comm.TagSwapImages, group[pair])
		if err != nil {
			return 0, err
		}
		in, err := sparse.UnpackageFromReceive(data)
		if err != nil {
			return 0, err
		}

		front, back := keepImage, in
		if inOnTop {
			front, back = in, keepImage
		}
		out := e.pool.Get(sendArena, sparse.CompositeBufferSize(front, back))
		st.image, err = sparse.CompositeAlloc(front, back, e.mode, out)
		if err != nil {
			return 0, err
		}
		st.working, st.spare = sendArena, keepArena
	}
	return pieceOffset, nil
}

// sendFromUpperGroup splits this upper-group rank's piece and sends each
// partition to the lower-group rank that will own the matching region.
func (e *Compositor) sendFromUpperGroup(lowerGroup, upperGroup []int, largest int, image *sparse.Image, scratchID BufferID) error {
	upperSize := len(upperGroup)
	numPieces := len(lowerGroup) / upperSize
	eventual := largest / upperSize
	upperRank := indexOf(upperGroup, e.comm.Rank())

	images := make([]*sparse.Image, numPieces)
	offsets := e.pool.GetInts(DummyArray, numPieces)
	scratch := e.pool.Get(scratchID, sparse.SplitScratchSize(image, numPieces))
	if err := sparse.SplitAlloc(image, 0, numPieces, eventual, scratch, images, offsets); err != nil {
		return err
	}

	// The lower rank owning partition j of this rank's region is found by
	// reversing the bits of j, scaling by the upper group size and adding
	// this rank's upper index.
	for piece := 0; piece < numPieces; piece++ {
		dest := bitReverse(piece, numPieces)*upperSize + upperRank
		e.log.Debug("telescoping piece to lower group", "piece", piece, "dest", lowerGroup[dest])
		err := e.comm.Send(images[piece].PackageForSend(), comm.TagTelescope, lowerGroup[dest])
		if err != nil {
			return err
		}
	}
	return nil
}

// receiveFromUpperGroup absorbs the telescoped partition covering this
// lower-group rank's piece, if an upper group exists.
func (e *Compositor) receiveFromUpperGroup(lowerGroup, upperGroup []int, st *workState) error {
	if len(upperGroup) == 0 {
		return nil
	}
	lowerRank := indexOf(lowerGroup, e.comm.Rank())
	// The sender is the upper rank whose index is this rank's lower bits.
	src := lowerRank & (len(upperGroup) - 1)
	e.log.Debug("absorbing telescoped image", "src", upperGroup[src])

	data, err := e.comm.Recv(e.incomingAlloc(), comm.TagTelescope, upperGroup[src])
	if err != nil {
		return err
	}
	in, err := sparse.UnpackageFromReceive(data)
	if err != nil {
		return err
	}

	// Upper-group ranks follow the lower group in compose order, so the
	// incoming image composites behind the local piece.
	out := e.pool.Get(st.spare, sparse.CompositeBufferSize(st.image, in))
	st.image, err = sparse.CompositeAlloc(st.image, in, e.mode, out)
	if err != nil {
		return err
	}
	st.working, st.spare = st.spare, st.working
	return nil
}

func (e *Compositor) incomingAlloc() comm.Allocator {
	return func(size int) []byte { return e.pool.Get(Incoming, size) }
}

func (e *Compositor) groupRank(group []int) (int, error) {
	for _, r := range group {
		if r < 0 || r >= e.comm.Size() {
			return 0, fmt.Errorf("swap: group rank %d outside communicator of %d: %w",
				r, e.comm.Size(), compositor.ErrInvalidValue)
		}
	}
	i := indexOf(group, e.comm.Rank())
	if i < 0 {
		return 0, fmt.Errorf("%w: %w", ErrNotInGroup, compositor.ErrInvalidValue)
	}
	return i, nil
}

func indexOf(group []int, rank int) int {
	for i, r := range group {
		if r == rank {
			return i
		}
	}
	return -1
}

// findPower2 returns the largest power of two less than or equal to x, or
// zero for x < 1.
func findPower2(x int) int {
	pow2 := 1
	for pow2 <= x {
		pow2 <<= 1
	}
	return pow2 >> 1
}

// bitReverse reverses the bits of x within the width of maxPlusOne, which
// must be a power of two.
func bitReverse(x, maxPlusOne int) int {
	result := 0
	for placeholder := 1; placeholder < maxPlusOne; placeholder <<= 1 {
		result <<= 1
		result += x & 1
		x >>= 1
	}
	return result
}
