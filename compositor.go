// Package compositor provides a parallel image compositor for sort-last
// distributed rendering.
//
// Each participating process renders part of a 3D scene into a local image;
// the compositor combines the per-process images into a single final image
// with correct visibility across the whole scene. Both z-buffer visibility
// (opaque geometry, nearest fragment wins) and alpha blending with the
// non-commutative over operator (translucent and volumetric data) are
// supported.
//
// The subpackages are, roughly in data-flow order:
//
//   - pixel: color, depth and fragment formats.
//   - raster: dense image buffers, flat and layered.
//   - sparse: the run-length-encoded sparse image format and its codec,
//     including the compressed-compressed composite operation that merges
//     two sparse images without materializing dense pixels.
//   - swap: the binary-swap compositing engine, which drives an all-to-all
//     partitioned reduction over a group of communicator ranks.
//   - comm: the communicator contract the engine requires, with an
//     in-process implementation for tests and single-machine drivers.
//   - config: process-wide compositing configuration.
//
// Errors returned by the subpackages wrap one of the four kinds below, so
// callers can classify any failure with errors.Is.
package compositor

import "errors"

// Error kinds. Every fallible operation in the subpackages returns an error
// wrapping exactly one of these.
var (
	// ErrInvalidValue reports malformed input: a size mismatch, a bad
	// format combination, or a corrupt sparse stream.
	ErrInvalidValue = errors.New("compositor: invalid value")

	// ErrInvalidOperation reports a legal call in the wrong state, such as
	// blend compositing with a color format that has no alpha channel.
	ErrInvalidOperation = errors.New("compositor: invalid operation")

	// ErrSanityCheck reports a violated internal invariant. It indicates a
	// bug or corrupted memory, not bad caller input.
	ErrSanityCheck = errors.New("compositor: sanity check failed")

	// ErrOutOfResources reports an allocation failure.
	ErrOutOfResources = errors.New("compositor: out of resources")
)
