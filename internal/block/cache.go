package block

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/e7canasta/spatial-bottleneck/internal/halo"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// StageCache holds what a Forward call saves for its Backward call. It is
// opaque to callers and can be consumed exactly once.
type StageCache struct {
	id       uuid.UUID
	owner    *Block
	consumed atomic.Bool

	input  *tensor.Tensor
	conv1  *tensor.Tensor // raw conv outputs, the affine inputs
	conv2  *tensor.Tensor
	conv3  *tensor.Tensor
	conv4  *tensor.Tensor // nil without downsample
	out1   *tensor.Tensor // post-relu stage outputs
	out2   *tensor.Tensor
	merged *tensor.Tensor // out3 + identity, before the final relu
	halo   *halo.Buffer   // padded out1, only when partitioned
}

func newStageCache(b *Block, x *tensor.Tensor) *StageCache {
	return &StageCache{id: uuid.New(), owner: b, input: x}
}

// ID identifies the forward call that produced the cache.
func (c *StageCache) ID() uuid.UUID { return c.id }

// Consumed reports whether Backward has already used the cache.
func (c *StageCache) Consumed() bool { return c.consumed.Load() }

// OutputShape returns the shape Backward expects for the output gradient.
func (c *StageCache) OutputShape() tensor.Shape { return c.merged.Shape }

// release drops the saved tensors once backward is done with them.
func (c *StageCache) release() {
	c.input, c.conv1, c.conv2, c.conv3, c.conv4 = nil, nil, nil, nil, nil
	c.out1, c.out2, c.merged, c.halo = nil, nil, nil, nil
}
