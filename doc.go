// Package bottleneck runs a residual bottleneck block with its input split
// along the height axis across a group of workers.
//
// # Overview
//
// The block is conv1x1 -> 3x3 conv -> conv1x1 plus a shortcut, each
// convolution followed by a frozen normalization folded into a per-channel
// scale and bias. Every worker of a partition group holds a contiguous slice
// of rows. Only the 3x3 convolution reads across slice boundaries, so before
// it each worker exchanges one row with each neighbour (the halo):
//
//	rank 0:  [ zero row | rows 0..Hs-1    | first row of rank 1 ]
//	rank 1:  [ last row of rank 0 | rows Hs..2Hs-1 | first row of rank 2 ]
//	...
//
// Edge ranks see zero rows, which matches the unpartitioned convolution's
// zero padding. Gathered outputs and input gradients equal the unpartitioned
// block's; weight gradients equal it after an all-reduce across the group.
//
// # Basic Usage
//
//	world := collective.NewLocalWorld(2)
//	comms, _ := world.Split(2)
//
//	cfg := bottleneck.Config{InChannels: 64, BottleneckChannels: 16, OutChannels: 64,
//	    Stride: 1, GroupSize: 2, Fused: true, Overlap: true}
//	blk, err := bottleneck.New(cfg, weights, norms, comms[rank])
//	if err != nil {
//	    return err
//	}
//	defer blk.Close()
//
//	y, cache, err := blk.Forward(ctx, slice)
//	grads, err := blk.Backward(ctx, cache, gradOut)
//	err = bottleneck.ReduceGradients(ctx, comms[rank], grads)
//
// # Overlap
//
// A fused block runs on two ordered streams. With Overlap set, the halo
// exchange and the two boundary-row convolutions run on the exchange stream
// while the interior rows are convolved on the compute stream. Both modes
// issue the same arithmetic in the same order, so results are bit-identical.
//
// # Errors
//
// Configuration errors (bad group size, shapes, unsupported options) are
// returned before any collective call. Collective errors abort the current
// call and are fatal to the group; nothing is retried. Use CategoryOf to
// tell them apart.
//
// # Thread Safety
//
// A Block serializes its own Forward and Backward calls. Every rank of a
// group must issue the same sequence of calls.
package bottleneck
