package bottleneck

import (
	"github.com/e7canasta/spatial-bottleneck/internal/affine"
	"github.com/e7canasta/spatial-bottleneck/internal/block"
	"github.com/e7canasta/spatial-bottleneck/internal/errs"
	"github.com/e7canasta/spatial-bottleneck/internal/kernels"
	"github.com/e7canasta/spatial-bottleneck/internal/tensor"
)

// Public API - Re-export internal types as stable contract

// Layout selects the memory order of a tensor
type Layout = tensor.Layout

const (
	// NHWC is the channel-last layout
	NHWC = tensor.NHWC
	// NCHW is the channel-first layout
	NCHW = tensor.NCHW
)

// Shape is the logical (N, H, W, C) extent of a tensor
type Shape = tensor.Shape

// Tensor is a dense float64 activation or gradient
type Tensor = tensor.Tensor

// Filter is a convolution filter stored (out, kh, kw, in)
type Filter = kernels.Filter

// FrozenNorm holds the frozen normalization buffers of one stage
type FrozenNorm = affine.FrozenNorm

// ScaleBias is a frozen norm folded into per-channel scale and bias
type ScaleBias = affine.ScaleBias

// Config describes one block; it is fixed at construction
type Config = block.Config

// Weights are the four convolution filters of a block
type Weights = block.Weights

// Norms are the four frozen normalization layers of a block
type Norms = block.Norms

// Block is one bottleneck instance bound to a partition group
type Block = block.Block

// StageCache holds what Forward saved for one Backward
type StageCache = block.StageCache

// Gradients are one rank's results of Backward
type Gradients = block.Gradients

// Stats is a snapshot of a block's counters
type Stats = block.Stats

// LatencyStats summarizes recent halo exchange latencies
type LatencyStats = block.LatencyStats

// Category classifies an error
type Category = errs.Category

const (
	CategoryUnknown       = errs.Unknown
	CategoryConfiguration = errs.Configuration
	CategoryCollective    = errs.Collective
	CategoryNumerical     = errs.Numerical
)

// Public API errors - Re-export internal errors as stable contract
var (
	ErrInvalidGroupSize = errs.ErrInvalidGroupSize
	ErrRankOutOfRange   = errs.ErrRankOutOfRange
	ErrShapeMismatch    = errs.ErrShapeMismatch
	ErrLayoutMismatch   = errs.ErrLayoutMismatch
	ErrUnsupported      = errs.ErrUnsupported
	ErrCacheConsumed    = errs.ErrCacheConsumed
	ErrClosed           = errs.ErrClosed
	ErrOutOfOrder       = errs.ErrOutOfOrder
)
