package block

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

const checkpointVersion = 1

// Checkpoint is the on-disk form of a block's filters and frozen norms.
type Checkpoint struct {
	Version            int     `msgpack:"version"`
	InChannels         int     `msgpack:"in_channels"`
	BottleneckChannels int     `msgpack:"bottleneck_channels"`
	OutChannels        int     `msgpack:"out_channels"`
	Downsample         bool    `msgpack:"downsample"`
	Weights            Weights `msgpack:"weights"`
	Norms              Norms   `msgpack:"norms"`
}

// SaveCheckpoint writes w and n as msgpack.
func SaveCheckpoint(out io.Writer, cfg Config, w Weights, n Norms) error {
	if err := w.check(cfg); err != nil {
		return err
	}
	ck := Checkpoint{
		Version:            checkpointVersion,
		InChannels:         cfg.InChannels,
		BottleneckChannels: cfg.BottleneckChannels,
		OutChannels:        cfg.OutChannels,
		Downsample:         cfg.Downsample,
		Weights:            w,
		Norms:              n,
	}
	if err := msgpack.NewEncoder(out).Encode(&ck); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written for the same block shape as cfg.
// Filter shapes are checked again by New.
func LoadCheckpoint(in io.Reader, cfg Config) (Weights, Norms, error) {
	var ck Checkpoint
	if err := msgpack.NewDecoder(in).Decode(&ck); err != nil {
		return Weights{}, Norms{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if ck.Version != checkpointVersion {
		return Weights{}, Norms{}, errs.Configf("checkpoint", errs.ErrUnsupported, "version %d", ck.Version)
	}
	if ck.InChannels != cfg.InChannels || ck.BottleneckChannels != cfg.BottleneckChannels ||
		ck.OutChannels != cfg.OutChannels || ck.Downsample != cfg.Downsample {
		return Weights{}, Norms{}, errs.Configf("checkpoint", errs.ErrShapeMismatch,
			"checkpoint is %d/%d/%d downsample=%v, block is %d/%d/%d downsample=%v",
			ck.InChannels, ck.BottleneckChannels, ck.OutChannels, ck.Downsample,
			cfg.InChannels, cfg.BottleneckChannels, cfg.OutChannels, cfg.Downsample)
	}
	return ck.Weights, ck.Norms, nil
}
