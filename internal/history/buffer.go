// Package history implements the fixed-capacity observation history that
// feeds policies trained with temporal context.
//
// The buffer keeps the last H observation vectors per environment in a flat
// row-major block of shape [numEnvs, W*H], newest sample in the last W
// columns. It is owned by the inference task alone: single writer, single
// reader, no locking.
package history

import (
	"fmt"

	"github.com/stride-robotics/gaitd/internal/schema"
)

// Buffer is a fixed-capacity ring of past observation vectors.
type Buffer struct {
	sc      *schema.Schema
	numEnvs int
	histLen int
	width   int
	data    []float32
}

// New allocates a zero-filled buffer for numEnvs environments, histLen
// retained timesteps (including the current one), laid out per sc.
func New(numEnvs int, sc *schema.Schema, histLen int) (*Buffer, error) {
	if sc == nil {
		return nil, configErr("history new", "nil schema")
	}
	if numEnvs <= 0 {
		return nil, configErr("history new", "numEnvs %d, must be positive", numEnvs)
	}
	if histLen <= 0 {
		return nil, configErr("history new", "history length %d, must be positive", histLen)
	}
	return &Buffer{
		sc:      sc,
		numEnvs: numEnvs,
		histLen: histLen,
		width:   sc.Width(),
		data:    make([]float32, numEnvs*sc.Width()*histLen),
	}, nil
}

// NumEnvs returns the number of tracked environments.
func (b *Buffer) NumEnvs() int { return b.numEnvs }

// HistoryLen returns the number of retained timesteps H.
func (b *Buffer) HistoryLen() int { return b.histLen }

// Width returns the per-timestep observation width W.
func (b *Buffer) Width() int { return b.width }

// Schema returns the feature schema the buffer was built from.
func (b *Buffer) Schema() *schema.Schema { return b.sc }

// row returns the [W*H] slice for environment e.
func (b *Buffer) row(e int) []float32 {
	stride := b.width * b.histLen
	return b.data[e*stride : (e+1)*stride]
}

// Reset seeds every history slot of the listed environments with the given
// observations: obs is row-major [len(envIDs), W]. Used at episode start so
// the first assembled window is H copies of the bootstrap state.
func (b *Buffer) Reset(envIDs []int, obs []float32) error {
	if len(envIDs) == 0 {
		return configErr("history reset", "no environment ids")
	}
	if len(obs) != len(envIDs)*b.width {
		return configErr("history reset", "observation width %d, want %d envs x %d",
			len(obs), len(envIDs), b.width)
	}
	for _, e := range envIDs {
		if e < 0 || e >= b.numEnvs {
			return configErr("history reset", "environment id %d outside [0,%d)", e, b.numEnvs)
		}
	}
	for k, e := range envIDs {
		sample := obs[k*b.width : (k+1)*b.width]
		row := b.row(e)
		for slot := 0; slot < b.histLen; slot++ {
			copy(row[slot*b.width:(slot+1)*b.width], sample)
		}
	}
	return nil
}

// Insert appends one new sample per environment: obs is row-major
// [numEnvs, W]. Every row drops its oldest W-wide block, shifts left by W,
// and writes the new sample into the last W columns. The update is
// copy-then-swap: on error nothing has changed, on success all rows changed.
func (b *Buffer) Insert(obs []float32) error {
	if len(obs) != b.numEnvs*b.width {
		return configErr("history insert", "observation width %d, want %d envs x %d",
			len(obs), b.numEnvs, b.width)
	}
	next := make([]float32, len(b.data))
	stride := b.width * b.histLen
	for e := 0; e < b.numEnvs; e++ {
		src := b.data[e*stride : (e+1)*stride]
		dst := next[e*stride : (e+1)*stride]
		copy(dst, src[b.width:])
		copy(dst[stride-b.width:], obs[e*b.width:(e+1)*b.width])
	}
	b.data = next
	return nil
}

// Assemble flattens the requested timesteps into one vector per environment,
// row-major [numEnvs, W*len(stepIDs)]. Offset 0 is the newest sample,
// histLen-1 the oldest.
//
// The layout matches the flattening the policy was trained with:
//  1. if offset 0 is requested, the current value of every fast group in
//     schema order;
//  2. for each schema group in order (slow tail included), that group's
//     value at every non-zero requested offset, in the order the offsets
//     were given;
//  3. if offset 0 is requested, the current slow-tail groups, last.
//
// Deployments list offsets ascending, so a group's newest history slice
// comes first. The offset order is configuration, not code: a policy trained
// with oldest-first slices just lists its offsets descending.
func (b *Buffer) Assemble(stepIDs []int) ([]float32, error) {
	if len(stepIDs) == 0 {
		return nil, configErr("history assemble", "no step ids")
	}
	seen := make(map[int]bool, len(stepIDs))
	hasZero := false
	nonZero := make([]int, 0, len(stepIDs))
	for _, id := range stepIDs {
		if id < 0 || id >= b.histLen {
			return nil, configErr("history assemble", "step id %d outside [0,%d)", id, b.histLen)
		}
		if seen[id] {
			return nil, configErr("history assemble", "duplicate step id %d", id)
		}
		seen[id] = true
		if id == 0 {
			hasZero = true
		} else {
			nonZero = append(nonZero, id)
		}
	}

	outWidth := b.width * len(stepIDs)
	out := make([]float32, b.numEnvs*outWidth)

	for e := 0; e < b.numEnvs; e++ {
		row := b.row(e)
		dst := out[e*outWidth : (e+1)*outWidth]
		pos := 0

		// newest sample lives in the last slot; offset o maps to slot H-1-o
		slotOf := func(offset int) []float32 {
			slot := b.histLen - 1 - offset
			return row[slot*b.width : (slot+1)*b.width]
		}

		if hasZero {
			cur := slotOf(0)
			pos += copy(dst[pos:], cur[:b.sc.FastWidth()])
		}
		for gi := 0; gi < b.sc.Len(); gi++ {
			start := b.sc.Start(gi)
			gw := b.sc.Group(gi).Width
			for _, o := range nonZero {
				sample := slotOf(o)
				pos += copy(dst[pos:], sample[start:start+gw])
			}
		}
		if hasZero {
			cur := slotOf(0)
			pos += copy(dst[pos:], cur[b.sc.FastWidth():])
		}
	}
	return out, nil
}

func configErr(op, format string, v ...interface{}) *schema.ConfigError {
	return &schema.ConfigError{Op: op, Msg: fmt.Sprintf(format, v...)}
}
