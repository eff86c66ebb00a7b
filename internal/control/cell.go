// Package control runs the multi-rate control cycle: an input task feeding
// the operator intent, a fast control task commanding the actuators and a
// slower inference task refreshing the policy action.
package control

import (
	"sync/atomic"

	"github.com/stride-robotics/gaitd/internal/policy"
)

// ActionCell hands the latest inference result from the inference task to
// the control task without blocking either side.
type ActionCell struct {
	p atomic.Pointer[policy.Result]
}

// Publish installs the newest result.
func (c *ActionCell) Publish(r *policy.Result) { c.p.Store(r) }

// Latest returns the most recent result, or nil before the first inference
// completes.
func (c *ActionCell) Latest() *policy.Result { return c.p.Load() }
