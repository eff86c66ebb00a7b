package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/history"
	"github.com/stride-robotics/gaitd/internal/schema"
)

type fakeBackend struct {
	kind    string
	loaded  bool
	outs    []backend.Tensor
	err     error
	calls   int
	gotObs  []float32
	gotStep float32
}

func (f *fakeBackend) Load(string) error { f.loaded = true; return nil }

func (f *fakeBackend) Forward(obs []float32, step float32) ([]backend.Tensor, error) {
	f.calls++
	f.gotObs = append([]float32(nil), obs...)
	f.gotStep = step
	if f.err != nil {
		return nil, f.err
	}
	return f.outs, nil
}

func (f *fakeBackend) Probe() ([]backend.Tensor, error) { return f.outs, nil }

func (f *fakeBackend) Handle() backend.Handle {
	return backend.Handle{Path: "fake", Kind: f.kind, Loaded: f.loaded}
}

func (f *fakeBackend) Loaded() bool { return f.loaded }
func (f *fakeBackend) Close() error { f.loaded = false; return nil }

// artifactOutputs mirrors the trained policy layout: action, ref joint
// pos/vel, an unused slot, and a pose output whose elements [28,32) hold the
// anchor quaternion.
func artifactOutputs(action []float32) []backend.Tensor {
	pose := make([]float32, 39)
	for i := 0; i < 4; i++ {
		pose[28+i] = float32(i + 1)
	}
	return []backend.Tensor{
		backend.Float32Tensor("actions", []int64{1, int64(len(action))}, action),
		backend.Float32Tensor("ref_joint_pos", []int64{1, 3}, []float32{10, 11, 12}),
		backend.Float32Tensor("ref_joint_vel", []int64{1, 3}, []float32{20, 21, 22}),
		backend.Float32Tensor("extra", []int64{1, 2}, []float32{0, 0}),
		backend.Float32Tensor("body_pose", []int64{1, 39}, pose),
	}
}

func TestRunPrimaryFullDecode(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{0.1, 0.2, 0.3})}
	o, err := New(Config{Primary: primary, Decode: DefaultDecode()})
	require.NoError(t, err)

	assert.Equal(t, float32(1), o.NextStep())
	res, err := o.Run([]float32{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 2, 3}, primary.gotObs)
	assert.Equal(t, float32(1), primary.gotStep)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, res.Action)
	assert.Equal(t, []float32{10, 11, 12}, res.RefJointPos)
	assert.Equal(t, []float32{20, 21, 22}, res.RefJointVel)
	assert.Equal(t, []float32{1, 2, 3, 4}, res.AnchorQuat)
	assert.Equal(t, float32(1), res.Step)
	assert.Equal(t, "graph", res.Backend)

	res, err = o.Run([]float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, float32(2), res.Step)
	assert.Equal(t, float32(2), primary.gotStep)
	assert.Equal(t, float32(3), o.NextStep())
}

func TestFallbackToSecondary(t *testing.T) {
	primary := &fakeBackend{kind: "graph"}
	secondary := &fakeBackend{kind: "net", loaded: true, outs: artifactOutputs([]float32{5, 6})}
	o, err := New(Config{Primary: primary, Secondary: secondary, Decode: DefaultDecode()})
	require.NoError(t, err)

	res, err := o.Run([]float32{1})
	require.NoError(t, err)
	assert.Equal(t, 0, primary.calls)
	assert.Equal(t, 1, secondary.calls)
	assert.Equal(t, "net", res.Backend)
	assert.Equal(t, []float32{5, 6}, res.Action)

	// The secondary contract is action-only even when extra outputs exist.
	assert.Nil(t, res.RefJointPos)
	assert.Nil(t, res.RefJointVel)
	assert.Nil(t, res.AnchorQuat)
}

func TestNoFallbackOnCallFailure(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, err: &backend.InferenceError{Backend: "graph", Err: errors.New("boom")}}
	secondary := &fakeBackend{kind: "net", loaded: true, outs: artifactOutputs([]float32{5})}
	o, err := New(Config{Primary: primary, Secondary: secondary, Decode: DefaultDecode()})
	require.NoError(t, err)

	_, err = o.Run([]float32{1})
	require.Error(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, secondary.calls, "a loaded primary's failure must not fall back")

	// The failed step still consumed episode time.
	assert.Equal(t, float32(2), o.NextStep())
}

func TestNoBackendAvailable(t *testing.T) {
	o, err := New(Config{Primary: &fakeBackend{kind: "graph"}, Decode: DefaultDecode()})
	require.NoError(t, err)

	_, err = o.Run([]float32{1})
	var infErr *backend.InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Contains(t, infErr.Error(), "no inference backend available")
}

func TestClip(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{-5, 0.5, 2})}
	o, err := New(Config{
		Primary: primary,
		Clip:    &Bounds{Lower: []float32{-1}, Upper: []float32{1}},
		Decode:  DefaultDecode(),
	})
	require.NoError(t, err)

	res, err := o.Run([]float32{1})
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 0.5, 1}, res.Action)

	// Clipping an already-clipped vector changes nothing.
	require.NoError(t, clipTo(res.Action, o.cfg.Clip.Lower, o.cfg.Clip.Upper))
	assert.Equal(t, []float32{-1, 0.5, 1}, res.Action)
}

func TestClipElementwise(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{-5, 0.5, 2})}
	o, err := New(Config{
		Primary: primary,
		Clip:    &Bounds{Lower: []float32{-4, 0, 0}, Upper: []float32{0, 0.2, 3}},
		Decode:  DefaultDecode(),
	})
	require.NoError(t, err)

	res, err := o.Run([]float32{1})
	require.NoError(t, err)
	assert.Equal(t, []float32{-4, 0.2, 2}, res.Action)
}

func TestClipLengthMismatch(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{1, 2, 3})}
	o, err := New(Config{
		Primary: primary,
		Clip:    &Bounds{Lower: []float32{-1, -1}, Upper: []float32{1, 1}},
		Decode:  DefaultDecode(),
	})
	require.NoError(t, err)

	_, err = o.Run([]float32{1})
	var infErr *backend.InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Contains(t, err.Error(), "clip bounds")
}

func TestHistoryAssembly(t *testing.T) {
	sc, err := schema.New([]schema.Group{{Name: "a", Width: 1}, {Name: "b", Width: 1}}, 1)
	require.NoError(t, err)
	buf, err := history.New(1, sc, 3)
	require.NoError(t, err)

	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{0})}
	o, err := New(Config{
		Primary: primary,
		History: buf,
		Offsets: []int{0, 1, 2},
		Decode:  DefaultDecode(),
	})
	require.NoError(t, err)

	require.NoError(t, o.ResetEpisode([]float32{9, 8}))
	_, err = o.Run([]float32{1, 2})
	require.NoError(t, err)

	// Current fast group, then per-group history newest first, then the
	// deferred slow tail.
	assert.Equal(t, []float32{1, 9, 9, 8, 8, 2}, primary.gotObs)
}

func TestHistoryInsertRejectsBadWidth(t *testing.T) {
	sc, err := schema.New([]schema.Group{{Name: "a", Width: 2}}, 0)
	require.NoError(t, err)
	buf, err := history.New(1, sc, 2)
	require.NoError(t, err)

	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{0})}
	o, err := New(Config{Primary: primary, History: buf, Offsets: []int{0, 1}, Decode: DefaultDecode()})
	require.NoError(t, err)

	_, err = o.Run([]float32{1, 2, 3})
	var cfgErr *schema.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, primary.calls)
}

func TestResetEpisode(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{0})}
	o, err := New(Config{Primary: primary, Decode: DefaultDecode()})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = o.Run([]float32{1})
		require.NoError(t, err)
	}
	assert.Equal(t, float32(4), o.NextStep())

	require.NoError(t, o.ResetEpisode([]float32{1}))
	assert.Equal(t, float32(1), o.NextStep())

	res, err := o.Run([]float32{1})
	require.NoError(t, err)
	assert.Equal(t, float32(1), res.Step)
}

func TestDecodeSlotOutOfRange(t *testing.T) {
	primary := &fakeBackend{kind: "graph", loaded: true, outs: artifactOutputs([]float32{1})[:2]}
	o, err := New(Config{Primary: primary, Decode: DefaultDecode()})
	require.NoError(t, err)

	_, err = o.Run([]float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ref joint vel")
}

func TestDecodeAnchorWindowOutOfRange(t *testing.T) {
	outs := artifactOutputs([]float32{1})
	outs[4] = backend.Float32Tensor("body_pose", []int64{1, 10}, make([]float32, 10))
	primary := &fakeBackend{kind: "graph", loaded: true, outs: outs}
	o, err := New(Config{Primary: primary, Decode: DefaultDecode()})
	require.NoError(t, err)

	_, err = o.Run([]float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anchor window")
}

func TestDecodeTypeMismatch(t *testing.T) {
	ints, err := backend.NewTensor("actions", backend.TypeInt64, []int64{1, 2}, []int64{1, 2})
	require.NoError(t, err)
	primary := &fakeBackend{kind: "graph", loaded: true, outs: []backend.Tensor{ints}}
	o, err := New(Config{Primary: primary, Decode: DefaultDecode()})
	require.NoError(t, err)

	_, err = o.Run([]float32{1})
	var tmErr *backend.TypeMismatchError
	require.ErrorAs(t, err, &tmErr)
	assert.Equal(t, backend.TypeFloat32, tmErr.Want)
	assert.Equal(t, backend.TypeInt64, tmErr.Got)
}

func TestNewValidation(t *testing.T) {
	be := &fakeBackend{kind: "graph"}
	cases := map[string]Config{
		"no backends":             {Decode: DefaultDecode()},
		"negative action slot":    {Primary: be, Decode: Decode{Action: -1}},
		"empty anchor window":     {Primary: be, Decode: Decode{Action: 0, RefJointPos: -1, RefJointVel: -1, AnchorQuat: 3}},
		"clip length mismatch":    {Primary: be, Decode: DefaultDecode(), Clip: &Bounds{Lower: []float32{0}, Upper: []float32{1, 2}}},
		"clip empty":              {Primary: be, Decode: DefaultDecode(), Clip: &Bounds{}},
		"clip inverted":           {Primary: be, Decode: DefaultDecode(), Clip: &Bounds{Lower: []float32{2}, Upper: []float32{1}}},
		"history without offsets": {Primary: be, Decode: DefaultDecode(), History: &history.Buffer{}},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: New accepted invalid config", name)
		}
	}
}
