package model

import (
	"errors"
	"testing"
)

// recorder is a model remembering events it received.
type recorder struct {
	id     string
	bus    *Bus
	pevs   []ParameterChanged
	mevs   []ModelChanged
	stores int
}

func (r *recorder) ID() string { return r.id }
func (r *recorder) SetBus(b *Bus) { r.bus = b }
func (r *recorder) StoreState() { r.stores++ }
func (r *recorder) RestoreState() {}
func (r *recorder) AcceptState() {}
func (r *recorder) HandleModelChanged(ev ModelChanged) {
	r.mevs = append(r.mevs, ev)
}
func (r *recorder) HandleParameterChanged(ev ParameterChanged) {
	r.pevs = append(r.pevs, ev)
	r.bus.PublishModel(ModelChanged{ID: r.id, Index: ev.Index, Cause: ev})
}

func TestParameterBounds(tst *testing.T) {
	p := NewParameter("kappa", 2).SetBounds(0, 10)
	err := p.SetValue(0, -1)
	var oob *OutOfBoundsError
	if !errors.As(err, &oob) {
		tst.Fatal("expected OutOfBoundsError, got", err)
	}
	if oob.ID != "kappa" || oob.Index != 0 {
		tst.Error("wrong error content:", oob)
	}
	if p.Value(0) != 2 {
		tst.Error("value changed after failed SetValue")
	}
	if err := p.SetValueQuietly(0, 11); err == nil {
		tst.Error("quiet setter should validate bounds")
	}
}

func TestDispatch(tst *testing.T) {
	b := NewBus()
	p := NewParameter("rate", 1, 2, 3)
	r1 := &recorder{id: "m1"}
	r2 := &recorder{id: "m2"}
	for _, err := range []error{b.AddParameter(p), b.AddModel(r1), b.AddModel(r2),
		b.Connect("rate", "m1"), b.Connect("m1", "m2")} {
		if err != nil {
			tst.Fatal(err)
		}
	}

	var traced []Event
	b.SetTrace(func(ev Event) { traced = append(traced, ev) })

	if err := p.SetValue(1, 5); err != nil {
		tst.Fatal(err)
	}
	if len(r1.pevs) != 1 || r1.pevs[0].Index != 1 || r1.pevs[0].Type != ValueChanged {
		tst.Error("m1 got wrong parameter events:", r1.pevs)
	}
	if len(r2.mevs) != 1 || r2.mevs[0].ID != "m1" || r2.mevs[0].Index != 1 {
		tst.Error("m2 got wrong model events:", r2.mevs)
	}
	if len(traced) != 2 {
		tst.Error("expected 2 traced events, got", len(traced))
	}

	// unchanged value is a no-op
	p.SetValue(1, 5)
	if len(r1.pevs) != 1 {
		tst.Error("event for unchanged value")
	}

	// quiet setters + one aggregate event
	p.SetValueQuietly(0, 7)
	p.SetValueQuietly(2, 8)
	if len(r1.pevs) != 1 {
		tst.Error("quiet setter fired an event")
	}
	p.FireChanged(-1, ValueChanged)
	if len(r1.pevs) != 2 || r1.pevs[1].Index != -1 {
		tst.Error("aggregate event missing")
	}
}

func TestWiringErrors(tst *testing.T) {
	b := NewBus()
	b.AddParameter(NewParameter("p", 1))
	b.AddModel(&recorder{id: "a"})
	b.AddModel(&recorder{id: "b"})
	if err := b.Connect("a", "b"); err != nil {
		tst.Fatal(err)
	}
	var we *WiringError
	if err := b.Connect("b", "a"); !errors.As(err, &we) || we.Reason != "cycle" {
		tst.Error("cycle not detected:", err)
	}
	if err := b.Connect("a", "a"); err == nil {
		tst.Error("self dependency not detected")
	}
	if err := b.Connect("nope", "a"); err == nil {
		tst.Error("unknown source not detected")
	}
	if err := b.Connect("a", "p"); err == nil {
		tst.Error("parameter accepted as a listener")
	}
	if err := b.AddParameter(NewParameter("a")); err == nil {
		tst.Error("duplicate id accepted")
	}
}

func TestStoreRestore(tst *testing.T) {
	b := NewBus()
	p := NewParameter("x", 1, 2)
	r := &recorder{id: "m"}
	b.AddParameter(p)
	b.AddModel(r)
	b.Connect("x", "m")

	b.StoreState()
	p.SetValue(0, 3)
	p.SetValue(1, 4)
	b.RestoreState()
	if p.Value(0) != 1 || p.Value(1) != 2 {
		tst.Error("restore failed:", p.Values())
	}
	if r.stores != 1 {
		tst.Error("model was not stored")
	}

	b.StoreState()
	p.SetValue(0, 3)
	b.AcceptState()
	b.StoreState()
	b.RestoreState()
	if p.Value(0) != 3 {
		tst.Error("accepted value lost")
	}
}

func TestDimensions(tst *testing.T) {
	b := NewBus()
	p := NewParameter("v", 1)
	r := &recorder{id: "m"}
	b.AddParameter(p)
	b.AddModel(r)
	b.Connect("v", "m")
	p.AddDimension(2)
	p.RemoveDimension(0)
	if p.Dim() != 1 || p.Value(0) != 2 {
		tst.Error("wrong values after dimension change:", p.Values())
	}
	if len(r.pevs) != 2 || r.pevs[0].Type != DimensionAdded || r.pevs[1].Type != DimensionRemoved {
		tst.Error("wrong dimension events:", r.pevs)
	}
}
