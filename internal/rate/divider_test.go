package rate

import (
	"errors"
	"reflect"
	"testing"

	"ratecore/internal/fault"
)

func firingTicks(spec DivisorSpec, n BaseTick) []BaseTick {
	var out []BaseTick
	for t := BaseTick(0); t < n; t++ {
		if Fires(t, spec) {
			out = append(out, t)
		}
	}
	return out
}

func TestFiresDivisorFour(t *testing.T) {
	t.Parallel()
	got := firingTicks(DivisorSpec{Divisor: 4, Offset: 0}, 10)
	want := []BaseTick{0, 4, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fired at %v, want %v", got, want)
	}
}

func TestFiresArithmeticProgression(t *testing.T) {
	t.Parallel()
	for d := uint32(1); d <= 7; d++ {
		for o := uint32(0); o < d; o++ {
			spec := DivisorSpec{Divisor: d, Offset: o}
			got := firingTicks(spec, 60)
			var want []BaseTick
			for t := BaseTick(o); t < 60; t += BaseTick(d) {
				want = append(want, t)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("spec %+v fired at %v, want %v", spec, got, want)
			}
		}
	}
}

func TestFiresLargeTick(t *testing.T) {
	t.Parallel()
	spec := DivisorSpec{Divisor: 4, Offset: 1}
	const big = BaseTick(1<<63 + 1)
	if !Fires(big, spec) {
		t.Fatalf("Fires(%d, %+v) = false", big, spec)
	}
	if Fires(big+1, spec) {
		t.Fatalf("Fires(%d, %+v) = true", big+1, spec)
	}
}

func TestFiresInvalidSpecNeverFires(t *testing.T) {
	t.Parallel()
	for _, spec := range []DivisorSpec{{Divisor: 0}, {Divisor: 2, Offset: 2}} {
		if got := firingTicks(spec, 10); len(got) != 0 {
			t.Fatalf("invalid spec %+v fired at %v", spec, got)
		}
	}
}

func TestDivisorSpecValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec DivisorSpec
		ok   bool
	}{
		{name: "every tick", spec: DivisorSpec{Divisor: 1}, ok: true},
		{name: "offset below divisor", spec: DivisorSpec{Divisor: 4, Offset: 3}, ok: true},
		{name: "zero divisor", spec: DivisorSpec{}},
		{name: "offset equals divisor", spec: DivisorSpec{Divisor: 2, Offset: 2}},
		{name: "offset above divisor", spec: DivisorSpec{Divisor: 2, Offset: 5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if !tt.ok && !errors.Is(err, fault.ErrConfiguration) {
				t.Fatalf("Validate() = %v, want configuration error", err)
			}
		})
	}
}
