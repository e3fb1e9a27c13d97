//go:build linux || darwin

package arena_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/flier/goalloc/pkg/arena"
)

func TestArena(t *testing.T) {
	Convey("Given a freshly created arena", t, func() {
		a, err := arena.Create(arena.MB(1), arena.KB(64))
		So(err, ShouldBeNil)
		Reset(func() { _ = a.Destroy() })

		Convey("When allocating two small blocks back to back", func() {
			p1, err := a.Alloc(128)
			So(err, ShouldBeNil)
			p2, err := a.Alloc(128)
			So(err, ShouldBeNil)

			Convey("Then both are non-nil and contiguous", func() {
				So(p1, ShouldNotBeNil)
				So(p2, ShouldNotBeNil)

				addr1 := uintptr(unsafe.Pointer(&p1[0]))
				addr2 := uintptr(unsafe.Pointer(&p2[0]))
				So(addr2-addr1, ShouldEqual, uintptr(128))
			})

			Convey("Then both regions read as zero", func() {
				for _, b := range p1 {
					So(b, ShouldEqual, 0)
				}
				for _, b := range p2 {
					So(b, ShouldEqual, 0)
				}
			})
		})

		Convey("When a request exceeds reserved capacity", func() {
			pos := a.Position()
			p, err := a.Alloc(arena.MB(2))

			Convey("Then it fails with ErrOutOfCapacity and position is unchanged", func() {
				So(p, ShouldBeNil)
				require.ErrorIs(t, err, arena.ErrOutOfCapacity)
				So(a.Position(), ShouldEqual, pos)
			})
		})

		Convey("When allocating with an explicit alignment", func() {
			p, err := a.AllocAligned(1, 64)

			Convey("Then the returned address is a multiple of that alignment", func() {
				So(err, ShouldBeNil)
				addr := uintptr(unsafe.Pointer(&p[0]))
				So(addr%64, ShouldEqual, uintptr(0))
			})
		})

		Convey("When resetting after allocating", func() {
			before := a.Position()
			_, err := a.Alloc(4096)
			So(err, ShouldBeNil)

			a.Reset()

			Convey("Then position returns to just past the header", func() {
				So(a.Position(), ShouldEqual, before)
			})

			Convey("Then the next allocation reuses the freed range at the requested alignment", func() {
				p, err := a.AllocAligned(8, 16)
				So(err, ShouldBeNil)

				addr := uintptr(unsafe.Pointer(&p[0]))
				So(addr%16, ShouldEqual, uintptr(0))
				So(a.Position(), ShouldEqual, (before+15)&^15+8)
			})
		})
	})

	Convey("Given invalid arguments to Create", t, func() {
		Convey("When reserve is zero", func() {
			_, err := arena.Create(0, arena.KB(4))
			require.ErrorIs(t, err, arena.ErrInvalidArgument)
		})

		Convey("When commit is zero", func() {
			_, err := arena.Create(arena.KB(64), 0)
			require.ErrorIs(t, err, arena.ErrInvalidArgument)
		})
	})

	Convey("Given a tiny arena", t, func() {
		a, err := arena.Create(arena.KB(64), arena.KB(16))
		So(err, ShouldBeNil)
		Reset(func() { _ = a.Destroy() })

		Convey("When a single request is larger than reserve", func() {
			p, err := a.Alloc(arena.MB(1))

			Convey("Then it fails cleanly", func() {
				So(p, ShouldBeNil)
				require.ErrorIs(t, err, arena.ErrOutOfCapacity)
			})
		})
	})

	Convey("Given a nil arena", t, func() {
		var a *arena.Arena

		Convey("Destroy is a no-op", func() {
			So(a.Destroy(), ShouldBeNil)
		})

		Convey("Reset is a no-op", func() {
			So(func() { a.Reset() }, ShouldNotPanic)
		})

		Convey("Alloc fails with ErrInvalidArgument", func() {
			_, err := a.Alloc(16)
			require.ErrorIs(t, err, arena.ErrInvalidArgument)
		})
	})
}

func TestNew(t *testing.T) {
	Convey("Given an arena and a struct type", t, func() {
		a, err := arena.Create(arena.MB(1), arena.KB(64))
		So(err, ShouldBeNil)
		Reset(func() { _ = a.Destroy() })

		type point struct{ X, Y int64 }

		Convey("When allocating a value with New", func() {
			p, err := arena.New(a, point{X: 1, Y: 2})

			Convey("Then the value round-trips", func() {
				So(err, ShouldBeNil)
				So(p.X, ShouldEqual, 1)
				So(p.Y, ShouldEqual, 2)
			})
		})
	})
}
