package network

import (
	"encoding/binary"
	"testing"
)

func benchFrame(i int) []byte {
	frame := make([]byte, 256)
	binary.BigEndian.PutUint64(frame, uint64(i))
	return frame
}

func BenchmarkDedupFirstSighting(b *testing.B) {
	d := newDedup()
	defer d.close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.check(benchFrame(i))
	}
}

func BenchmarkDedupDuplicate(b *testing.B) {
	d := newDedup()
	defer d.close()

	frame := benchFrame(0)
	d.check(frame)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.check(frame)
	}
}

func BenchmarkDedupParallel(b *testing.B) {
	d := newDedup()
	defer d.close()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			d.check(benchFrame(i))
			i++
		}
	})
}

func BenchmarkDedupRotate(b *testing.B) {
	d := newDedup()
	defer d.close()

	for i := 0; i < 10000; i++ {
		d.check(benchFrame(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.rotate()
	}
}
