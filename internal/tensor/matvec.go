package tensor

import (
	"runtime"
	"sync"
)

// Rows per task below which splitting across workers costs more than it saves.
const minRowsPerTask = 64

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	wg     *sync.WaitGroup
}

type matVecPool struct {
	size  int
	tasks chan matVecTask
}

var (
	matVecWorkers     *matVecPool
	matVecWorkersOnce sync.Once
)

func workers() *matVecPool {
	matVecWorkersOnce.Do(func() {
		size := max(runtime.GOMAXPROCS(0), 1)
		p := &matVecPool{size: size, tasks: make(chan matVecTask, size*2)}
		for range size {
			go func() {
				for t := range p.tasks {
					matVecRange(t.dst, t.w, t.x, t.rs, t.re)
					t.wg.Done()
				}
			}()
		}
		matVecWorkers = p
	})
	return matVecWorkers
}

// MatVec computes dst = w·x, splitting rows across a shared worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}

	pool := workers()
	n := min(pool.size, (w.R+minRowsPerTask-1)/minRowsPerTask)
	if n <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + n - 1) / n
	var wg sync.WaitGroup
	for rs := 0; rs < w.R; rs += chunk {
		wg.Add(1)
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: min(rs+chunk, w.R), wg: &wg}
	}
	wg.Wait()
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	c := w.C
	x = x[:c]
	switch w.DType {
	case F32:
		for i := rs; i < re; i++ {
			row := w.F32[i*c : i*c+c]
			var s0, s1, s2, s3 float32
			j := 0
			for ; j+3 < c; j += 4 {
				s0 += row[j] * x[j]
				s1 += row[j+1] * x[j+1]
				s2 += row[j+2] * x[j+2]
				s3 += row[j+3] * x[j+3]
			}
			for ; j < c; j++ {
				s0 += row[j] * x[j]
			}
			dst[i] = s0 + s1 + s2 + s3
		}
	case F16:
		for i := rs; i < re; i++ {
			row := w.U16[i*c : i*c+c]
			var s0, s1 float32
			j := 0
			for ; j+1 < c; j += 2 {
				s0 += f16Table[row[j]] * x[j]
				s1 += f16Table[row[j+1]] * x[j+1]
			}
			if j < c {
				s0 += f16Table[row[j]] * x[j]
			}
			dst[i] = s0 + s1
		}
	case BF16:
		for i := rs; i < re; i++ {
			row := w.U16[i*c : i*c+c]
			var s0, s1 float32
			j := 0
			for ; j+1 < c; j += 2 {
				s0 += BF16ToF32(row[j]) * x[j]
				s1 += BF16ToF32(row[j+1]) * x[j+1]
			}
			if j < c {
				s0 += BF16ToF32(row[j]) * x[j]
			}
			dst[i] = s0 + s1
		}
	default:
		panic("tensor: unsupported dtype for matvec")
	}
}
