package cloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 matrix
type Mat3 [3][3]float64

// maxJacobiSweeps bounds the rotation sweeps; 3x3 inputs converge in far fewer
const maxJacobiSweeps = 32

// SymmetricEigen decomposes a symmetric 3x3 matrix with cyclic Jacobi
// rotations. Eigenvalues are returned ascending; vectors[i] is the unit
// eigenvector for values[i].
func SymmetricEigen(m Mat3) (values [3]float64, vectors [3]r3.Vector) {
	a := m
	v := Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	scale := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			scale += a[i][j] * a[i][j]
		}
	}
	tol := scale * 1e-30

	for sweep := 0; sweep < maxJacobiSweeps; sweep++ {
		off := a[0][1]*a[0][1] + a[0][2]*a[0][2] + a[1][2]*a[1][2]
		if off <= tol {
			break
		}
		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if a[p][q] == 0 {
					continue
				}
				rotate(&a, &v, p, q)
			}
		}
	}

	order := [3]int{0, 1, 2}
	// insertion sort keeps equal eigenvalues in column order
	for i := 1; i < 3; i++ {
		for j := i; j > 0 && a[order[j]][order[j]] < a[order[j-1]][order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	for i, col := range order {
		values[i] = a[col][col]
		vec := r3.Vector{X: v[0][col], Y: v[1][col], Z: v[2][col]}
		if n := vec.Norm(); n > 0 {
			vec = vec.Mul(1 / n)
		}
		vectors[i] = vec
	}
	return values, vectors
}

// rotate applies the Jacobi rotation that zeroes a[p][q] and accumulates it into v
func rotate(a, v *Mat3, p, q int) {
	theta := (a[q][q] - a[p][p]) / (2 * a[p][q])
	t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
	if theta < 0 {
		t = -t
	}
	c := 1 / math.Sqrt(t*t+1)
	s := t * c

	for k := 0; k < 3; k++ {
		akp, akq := a[k][p], a[k][q]
		a[k][p] = c*akp - s*akq
		a[k][q] = s*akp + c*akq
	}
	for k := 0; k < 3; k++ {
		apk, aqk := a[p][k], a[q][k]
		a[p][k] = c*apk - s*aqk
		a[q][k] = s*apk + c*aqk
	}
	a[p][q], a[q][p] = 0, 0

	for k := 0; k < 3; k++ {
		vkp, vkq := v[k][p], v[k][q]
		v[k][p] = c*vkp - s*vkq
		v[k][q] = s*vkp + c*vkq
	}
}

// MulVec returns m * x
func (m Mat3) MulVec(x r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*x.X + m[0][1]*x.Y + m[0][2]*x.Z,
		Y: m[1][0]*x.X + m[1][1]*x.Y + m[1][2]*x.Z,
		Z: m[2][0]*x.X + m[2][1]*x.Y + m[2][2]*x.Z,
	}
}
