package permutation

import (
	"strconv"
	"strings"
)

// Vector is one relabelling of the observations. Exactly one of Indices
// (a permutation of observation indices) or Signs (±1 per observation) is set.
type Vector struct {
	Indices []int
	Signs   []float64
}

// IdentityVector returns the no-op vector of the given mode and length
func IdentityVector(mode Mode, n int) Vector {
	if mode == SecondLevelSignFlip {
		s := make([]float64, n)
		for i := range s {
			s[i] = 1
		}
		return Vector{Signs: s}
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return Vector{Indices: idx}
}

// Len returns the number of observations the vector relabels
func (v Vector) Len() int {
	if v.Signs != nil {
		return len(v.Signs)
	}
	return len(v.Indices)
}

// IsIdentity reports whether applying v leaves data unchanged
func (v Vector) IsIdentity() bool {
	for _, s := range v.Signs {
		if s != 1 {
			return false
		}
	}
	for i, j := range v.Indices {
		if i != j {
			return false
		}
	}
	return true
}

// Apply writes the relabelled series to dst: dst[i] = src[Indices[i]] or
// dst[i] = Signs[i]*src[i]. dst and src must not alias for index vectors.
func (v Vector) Apply(dst, src []float64) {
	if v.Signs != nil {
		for i, s := range v.Signs {
			dst[i] = s * src[i]
		}
		return
	}
	for i, j := range v.Indices {
		dst[i] = src[j]
	}
}

// Key returns a compact string identifying the vector, used to reject duplicates
func (v Vector) Key() string {
	var b strings.Builder
	if v.Signs != nil {
		for _, s := range v.Signs {
			if s < 0 {
				b.WriteByte('-')
			} else {
				b.WriteByte('+')
			}
		}
		return b.String()
	}
	for i, j := range v.Indices {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(j))
	}
	return b.String()
}

func (v Vector) clone() Vector {
	c := Vector{}
	if v.Signs != nil {
		c.Signs = append([]float64(nil), v.Signs...)
	}
	if v.Indices != nil {
		c.Indices = append([]int(nil), v.Indices...)
	}
	return c
}
