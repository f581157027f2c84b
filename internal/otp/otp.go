// Package otp generates numeric one-time passwords from a
// rotation-sampled bit source.
//
// The bit sampling follows the quantum-inspired scheme of the original
// service: each bit is drawn by picking a rotation angle uniformly in
// [0, 2π) and emitting 1 with probability sin²(angle). Averaged over
// angles this is unbiased, and the generator keeps running zero/one
// counts so the observed bias can be inspected.
package otp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
)

// bitsPerDigit is the number of sampled bits behind one decimal digit.
// Four bits per digit keeps the modulo reduction bias negligible.
const bitsPerDigit = 4

// Generator produces numeric OTP codes of a fixed length.
type Generator struct {
	length int
	source io.Reader

	mu    sync.Mutex
	zeros uint64
	ones  uint64
}

// NewGenerator returns a Generator producing codes of the given number
// of decimal digits, sampling entropy from crypto/rand.
func NewGenerator(length int) (*Generator, error) {
	return NewGeneratorWithSource(length, rand.Reader)
}

// NewGeneratorWithSource is like NewGenerator but reads raw entropy from
// the given source. Tests use this to make the output deterministic.
func NewGeneratorWithSource(length int, source io.Reader) (*Generator, error) {
	if length < 1 || length > 18 {
		return nil, fmt.Errorf("invalid OTP length: %d", length)
	}
	return &Generator{length: length, source: source}, nil
}

// Generate returns a zero-padded numeric code of the configured length.
func (g *Generator) Generate() (string, error) {
	bits, err := g.sampleBits(g.length * bitsPerDigit)
	if err != nil {
		return "", fmt.Errorf("sampling OTP bits: %v", err)
	}

	var value uint64
	for _, b := range bits {
		value = value<<1 | uint64(b)
	}

	mod := uint64(math.Pow10(g.length))
	return fmt.Sprintf("%0*d", g.length, value%mod), nil
}

// Bias reports the observed probability of zero and one bits since the
// generator was created. Before any sampling both values are 0.5.
func (g *Generator) Bias() (p0, p1 float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := g.zeros + g.ones
	if total == 0 {
		return 0.5, 0.5
	}
	return float64(g.zeros) / float64(total), float64(g.ones) / float64(total)
}

// sampleBits draws n bits via rotation sampling: angle uniform in
// [0, 2π), then one biased coin flip with P(1) = sin²(angle).
func (g *Generator) sampleBits(n int) ([]byte, error) {
	bits := make([]byte, n)

	var zeros, ones uint64
	for i := 0; i < n; i++ {
		angle, err := g.uniform(2 * math.Pi)
		if err != nil {
			return nil, err
		}
		p1 := math.Sin(angle) * math.Sin(angle)

		u, err := g.uniform(1)
		if err != nil {
			return nil, err
		}

		if u < p1 {
			bits[i] = 1
			ones++
		} else {
			bits[i] = 0
			zeros++
		}
	}

	g.mu.Lock()
	g.zeros += zeros
	g.ones += ones
	g.mu.Unlock()

	return bits, nil
}

// uniform returns a float64 uniformly distributed in [0, max), using
// 53 bits of entropy from the source.
func (g *Generator) uniform(max float64) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(g.source, buf[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(buf[:]) >> 11 // 53 significant bits
	return max * float64(v) / float64(1<<53), nil
}
