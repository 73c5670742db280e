// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomHeader(rng *rand.Rand) Header {
	var h Header
	h.Flags = uint8(rng.Intn(8))
	rng.Read(h.DeviceID[:])
	h.ServiceIndex = uint8(rng.Intn(64))
	h.ServiceCommand = uint16(rng.Intn(0x10000))
	return h
}

func TestFuzz_FrameRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	for round := 0; round < getFuzzRounds(); round++ {
		h := randomHeader(rng)
		data := make([]byte, rng.Intn(MaxPayloadSize+1))
		rng.Read(data)

		frame, err := Encode(h, data)
		if err != nil {
			t.Fatalf("round %d: Encode failed: %v", round, err)
		}
		p, err := Decode(frame)
		if err != nil {
			t.Fatalf("round %d: Decode failed: %v", round, err)
		}
		if p.Header() != h || !bytes.Equal(p.Data(), data) {
			t.Fatalf("round %d: round trip mismatch: %+v != %+v", round, p.Header(), h)
		}

		stream := EncodeStream(frame)
		d := NewStreamDecoder()
		var got []byte
		for _, b := range stream {
			if f, err := d.DecodeByte(b); err != nil {
				t.Fatalf("round %d: stream decode failed: %v", round, err)
			} else if f != nil {
				got = f
			}
		}
		if !bytes.Equal(got, frame) {
			t.Fatalf("round %d: stream round trip mismatch", round)
		}
	}
}

func TestFuzz_OversizedPayloadRejected(t *testing.T) {
	rng := newFuzzRng(t)
	for round := 0; round < getFuzzRounds(); round++ {
		data := make([]byte, MaxPayloadSize+1+rng.Intn(1024))
		if _, err := Encode(randomHeader(rng), data); !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("round %d: %d bytes error = %v", round, len(data), err)
		}
	}
}

func TestFuzz_RandomBytesNeverPanic(t *testing.T) {
	rng := newFuzzRng(t)
	for round := 0; round < getFuzzRounds(); round++ {
		buf := make([]byte, rng.Intn(300))
		rng.Read(buf)
		if f, _ := DecodeFrame(buf); f != nil {
			_, _ = Split(f)
		}
	}
}
