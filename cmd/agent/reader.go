package main

import (
	"bufio"
	"context"
	"io"
	"math"
	"strconv"
	"strings"
)

// Firmware markers around an SD card dump
const (
	startMarker = "---START_FILE---"
	endMarker   = "---END_FILE---"
)

// sampleScanner turns text lines into samples.
type sampleScanner struct {
	framed  bool
	started bool
	ended   bool
	skipped int
}

// parseLine returns the samples on one line. Tokens that are not finite numbers
// are counted in skipped.
func (s *sampleScanner) parseLine(line string) []float32 {
	line = strings.TrimSpace(line)
	switch {
	case line == startMarker:
		s.started = true
		return nil
	case line == endMarker:
		s.ended = true
		return nil
	case line == "" || strings.HasPrefix(line, "#"):
		return nil
	case s.framed && !s.started:
		return nil
	}

	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	out := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			s.skipped++
			continue
		}
		out = append(out, float32(v))
	}
	return out
}

// readSamples reads r to the end (or the end marker) and returns every sample.
func readSamples(r io.Reader, framed bool) ([]float32, int, error) {
	s := &sampleScanner{framed: framed}
	var samples []float32

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		samples = append(samples, s.parseLine(scanner.Text())...)
		if s.ended {
			break
		}
	}
	return samples, s.skipped, scanner.Err()
}

// streamSamples sends each parsed line on the returned channel until r ends,
// the end marker arrives or ctx is cancelled. The error channel carries the
// scanner error, if any, and is closed with the sample channel.
func streamSamples(ctx context.Context, r io.Reader, framed bool) (<-chan []float32, <-chan error) {
	out := make(chan []float32)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)

		s := &sampleScanner{framed: framed}
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if samples := s.parseLine(scanner.Text()); len(samples) > 0 {
				select {
				case out <- samples:
				case <-ctx.Done():
					return
				}
			}
			if s.ended {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- err
		}
	}()

	return out, errc
}
