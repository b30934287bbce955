/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Answers are compared in two tiers: anything that parses as a number on
// both sides is compared with an absolute tolerance, so "7/2" matches "3.5"
// and "2pi" matches "6.2832". Everything else (derivatives, algebraic
// expressions) must match the canonical spelling exactly after
// normalization. No algebraic rewriting is attempted, so "2x" never
// matches "2*x".

const answerTolerance = 1e-3

var (
	fractionPattern = regexp.MustCompile(`^(-?\d+)/(-?\d+)$`)
	decimalPattern  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	piPattern       = regexp.MustCompile(`^(-?\d+)?pi(?:/(\d+))?$`)
)

func normalizeAnswer(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return -1
		case r == '−':
			return '-'
		}
		return r
	}, s)
	return strings.ReplaceAll(s, "π", "pi")
}

// parseMaybeNumber interprets a normalized answer as a fraction, a plain
// decimal, or an integer multiple of pi over an integer. The bool result is
// false when the input does not reduce to a finite number, including
// division by zero.
func parseMaybeNumber(s string) (float64, bool) {
	if m := fractionPattern.FindStringSubmatch(s); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[2], 64)
		if errA != nil || errB != nil || b == 0 {
			return 0, false
		}
		return a / b, true
	}

	if decimalPattern.MatchString(s) {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}

	if m := piPattern.FindStringSubmatch(s); m != nil {
		k := 1.0
		if m[1] != "" {
			parsed, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, false
			}
			k = parsed
		}
		d := 1.0
		if m[2] != "" {
			parsed, err := strconv.ParseFloat(m[2], 64)
			if err != nil || parsed == 0 {
				return 0, false
			}
			d = parsed
		}
		return k * math.Pi / d, true
	}

	return 0, false
}

func answersMatch(submitted, canonical string) bool {
	u := normalizeAnswer(submitted)
	c := normalizeAnswer(canonical)

	un, uOk := parseMaybeNumber(u)
	cn, cOk := parseMaybeNumber(c)
	if uOk && cOk {
		return math.Abs(un-cn) <= answerTolerance
	}

	return u == c
}
