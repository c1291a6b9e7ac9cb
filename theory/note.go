/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package theory holds the small amount of music theory the fretboard quiz
// needs: spelled notes, MIDI arithmetic and guitar tunings.
package theory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidNote = errors.New("invalid note")

type WhiteKey int

const (
	C WhiteKey = iota
	D
	E
	F
	G
	A
	B
)

var whiteKeyNames = [...]string{"C", "D", "E", "F", "G", "A", "B"}

// semitones above C for each white key
var whiteKeyOffsets = [...]int{0, 2, 4, 5, 7, 9, 11}

func (k WhiteKey) String() string {
	if k < C || k > B {
		return "?"
	}
	return whiteKeyNames[k]
}

func ParseWhiteKey(s string) (WhiteKey, error) {
	for i, name := range whiteKeyNames {
		if strings.EqualFold(s, name) {
			return WhiteKey(i), nil
		}
	}
	return 0, fmt.Errorf("%w: white key %q", ErrInvalidNote, s)
}

type Accidental int

const (
	Natural Accidental = iota
	Sharp
	Flat
)

func (a Accidental) String() string {
	switch a {
	case Sharp:
		return "#"
	case Flat:
		return "b"
	default:
		return ""
	}
}

func (a Accidental) offset() int {
	switch a {
	case Sharp:
		return 1
	case Flat:
		return -1
	default:
		return 0
	}
}

func ParseAccidental(s string) (Accidental, error) {
	switch s {
	case "", "n":
		return Natural, nil
	case "#":
		return Sharp, nil
	case "b":
		return Flat, nil
	}
	return 0, fmt.Errorf("%w: accidental %q", ErrInvalidNote, s)
}

// Note is a spelled pitch. C4 is middle C (MIDI 60).
type Note struct {
	Key        WhiteKey
	Accidental Accidental
	Octave     int
}

// MIDI returns the MIDI note number. Enharmonic spellings such as B#3 and C4
// resolve to the same number.
func (n Note) MIDI() int {
	return (n.Octave+1)*12 + whiteKeyOffsets[n.Key] + n.Accidental.offset()
}

// String renders the note the way the staff renderer expects it, e.g. "C#/4".
func (n Note) String() string {
	return n.Key.String() + n.Accidental.String() + "/" + strconv.Itoa(n.Octave)
}

func (n Note) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Note) UnmarshalText(b []byte) error {
	parsed, err := ParseNote(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ParseNote accepts "C#/4", "Db/4" or "E/2".
func ParseNote(s string) (Note, error) {
	name, octave, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, s)
	}

	key, err := ParseWhiteKey(name[:1])
	if err != nil {
		return Note{}, err
	}

	acc, err := ParseAccidental(name[1:])
	if err != nil {
		return Note{}, err
	}

	o, err := strconv.Atoi(octave)
	if err != nil {
		return Note{}, fmt.Errorf("%w: octave %q", ErrInvalidNote, octave)
	}

	return Note{Key: key, Accidental: acc, Octave: o}, nil
}

// SamePitch reports whether a and b sound the same, octave included.
func SamePitch(a, b Note) bool {
	return a.MIDI() == b.MIDI()
}

// Spelling selects how black keys are named by FromMIDI.
type Spelling int

const (
	SpellSharp Spelling = iota
	SpellFlat
)

var sharpSpellings = [12]Note{
	{Key: C}, {Key: C, Accidental: Sharp}, {Key: D}, {Key: D, Accidental: Sharp},
	{Key: E}, {Key: F}, {Key: F, Accidental: Sharp}, {Key: G},
	{Key: G, Accidental: Sharp}, {Key: A}, {Key: A, Accidental: Sharp}, {Key: B},
}

var flatSpellings = [12]Note{
	{Key: C}, {Key: D, Accidental: Flat}, {Key: D}, {Key: E, Accidental: Flat},
	{Key: E}, {Key: F}, {Key: G, Accidental: Flat}, {Key: G},
	{Key: A, Accidental: Flat}, {Key: A}, {Key: B, Accidental: Flat}, {Key: B},
}

// FromMIDI spells a MIDI note number. Naturals ignore the spelling.
func FromMIDI(m int, s Spelling) Note {
	pc := ((m % 12) + 12) % 12
	octave := (m-pc)/12 - 1

	n := sharpSpellings[pc]
	if s == SpellFlat {
		n = flatSpellings[pc]
	}
	n.Octave = octave

	return n
}
