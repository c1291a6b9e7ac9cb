/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package theory

import (
	"errors"
	"fmt"
)

const MaxFret = 24

var ErrNoSuchPosition = errors.New("no such fretboard position")

// FretCoord identifies a playable position. String 0 is the lowest-pitched
// string of the tuning.
type FretCoord struct {
	String int `json:"string"`
	Fret   int `json:"fret"`
}

// Tuning lists open-string MIDI numbers, lowest string first.
type Tuning []int

// StandardTuning is E2 A2 D3 G3 B3 E4.
var StandardTuning = Tuning{40, 45, 50, 55, 59, 64}

// Pitch returns the MIDI number sounded at c.
func (t Tuning) Pitch(c FretCoord) (int, error) {
	if c.String < 0 || c.String >= len(t) || c.Fret < 0 || c.Fret > MaxFret {
		return 0, fmt.Errorf("%w: string %d fret %d", ErrNoSuchPosition, c.String, c.Fret)
	}
	return t[c.String] + c.Fret, nil
}

// Positions returns every coordinate within [startFret, endFret] that sounds
// the given MIDI number.
func (t Tuning) Positions(midi, startFret, endFret int) []FretCoord {
	var out []FretCoord
	for s, open := range t {
		fret := midi - open
		if fret >= startFret && fret <= endFret && fret >= 0 && fret <= MaxFret {
			out = append(out, FretCoord{String: s, Fret: fret})
		}
	}
	return out
}

// NoteRange is an inclusive MIDI range.
type NoteRange struct {
	Low  int
	High int
}

// DefaultRange spans the open low E string up to the fourth fret of the high
// E string in standard tuning.
var DefaultRange = NoteRange{Low: 40, High: 68}

func (r NoteRange) Contains(m int) bool {
	return m >= r.Low && m <= r.High
}

// Playable returns the MIDI numbers in r that t can sound within the fret
// window, in ascending order.
func (r NoteRange) Playable(t Tuning, startFret, endFret int) []int {
	var out []int
	for m := r.Low; m <= r.High; m++ {
		if len(t.Positions(m, startFret, endFret)) > 0 {
			out = append(out, m)
		}
	}
	return out
}
