/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package games

import (
	"github.com/Seednode/fretquiz/theory"
)

// IsCorrect reports whether coord sounds target on an instrument with the
// given tuning. The octave must match; an enharmonic spelling of the same
// pitch is accepted. Unknown positions are never correct.
func IsCorrect(target theory.Note, coord theory.FretCoord, tuning theory.Tuning) bool {
	midi, err := tuning.Pitch(coord)
	if err != nil {
		return false
	}
	return midi == target.MIDI()
}

// Validator grades guesses against a fixed tuning.
type Validator struct {
	Tuning theory.Tuning
}

func NewValidator(t theory.Tuning) Validator {
	return Validator{Tuning: t}
}

func (v Validator) IsCorrect(target theory.Note, coord theory.FretCoord) bool {
	return IsCorrect(target, coord, v.Tuning)
}

// Playable reports whether coord exists on the instrument.
func (v Validator) Playable(coord theory.FretCoord) bool {
	_, err := v.Tuning.Pitch(coord)
	return err == nil
}
