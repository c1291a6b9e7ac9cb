/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package games

// ClosurePolicy decides when a round ends and who won it. It is consulted
// after every accepted guess and after a player leaves mid-round, with the
// session lock held.
type ClosurePolicy interface {
	Closed(r *Round, members []string) (closed bool, winnerID string)
}

// FirstCorrectOrAllGuessed closes the round at the first correct guess, or
// once every current member has guessed.
type FirstCorrectOrAllGuessed struct{}

func (FirstCorrectOrAllGuessed) Closed(r *Round, members []string) (bool, string) {
	for _, g := range r.Guesses {
		if g.Correct {
			return true, g.PlayerID
		}
	}

	for _, id := range members {
		if _, ok := r.GuessBy(id); !ok {
			return false, ""
		}
	}

	return len(members) > 0, ""
}

// AllGuessed only closes the round once every member has guessed; the
// earliest correct guess still wins.
type AllGuessed struct{}

func (AllGuessed) Closed(r *Round, members []string) (bool, string) {
	for _, id := range members {
		if _, ok := r.GuessBy(id); !ok {
			return false, ""
		}
	}
	if len(members) == 0 {
		return false, ""
	}

	for _, g := range r.Guesses {
		if g.Correct {
			return true, g.PlayerID
		}
	}
	return true, ""
}
