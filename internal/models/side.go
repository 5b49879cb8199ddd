package models

// Side is a member's half of the couple in two-player features.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
	// Tie marks a round nobody won.
	Tie Side = "tie"
)

// SideOf derives the side of accountID against its partner. The lower id
// (byte-wise) is side A. Every feature must use this function so mood,
// game and display logic agree on who is who.
func SideOf(accountID, partnerID string) Side {
	if accountID < partnerID {
		return SideA
	}
	return SideB
}

// Other returns the opposite side. Tie stays Tie.
func (s Side) Other() Side {
	switch s {
	case SideA:
		return SideB
	case SideB:
		return SideA
	default:
		return s
	}
}

// Winner decides a round from both sides' final tap counts.
func Winner(aTaps, bTaps int) Side {
	switch {
	case aTaps > bTaps:
		return SideA
	case aTaps < bTaps:
		return SideB
	default:
		return Tie
	}
}
