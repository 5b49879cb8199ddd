package models

// MoodType is one of the fixed moods a user can pick
type MoodType string

const (
	MoodHappy  MoodType = "happy"
	MoodSleepy MoodType = "sleepy"
	MoodSad    MoodType = "sad"
	MoodFlirty MoodType = "flirty"
	MoodLove   MoodType = "love"
	MoodHungry MoodType = "hungry"
	MoodAngry  MoodType = "angry"
	MoodBusy   MoodType = "busy"
)

// AllMoods lists the moods in display order.
var AllMoods = []MoodType{
	MoodHappy, MoodSleepy, MoodSad, MoodFlirty,
	MoodLove, MoodHungry, MoodAngry, MoodBusy,
}

// Valid reports whether m is one of the fixed moods.
func (m MoodType) Valid() bool {
	for _, mood := range AllMoods {
		if m == mood {
			return true
		}
	}
	return false
}
