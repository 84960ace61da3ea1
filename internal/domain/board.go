package domain

// Board is the grouped, display-ready view of the outstanding table.
type Board struct {
	Challenges []BoardChallenge `json:"challenges"`
	Machines   []BoardMachine   `json:"machines"`
	Fortresses []BoardFortress  `json:"fortresses"`
}

func (b Board) Empty() bool {
	return len(b.Challenges) == 0 && len(b.Machines) == 0 && len(b.Fortresses) == 0
}

// Counts returns the number of outstanding rows per kind.
func (b Board) Counts() map[OutstandingKind]int {
	out := map[OutstandingKind]int{}
	out[OutstandingChallenge] = len(b.Challenges)
	for _, m := range b.Machines {
		for _, f := range m.Missing {
			if f == FlagRoot {
				out[OutstandingMachineRoot]++
			} else {
				out[OutstandingMachineUser]++
			}
		}
	}
	for _, f := range b.Fortresses {
		out[OutstandingFortressFlag] += len(f.Missing)
	}
	return out
}

type BoardChallenge struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Difficulty string `json:"difficulty,omitempty"`
	Category   string `json:"category,omitempty"`
	Points     int    `json:"points"`
	// Known is false when the entry has no catalog row to cross-reference.
	Known bool `json:"known"`
}

type BoardMachine struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Difficulty string   `json:"difficulty,omitempty"`
	OS         string   `json:"os,omitempty"`
	Points     int      `json:"points"`
	Missing    []string `json:"missing"`
	Known      bool     `json:"known"`
}

type BoardFortress struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	FlagCount       int      `json:"flag_count"`
	Missing         []string `json:"missing"`
	PointsRemaining int      `json:"points_remaining"`
	Known           bool     `json:"known"`
}
