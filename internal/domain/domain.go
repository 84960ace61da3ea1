package domain

import (
	"fmt"
	"strings"
)

// Kind is the item family a completion belongs to.
type Kind string

const (
	KindChallenge Kind = "challenge"
	KindMachine   Kind = "machine"
	KindFortress  Kind = "fortress"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChallenge, KindMachine, KindFortress:
		return true
	}
	return false
}

const (
	FlagUser = "user"
	FlagRoot = "root"
)

// MachineFlags is the fixed flag set of every machine.
var MachineFlags = []string{FlagUser, FlagRoot}

// OutstandingKind tags a row of the outstanding table.
type OutstandingKind string

const (
	OutstandingChallenge    OutstandingKind = "challenge"
	OutstandingMachineUser  OutstandingKind = "machine_user"
	OutstandingMachineRoot  OutstandingKind = "machine_root"
	OutstandingFortressFlag OutstandingKind = "fortress_flag"
)

// OutstandingKinds lists every outstanding kind in display order.
var OutstandingKinds = []OutstandingKind{
	OutstandingChallenge,
	OutstandingMachineUser,
	OutstandingMachineRoot,
	OutstandingFortressFlag,
}

func ParseOutstandingKind(s string) (OutstandingKind, error) {
	for _, k := range OutstandingKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid outstanding kind %q", s)
}

// Details carries catalog attributes that are informational only and play no
// part in reconciliation.
type Details struct {
	Retired     bool    `json:"retired,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	Solves      int     `json:"solves,omitempty"`
	ReleaseDate string  `json:"release_date,omitempty"`
}

type Challenge struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Difficulty string `json:"difficulty,omitempty"`
	Points     int    `json:"points"`
	Category   string `json:"category,omitempty"`
	Details
}

type Machine struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Difficulty string `json:"difficulty,omitempty"`
	Points     int    `json:"points"`
	OS         string `json:"os,omitempty"`
	Details
}

type Fortress struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Points    int    `json:"points"`
	FlagCount int    `json:"flag_count"`
	New       bool   `json:"new,omitempty"`
}

// FlagDef is one named flag of a fortress.
type FlagDef struct {
	Title  string `json:"title"`
	Points int    `json:"points"`
}

type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FactKey identifies a unit of work independent of who completed it.
type FactKey struct {
	Kind   Kind   `json:"kind"`
	ItemID string `json:"item_id"`
	Flag   string `json:"flag,omitempty"`
}

// Outstanding returns the outstanding-table coordinates for the key.
func (k FactKey) Outstanding() (OutstandingKind, string) {
	switch k.Kind {
	case KindChallenge:
		return OutstandingChallenge, k.ItemID
	case KindMachine:
		if k.Flag == FlagRoot {
			return OutstandingMachineRoot, k.ItemID
		}
		return OutstandingMachineUser, k.ItemID
	default:
		return OutstandingFortressFlag, FortressKey(k.ItemID, k.Flag)
	}
}

// CompletionFact asserts that a member completed a unit of work.
type CompletionFact struct {
	MemberID   string `json:"member_id"`
	Kind       Kind   `json:"kind"`
	ItemID     string `json:"item_id"`
	Flag       string `json:"flag,omitempty"`
	RecordedAt string `json:"recorded_at,omitempty" format:"date-time"`
}

func (f CompletionFact) Key() FactKey {
	return FactKey{Kind: f.Kind, ItemID: f.ItemID, Flag: f.Flag}
}

// Validate rejects facts whose shape does not match their kind.
func (f CompletionFact) Validate() error {
	if f.MemberID == "" || f.ItemID == "" {
		return fmt.Errorf("fact requires member and item: member=%q item=%q", f.MemberID, f.ItemID)
	}
	switch f.Kind {
	case KindChallenge:
		if f.Flag != "" {
			return fmt.Errorf("challenge fact cannot carry flag %q", f.Flag)
		}
	case KindMachine:
		if f.Flag != FlagUser && f.Flag != FlagRoot {
			return fmt.Errorf("invalid machine flag %q", f.Flag)
		}
	case KindFortress:
		if f.Flag == "" {
			return fmt.Errorf("fortress fact requires a flag title")
		}
	default:
		return fmt.Errorf("invalid fact kind %q", f.Kind)
	}
	return nil
}

type OutstandingEntry struct {
	Kind OutstandingKind `json:"kind" enum:"challenge,machine_user,machine_root,fortress_flag"`
	Key  string          `json:"key"`
	Name string          `json:"name"`
}

// FortressKey builds the outstanding key of a fortress flag.
func FortressKey(fortressID, title string) string {
	return fortressID + ":" + title
}

// SplitFortressKey is the inverse of FortressKey. Titles may contain colons.
func SplitFortressKey(key string) (fortressID, title string, ok bool) {
	fortressID, title, ok = strings.Cut(key, ":")
	if !ok || fortressID == "" || title == "" {
		return "", "", false
	}
	return fortressID, title, true
}

// ActivityEvent is one entry of a member's activity feed, most recent first.
type ActivityEvent struct {
	ObjectType Kind   `json:"object_type"`
	ID         string `json:"id"`
	Type       string `json:"type,omitempty"`
	FlagTitle  string `json:"flag_title,omitempty"`
	Name       string `json:"name"`
	Points     int    `json:"points"`
	Date       string `json:"date,omitempty"`
}

// Fact converts the event into the completion it asserts. ok is false for
// events that carry no trackable completion.
func (e ActivityEvent) Fact(memberID string) (CompletionFact, bool) {
	if memberID == "" || e.ID == "" {
		return CompletionFact{}, false
	}
	f := CompletionFact{MemberID: memberID, Kind: e.ObjectType, ItemID: e.ID}
	switch e.ObjectType {
	case KindChallenge:
	case KindMachine:
		if e.Type != FlagUser && e.Type != FlagRoot {
			return CompletionFact{}, false
		}
		f.Flag = e.Type
	case KindFortress:
		if e.FlagTitle == "" {
			return CompletionFact{}, false
		}
		f.Flag = e.FlagTitle
	default:
		return CompletionFact{}, false
	}
	return f, true
}

// FirstBlood is emitted when a member is the first tracked holder of a fact.
type FirstBlood struct {
	Member      Member `json:"member"`
	Kind        Kind   `json:"kind"`
	ItemID      string `json:"item_id"`
	ItemName    string `json:"item_name"`
	SubCategory string `json:"sub_category,omitempty"`
	Points      int    `json:"points"`
	Rank        string `json:"rank,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Retired reports whether the item no longer awards points.
func (fb FirstBlood) Retired() bool {
	return fb.Points == 0
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	RunID    string `json:"run_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	ItemKey  string `json:"item_key,omitempty"`
	MemberID string `json:"member_id,omitempty"`
	Payload  string `json:"payload_json"`
}
