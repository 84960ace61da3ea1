package htb

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"htbtracker/internal/domain"
	"htbtracker/internal/logging"
	"htbtracker/internal/metrics"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	if len(b) == 0 || (b[0] != '-' && (b[0] < '0' || b[0] > '9')) {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*s = flexString(b)
	return nil
}

// flexInt accepts a JSON number or numeric string. Empty strings decode to 0.
type flexInt int

// maxExactFloat is the largest magnitude a float64 holds without losing
// integer precision.
const maxExactFloat = 1 << 53

func (n *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*n = 0
		return nil
	}
	if v, err := strconv.Atoi(string(s)); err == nil {
		*n = flexInt(v)
		return nil
	}
	// Decimal notation ("20.0", "2e1", "12.5") rounds to the nearest integer.
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil || math.IsNaN(f) || math.Abs(f) > maxExactFloat {
		return fmt.Errorf("invalid integer %q", string(s))
	}
	*n = flexInt(math.Round(f))
	return nil
}

// flexFloat accepts a JSON number or numeric string. Empty strings decode to 0.
type flexFloat float64

func (n *flexFloat) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid number %q", string(s))
	}
	*n = flexFloat(f)
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1", `"1"`, `"true"`:
		*v = true
	case "false", "0", `"0"`, `"false"`, `""`, "null":
		*v = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

type memberRecord struct {
	ID   flexString `json:"id" validate:"required,ne=0"`
	Name string     `json:"name" validate:"required"`
}

type activityResponse struct {
	Profile struct {
		Activity []json.RawMessage `json:"activity"`
	} `json:"profile"`
}

type activityRecord struct {
	ObjectType string     `json:"object_type" validate:"required"`
	ID         flexString `json:"id" validate:"required,ne=0"`
	Type       string     `json:"type"`
	FlagTitle  string     `json:"flag_title"`
	Name       string     `json:"name"`
	Points     flexInt    `json:"points"`
	Date       string     `json:"date"`
}

type profileResponse struct {
	Info struct {
		Name        string `json:"name"`
		Rank        string `json:"rank"`
		AvatarThumb string `json:"avatar_thumb"`
	} `json:"info"`
}

type challengeListResponse struct {
	Challenges []json.RawMessage `json:"challenges"`
}

type challengeRecord struct {
	ID           flexString `json:"id" validate:"required,ne=0"`
	Name         string     `json:"name" validate:"required"`
	Difficulty   string     `json:"difficulty"`
	Points       flexInt    `json:"points"`
	CategoryName string     `json:"category_name"`
	Retired      flexBool   `json:"retired"`
	Rating       flexFloat  `json:"rating"`
	Solves       flexInt    `json:"solves"`
	ReleaseDate  string     `json:"release_date"`
}

type challengeInfoResponse struct {
	Challenge struct {
		CategoryName string `json:"category_name"`
	} `json:"challenge"`
}

type machineListResponse struct {
	Data []json.RawMessage `json:"data"`
}

type machineRecord struct {
	ID             flexString `json:"id" validate:"required,ne=0"`
	Name           string     `json:"name" validate:"required"`
	DifficultyText string     `json:"difficultyText"`
	Points         flexInt    `json:"points"`
	OS             string     `json:"os"`
	Retired        flexBool   `json:"retired"`
	Star           flexFloat  `json:"star"`
	UserOwnsCount  flexInt    `json:"user_owns_count"`
	Release        string     `json:"release"`
}

type fortressListResponse struct {
	// Data is keyed by fortress id upstream; a plain list is accepted too.
	Data json.RawMessage `json:"data"`
}

type fortressRecord struct {
	ID            flexString `json:"id" validate:"required,ne=0"`
	Name          string     `json:"name" validate:"required"`
	Points        *flexInt   `json:"points"`
	NumberOfFlags flexInt    `json:"number_of_flags"`
	New           flexBool   `json:"new"`
}

type flagsResponse struct {
	Status bool              `json:"status"`
	Data   []json.RawMessage `json:"data"`
}

type flagRecord struct {
	Title  string  `json:"title" validate:"required"`
	Points flexInt `json:"points"`
}

// records decodes and validates each item independently so one malformed
// entry does not hide the rest.
func records[T any](kind string, items []json.RawMessage) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		var rec T
		if err := json.Unmarshal(it, &rec); err != nil {
			drop(kind, err)
			continue
		}
		if err := validate.Struct(rec); err != nil {
			drop(kind, err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func drop(kind string, err error) {
	metrics.DroppedRecords.WithLabelValues(kind).Inc()
	logging.Debug().Err(err).Str("record", kind).Msg("dropping malformed upstream record")
}

func (r memberRecord) member() domain.Member {
	return domain.Member{ID: string(r.ID), Name: strings.TrimSpace(r.Name)}
}

func (r activityRecord) event() domain.ActivityEvent {
	return domain.ActivityEvent{
		ObjectType: domain.Kind(strings.ToLower(r.ObjectType)),
		ID:         string(r.ID),
		Type:       strings.ToLower(r.Type),
		FlagTitle:  r.FlagTitle,
		Name:       r.Name,
		Points:     int(r.Points),
		Date:       r.Date,
	}
}

func (r challengeRecord) challenge() domain.Challenge {
	return domain.Challenge{
		ID:         string(r.ID),
		Name:       r.Name,
		Difficulty: r.Difficulty,
		Points:     int(r.Points),
		Category:   r.CategoryName,
		Details: domain.Details{
			Retired:     bool(r.Retired),
			Rating:      float64(r.Rating),
			Solves:      int(r.Solves),
			ReleaseDate: r.ReleaseDate,
		},
	}
}

func (r machineRecord) machine() domain.Machine {
	return domain.Machine{
		ID:         string(r.ID),
		Name:       r.Name,
		Difficulty: r.DifficultyText,
		Points:     int(r.Points),
		OS:         r.OS,
		Details: domain.Details{
			Retired:     bool(r.Retired),
			Rating:      float64(r.Star),
			Solves:      int(r.UserOwnsCount),
			ReleaseDate: r.Release,
		},
	}
}

// fortress applies the ten-points-per-flag default when points are absent.
func (r fortressRecord) fortress() domain.Fortress {
	f := domain.Fortress{ID: string(r.ID), Name: r.Name, FlagCount: int(r.NumberOfFlags), New: bool(r.New)}
	if r.Points != nil {
		f.Points = int(*r.Points)
	} else {
		f.Points = f.FlagCount * 10
	}
	return f
}

func decodeFortresses(raw json.RawMessage) ([]fortressRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
	} else {
		var byID map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byID); err != nil {
			return nil, err
		}
		for _, v := range byID {
			items = append(items, v)
		}
	}
	return records[fortressRecord]("fortress", items), nil
}

// avatarURL makes relative avatar paths absolute.
func avatarURL(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return "https://www.hackthebox.com/" + strings.TrimLeft(path, "/")
}
