package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"htbtracker/internal/domain"
)

// Discord embed limits.
const (
	maxFieldValue = 1024
	maxFields     = 25
)

const (
	colorFirstBlood = 0xFF0000
	colorChallenges = 0x00FF00
	colorMachines   = 0x0000FF
	colorFortresses = 0xFF0000
)

// Board message slots, in publish order.
const (
	SlotChallenges = "board.challenges"
	SlotMachines   = "board.machines"
	SlotFortresses = "board.fortresses"
)

var BoardSlots = []string{SlotChallenges, SlotMachines, SlotFortresses}

const otherCategory = "Other"

func kindLabel(k domain.Kind) string {
	switch k {
	case domain.KindChallenge:
		return "Challenge"
	case domain.KindMachine:
		return "Machine"
	case domain.KindFortress:
		return "Fortress Flag"
	}
	return string(k)
}

// FirstBloodEmbed renders a first-blood notice.
func FirstBloodEmbed(fb domain.FirstBlood, footer string, now time.Time) Embed {
	name := fb.ItemName
	if name == "" {
		name = fb.ItemID
	}
	if fb.Retired() {
		name += " (retired)"
	}
	category := fb.SubCategory
	if fb.Kind == domain.KindMachine {
		category = strings.ToUpper(category)
	}
	if category == "" {
		category = otherCategory
	}
	rank := fb.Rank
	if rank == "" {
		rank = "No Rank"
	}
	member := fb.Member.Name
	if member == "" {
		member = fb.Member.ID
	}
	e := Embed{
		Title: fmt.Sprintf(":drop_of_blood: First blood on %s!", name),
		Description: fmt.Sprintf("**Member**: `%s`\n**Type**: `%s`\n**Category**: `%s`\n**Points**: `+%d`\n**Rank**: `%s`",
			member, kindLabel(fb.Kind), category, fb.Points, rank),
		Color:     colorFirstBlood,
		Timestamp: now.UTC().Format(time.RFC3339),
		Footer:    footerOf(footer),
	}
	if fb.AvatarURL != "" {
		e.Thumbnail = &EmbedThumbnail{URL: fb.AvatarURL}
	}
	return e
}

// BoardEmbeds renders one embed per board slot. A slot with nothing
// outstanding maps to nil.
func BoardEmbeds(b domain.Board, footer string, now time.Time) map[string]*Embed {
	ts := now.UTC().Format(time.RFC3339)
	out := map[string]*Embed{SlotChallenges: nil, SlotMachines: nil, SlotFortresses: nil}
	if len(b.Challenges) > 0 {
		out[SlotChallenges] = &Embed{
			Title:     "Challenges left",
			Color:     colorChallenges,
			Timestamp: ts,
			Footer:    footerOf(footer),
			Fields:    capFields(challengeFields(b.Challenges)),
		}
	}
	if len(b.Machines) > 0 {
		fields := make([]EmbedField, 0, len(b.Machines))
		for _, m := range b.Machines {
			missing := strings.Join(m.Missing, ", ")
			value := fmt.Sprintf("Missing: %s\n(no catalog data)", missing)
			if m.Known {
				value = fmt.Sprintf("Difficulty: %s\nOS: %s\nPoints: %d\nMissing: %s", orDash(m.Difficulty), orDash(m.OS), m.Points, missing)
			}
			fields = append(fields, EmbedField{Name: m.Name, Value: value})
		}
		out[SlotMachines] = &Embed{
			Title:     "Machines left",
			Color:     colorMachines,
			Timestamp: ts,
			Footer:    footerOf(footer),
			Fields:    capFields(fields),
		}
	}
	if len(b.Fortresses) > 0 {
		fields := make([]EmbedField, 0, len(b.Fortresses))
		for _, f := range b.Fortresses {
			value := fmt.Sprintf("Flags left: %d\nPoints left: %d\nMissing: %s",
				len(f.Missing), f.PointsRemaining, truncate(strings.Join(f.Missing, ", "), 900))
			if !f.Known {
				value += "\n(no catalog data)"
			}
			fields = append(fields, EmbedField{Name: f.Name, Value: value})
		}
		out[SlotFortresses] = &Embed{
			Title:     "Fortresses left",
			Color:     colorFortresses,
			Timestamp: ts,
			Footer:    footerOf(footer),
			Fields:    capFields(fields),
		}
	}
	return out
}

// challengeFields groups challenges by category, largest category first,
// highest points first inside a category.
func challengeFields(items []domain.BoardChallenge) []EmbedField {
	byCat := map[string][]domain.BoardChallenge{}
	for _, c := range items {
		cat := strings.TrimSpace(c.Category)
		if cat == "" {
			cat = otherCategory
		}
		byCat[cat] = append(byCat[cat], c)
	}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if len(byCat[cats[i]]) != len(byCat[cats[j]]) {
			return len(byCat[cats[i]]) > len(byCat[cats[j]])
		}
		return cats[i] < cats[j]
	})
	var fields []EmbedField
	for _, cat := range cats {
		list := byCat[cat]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Points != list[j].Points {
				return list[i].Points > list[j].Points
			}
			return list[i].Name < list[j].Name
		})
		lines := make([]string, 0, len(list))
		for _, c := range list {
			lines = append(lines, fmt.Sprintf("%s [%s] - %d", c.Name, orDash(c.Difficulty), c.Points))
		}
		for i, chunk := range ChunkLines(lines, maxFieldValue) {
			name := cat
			if i > 0 {
				name = fmt.Sprintf("%s (cont. %d)", cat, i)
			}
			fields = append(fields, EmbedField{Name: name, Value: chunk})
		}
	}
	return fields
}

// ChunkLines joins lines with newlines into chunks no longer than limit.
// A single line longer than limit is truncated.
func ChunkLines(lines []string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	for _, line := range lines {
		line = truncate(line, limit)
		if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// capFields keeps an embed within Discord's field count.
func capFields(fields []EmbedField) []EmbedField {
	if len(fields) <= maxFields {
		return fields
	}
	kept := append([]EmbedField(nil), fields[:maxFields-1]...)
	return append(kept, EmbedField{Name: "More", Value: fmt.Sprintf("and %d more not shown", len(fields)-len(kept))})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func footerOf(text string) *EmbedFooter {
	if text == "" {
		return nil
	}
	return &EmbedFooter{Text: text}
}
