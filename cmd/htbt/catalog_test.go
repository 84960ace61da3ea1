package main

import (
	"bytes"
	"strings"
	"testing"

	"htbtracker/internal/domain"
)

func TestCatalogKinds(t *testing.T) {
	all, err := catalogKinds("")
	if err != nil || len(all) != 3 {
		t.Fatalf("all kinds = %v, %v", all, err)
	}
	one, err := catalogKinds("Machine")
	if err != nil || !one[domain.KindMachine] || len(one) != 1 {
		t.Fatalf("machine kind = %v, %v", one, err)
	}
	if _, err := catalogKinds("box"); err == nil {
		t.Fatalf("expected invalid kind error")
	}
}

func TestRenderCatalog(t *testing.T) {
	v := catalogView{
		Challenges: []domain.Challenge{
			{ID: "1", Name: "Alpha", Difficulty: "Easy", Points: 20, Category: "Web"},
			{ID: "2", Name: "Zulu", Difficulty: "Hard", Points: 50, Category: "Crypto",
				Details: domain.Details{Retired: true, Rating: 4.5, Solves: 812, ReleaseDate: "2023-05-04T19:00:00.000000Z"}},
		},
		Machines:   []domain.Machine{{ID: "7", Name: "Zipper", OS: "Linux", Points: 40, Details: domain.Details{Rating: 4.2, Solves: 150}}},
		Fortresses: []domain.Fortress{{ID: "3", Name: "Jet", FlagCount: 4, Points: 40, New: true}},
	}
	var buf bytes.Buffer
	kinds, _ := catalogKinds("")
	renderCatalog(&buf, v, kinds)
	out := buf.String()

	for _, want := range []string{"4.5/5.0", "812", "2023-05-04", "Retired", "Active", "4.2/5.0", "Jet", "New"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Zulu") > strings.Index(out, "Alpha") {
		t.Fatalf("rated challenge should be listed first:\n%s", out)
	}

	buf.Reset()
	kinds, _ = catalogKinds("fortress")
	renderCatalog(&buf, v, kinds)
	if strings.Contains(buf.String(), "Zipper") || !strings.Contains(buf.String(), "Jet") {
		t.Fatalf("fortress-only output:\n%s", buf.String())
	}
}
