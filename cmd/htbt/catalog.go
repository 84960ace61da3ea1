package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"htbtracker/internal/app"
	"htbtracker/internal/domain"
)

type catalogView struct {
	Challenges []domain.Challenge `json:"challenges,omitempty"`
	Machines   []domain.Machine   `json:"machines,omitempty"`
	Fortresses []domain.Fortress  `json:"fortresses,omitempty"`
}

func catalogCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the stored challenges, machines and fortresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := catalogKinds(kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				var v catalogView
				if kinds[domain.KindChallenge] {
					if v.Challenges, err = a.Engine.Repo.ListChallenges(ctx); err != nil {
						return err
					}
				}
				if kinds[domain.KindMachine] {
					if v.Machines, err = a.Engine.Repo.ListMachines(ctx); err != nil {
						return err
					}
				}
				if kinds[domain.KindFortress] {
					if v.Fortresses, err = a.Engine.Repo.ListFortresses(ctx); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				renderCatalog(cmd.OutOrStdout(), v, kinds)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "challenge, machine or fortress (default all)")
	return cmd
}

func catalogKinds(kind string) (map[domain.Kind]bool, error) {
	if kind == "" {
		return map[domain.Kind]bool{domain.KindChallenge: true, domain.KindMachine: true, domain.KindFortress: true}, nil
	}
	k := domain.Kind(strings.ToLower(kind))
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %q: use challenge, machine or fortress", kind)
	}
	return map[domain.Kind]bool{k: true}, nil
}

// renderCatalog prints one table per requested kind, best rated first.
func renderCatalog(w io.Writer, v catalogView, kinds map[domain.Kind]bool) {
	if kinds[domain.KindChallenge] {
		chs := append([]domain.Challenge(nil), v.Challenges...)
		sort.SliceStable(chs, func(i, j int) bool { return byRating(chs[i].Details, chs[j].Details, chs[i].Name, chs[j].Name) })
		tw := catalogTable(w, "Challenges", table.Row{"Name", "Category", "Difficulty", "Points", "Status", "Rating", "Solves", "Released"})
		for _, c := range chs {
			tw.AppendRow(table.Row{c.Name, c.Category, c.Difficulty, c.Points, status(c.Retired),
				rating(c.Rating), solves(c.Solves), releaseDate(c.ReleaseDate)})
		}
		tw.AppendFooter(table.Row{"Total", len(chs)})
		tw.Render()
	}
	if kinds[domain.KindMachine] {
		ms := append([]domain.Machine(nil), v.Machines...)
		sort.SliceStable(ms, func(i, j int) bool { return byRating(ms[i].Details, ms[j].Details, ms[i].Name, ms[j].Name) })
		tw := catalogTable(w, "Machines", table.Row{"Name", "OS", "Difficulty", "Points", "Status", "Rating", "Owns", "Released"})
		for _, m := range ms {
			tw.AppendRow(table.Row{m.Name, m.OS, m.Difficulty, m.Points, status(m.Retired),
				rating(m.Rating), solves(m.Solves), releaseDate(m.ReleaseDate)})
		}
		tw.AppendFooter(table.Row{"Total", len(ms)})
		tw.Render()
	}
	if kinds[domain.KindFortress] {
		tw := catalogTable(w, "Fortresses", table.Row{"Name", "Flags", "Points", "Status"})
		for _, f := range v.Fortresses {
			st := "Standard"
			if f.New {
				st = "New"
			}
			tw.AppendRow(table.Row{f.Name, f.FlagCount, f.Points, st})
		}
		tw.AppendFooter(table.Row{"Total", len(v.Fortresses)})
		tw.Render()
	}
}

func catalogTable(w io.Writer, title string, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	tw.AppendHeader(header)
	return tw
}

func byRating(a, b domain.Details, nameA, nameB string) bool {
	if a.Rating != b.Rating {
		return a.Rating > b.Rating
	}
	return nameA < nameB
}

func status(retired bool) string {
	if retired {
		return "Retired"
	}
	return "Active"
}

func rating(r float64) string {
	if r == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f/5.0", r)
}

func solves(n int) string {
	if n == 0 {
		return "N/A"
	}
	return fmt.Sprint(n)
}

// releaseDate shortens upstream timestamps to a day.
func releaseDate(s string) string {
	if s == "" {
		return "N/A"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format("2006-01-02")
		}
	}
	return "N/A"
}
