package users

import (
	"errors"
	"testing"
)

func TestDefaultTitleTableBoundaries(t *testing.T) {
	table := DefaultTitleTable()
	testCases := map[int64]string{
		0:    "ルーキー",
		5:    "ルーキー",
		50:   "ルーキー",
		99:   "ルーキー",
		100:  "ファイター",
		499:  "ファイター",
		500:  "エリート会員",
		999:  "エリート会員",
		1000: "伝説の相棒",
		5000: "伝説の相棒",
	}
	for total, want := range testCases {
		if got := table.TitleFor(total); got != want {
			t.Fatalf("TitleFor(%d): got %q want %q", total, got, want)
		}
	}
}

func TestTitleForIsMonotonic(t *testing.T) {
	table := DefaultTitleTable()
	rank := map[string]int{}
	for index, tier := range table.Tiers() {
		rank[tier.Name] = index
	}
	previous := rank[table.TitleFor(0)]
	for total := int64(1); total <= 1200; total++ {
		current := rank[table.TitleFor(total)]
		if current < previous {
			t.Fatalf("title rank decreased at %d", total)
		}
		previous = current
	}
}

func TestZeroTitleTableFallsBackToDefault(t *testing.T) {
	var table TitleTable
	if got := table.TitleFor(100); got != "ファイター" {
		t.Fatalf("expected default table fallback, got %q", got)
	}
}

func TestNewTitleTableValidation(t *testing.T) {
	testCases := []struct {
		name  string
		tiers []TitleTier
	}{
		{name: "empty", tiers: nil},
		{name: "negative", tiers: []TitleTier{{MinPoints: -1, Name: "x"}, {MinPoints: 0, Name: "y"}}},
		{name: "blank name", tiers: []TitleTier{{MinPoints: 0, Name: " "}}},
		{name: "duplicate", tiers: []TitleTier{{MinPoints: 0, Name: "a"}, {MinPoints: 0, Name: "b"}}},
		{name: "no zero tier", tiers: []TitleTier{{MinPoints: 10, Name: "a"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTitleTable(testCase.tiers); !errors.Is(err, ErrInvalidTitleTable) {
				t.Fatalf("expected ErrInvalidTitleTable, got %v", err)
			}
		})
	}
}

func TestParseTitleTiersSortsEntries(t *testing.T) {
	table, err := ParseTitleTiers([]string{"500=エリート会員", "0=ルーキー", " 100 = ファイター "})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tiers := table.Tiers()
	if len(tiers) != 3 || tiers[0].MinPoints != 0 || tiers[1].Name != "ファイター" || tiers[2].MinPoints != 500 {
		t.Fatalf("unexpected tiers: %+v", tiers)
	}
}

func TestParseTitleTiersRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"ルーキー", "abc=ルーキー", "0=ルーキー=100", "0:ルーキー,100:ファイター"} {
		if _, err := ParseTitleTiers([]string{entry}); !errors.Is(err, ErrInvalidTitleTable) {
			t.Fatalf("entry %q: expected ErrInvalidTitleTable, got %v", entry, err)
		}
	}
}

func TestParseTitleTiersSplitsCommaSeparatedEntries(t *testing.T) {
	table, err := ParseTitleTiers([]string{"0=ルーキー,100=ファイター", "500=エリート会員,"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(table.Tiers()) != 3 {
		t.Fatalf("expected three tiers, got %+v", table.Tiers())
	}
	if got := table.TitleFor(150); got != "ファイター" {
		t.Fatalf("expected ファイター at 150, got %q", got)
	}
}
