package users

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidTitleTable indicates a tier table that cannot map every point total to a title.
	ErrInvalidTitleTable = errors.New("users: invalid title table")
)

// TitleTier grants Name to every total greater than or equal to MinPoints.
type TitleTier struct {
	MinPoints int64
	Name      string
}

// TitleTable is an ascending list of tiers. The zero value is not usable; build one with
// NewTitleTable or DefaultTitleTable.
type TitleTable struct {
	tiers []TitleTier
}

// DefaultTitleTable returns the tier table used when configuration does not override it.
func DefaultTitleTable() TitleTable {
	return TitleTable{tiers: []TitleTier{
		{MinPoints: 0, Name: "ルーキー"},
		{MinPoints: 100, Name: "ファイター"},
		{MinPoints: 500, Name: "エリート会員"},
		{MinPoints: 1000, Name: "伝説の相棒"},
	}}
}

// NewTitleTable validates the tiers and returns them sorted by threshold.
func NewTitleTable(tiers []TitleTier) (TitleTable, error) {
	if len(tiers) == 0 {
		return TitleTable{}, fmt.Errorf("%w: no tiers", ErrInvalidTitleTable)
	}
	sorted := make([]TitleTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinPoints < sorted[j].MinPoints
	})

	seen := make(map[int64]struct{}, len(sorted))
	for _, tier := range sorted {
		if tier.MinPoints < 0 {
			return TitleTable{}, fmt.Errorf("%w: negative threshold %d", ErrInvalidTitleTable, tier.MinPoints)
		}
		if strings.TrimSpace(tier.Name) == "" {
			return TitleTable{}, fmt.Errorf("%w: empty name at %d", ErrInvalidTitleTable, tier.MinPoints)
		}
		if _, dup := seen[tier.MinPoints]; dup {
			return TitleTable{}, fmt.Errorf("%w: duplicate threshold %d", ErrInvalidTitleTable, tier.MinPoints)
		}
		seen[tier.MinPoints] = struct{}{}
	}
	if sorted[0].MinPoints != 0 {
		return TitleTable{}, fmt.Errorf("%w: lowest tier must start at 0", ErrInvalidTitleTable)
	}
	return TitleTable{tiers: sorted}, nil
}

// ParseTitleTiers reads "<min>=<name>" entries, e.g. "100=ファイター". An entry may hold several
// comma separated tiers.
func ParseTitleTiers(entries []string) (TitleTable, error) {
	tiers := make([]TitleTier, 0, len(entries))
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			rawMin, name, ok := strings.Cut(part, "=")
			if !ok {
				return TitleTable{}, fmt.Errorf("%w: entry %q is not <min>=<name>", ErrInvalidTitleTable, part)
			}
			if strings.Contains(name, "=") {
				return TitleTable{}, fmt.Errorf("%w: entry %q has more than one '='", ErrInvalidTitleTable, part)
			}
			minPoints, err := strconv.ParseInt(strings.TrimSpace(rawMin), 10, 64)
			if err != nil {
				return TitleTable{}, fmt.Errorf("%w: entry %q: %v", ErrInvalidTitleTable, part, err)
			}
			tiers = append(tiers, TitleTier{MinPoints: minPoints, Name: strings.TrimSpace(name)})
		}
	}
	return NewTitleTable(tiers)
}

// TitleFor returns the highest tier whose threshold the total reaches. A total equal to a
// threshold earns that tier.
func (t TitleTable) TitleFor(total int64) string {
	tiers := t.tiers
	if len(tiers) == 0 {
		tiers = DefaultTitleTable().tiers
	}
	for index := len(tiers) - 1; index >= 0; index-- {
		if total >= tiers[index].MinPoints {
			return tiers[index].Name
		}
	}
	return tiers[0].Name
}

// Tiers returns a copy of the ascending tier list.
func (t TitleTable) Tiers() []TitleTier {
	out := make([]TitleTier, len(t.tiers))
	copy(out, t.tiers)
	return out
}
