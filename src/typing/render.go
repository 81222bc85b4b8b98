package typing

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// IndicatorText renders the "who is typing" line for a set of user
// ids. The ids may arrive in arbitrary iteration order; they are
// sorted before projection so repeated renders of the same set are
// identical. displayName maps a user id to its display name.
func IndicatorText(ids []string, displayName func(string) string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	names := lo.Map(sorted, func(id string, _ int) string { return displayName(id) })

	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing…", names[0], names[1])
	case 3:
		return fmt.Sprintf("%s, %s and %s are typing…", names[0], names[1], names[2])
	default:
		return fmt.Sprintf("%s, %s and %d others are typing…", names[0], names[1], len(names)-2)
	}
}
