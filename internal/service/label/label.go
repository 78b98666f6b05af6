// Package label renders the case names responders see.
package label

import (
	"fmt"
	"strings"

	"counselbot/internal/models"
)

// Index returns the 1-based position of c among candidates, or 0.
func Index(candidates []*models.Case, c *models.Case) int {
	if c == nil {
		return 0
	}
	for i, cand := range candidates {
		if cand.ID == c.ID {
			return i + 1
		}
	}
	return 0
}

// Label is "Case #n" or "Case <short id>", followed by " [alias]" when set.
func Label(candidates []*models.Case, c *models.Case) string {
	var base string
	if n := Index(candidates, c); n > 0 {
		base = fmt.Sprintf("Case #%d", n)
	} else {
		base = "Case " + c.ShortID()
	}
	if c.Alias != "" {
		return fmt.Sprintf("%s [%s]", base, c.Alias)
	}
	return base
}

// Tag is the compact "#caseN" marker appended to relayed messages.
func Tag(candidates []*models.Case, c *models.Case) string {
	if n := Index(candidates, c); n > 0 {
		return fmt.Sprintf("#case%d", n)
	}
	return "#case" + strings.ToLower(models.Prefix(c.ID, 3))
}
