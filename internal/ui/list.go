package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
)

var _ list.Item = bookItem{}

// bookItem wraps [models.BookState] to implement [list.Item].
type bookItem struct {
	book    *models.BookState
	watched bool
}

func (i bookItem) FilterValue() string { return i.book.BookID }
func (i bookItem) Title() string {
	if i.watched {
		return i.book.BookID
	}
	return fmt.Sprintf("%s (inactive)", i.book.BookID)
}

func (i bookItem) Description() string {
	audible := i.book.Side(models.SideAudible)
	abs := i.book.Side(models.SideABS)
	desc := fmt.Sprintf("audible %s • abs %s", clock(audible.PositionSeconds), clock(abs.PositionSeconds))
	if i.book.LastResult != "" {
		desc = fmt.Sprintf("%s • %s", desc, i.book.LastResult)
	}
	return desc
}

// clock formats a position in seconds as h:mm:ss.
func clock(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
