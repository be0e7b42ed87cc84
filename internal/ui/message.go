package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
)

// stateLoadedMsg carries a freshly loaded state snapshot into the model.
type stateLoadedMsg struct {
	st *models.SyncState
}

// tickMsg schedules the next snapshot reload.
type tickMsg time.Time

var (
	_ tea.Msg = stateLoadedMsg{}
	_ tea.Msg = tickMsg{}
)
