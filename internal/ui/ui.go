package ui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/state"
)

const refreshInterval = 2 * time.Second

// Model represents the dashboard application state.
type Model struct {
	store    *state.Store
	st       *models.SyncState
	bookList list.Model
	width    int
	height   int
	help     help.Model
	keys     keyMap
	ready    bool
}

// NewModel creates a dashboard model reading snapshots from store.
func NewModel(store *state.Store) *Model {
	return &Model{
		store: store,
		help:  help.New(),
		keys:  newKeyMap(),
	}
}

// Init loads the first snapshot and starts the refresh timer.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadState(), m.scheduleTick())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.ready {
			m.bookList.SetSize(msg.Width-4, msg.Height-8)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadState()
		}

	case stateLoadedMsg:
		m.st = msg.st
		m.rebuildList()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.loadState(), m.scheduleTick())
	}

	if m.ready {
		var cmd tea.Cmd
		m.bookList, cmd = m.bookList.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the dashboard.
func (m *Model) View() string {
	if !m.ready {
		return styles.help.Render("Loading state snapshot...")
	}

	header := styles.title.Render("Listening Position Sync")
	summary := m.renderSummary()
	helpView := m.help.ShortHelpView(m.keys.ShortHelp())
	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s", header, summary, m.bookList.View(), helpView)
}

func (m *Model) renderSummary() string {
	last := "never"
	if !m.st.LastSyncAt.IsZero() {
		last = m.st.LastSyncAt.Format(time.Kitchen)
	}
	return fmt.Sprintf("watching %s, tracking %s, last sync %s",
		styles.ok.Render(fmt.Sprintf("%d", len(m.st.Watchlist))),
		styles.ok.Render(fmt.Sprintf("%d", len(m.st.Books))),
		styles.warn.Render(last))
}

// rebuildList converts the snapshot into list items, watched books first,
// ordered by recency.
func (m *Model) rebuildList() {
	watched := make(map[string]time.Time, len(m.st.Watchlist))
	for _, entry := range m.st.Watchlist {
		watched[entry.BookID] = entry.LastActiveAt
	}

	ids := make([]string, 0, len(m.st.Books))
	for id := range m.st.Books {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, iw := watched[ids[i]]
		tj, jw := watched[ids[j]]
		if iw != jw {
			return iw
		}
		if iw && !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ids[i] < ids[j]
	})

	items := make([]list.Item, 0, len(ids))
	for _, id := range ids {
		_, w := watched[id]
		items = append(items, bookItem{book: m.st.Books[id], watched: w})
	}

	if !m.ready {
		m.bookList = list.New(items, list.NewDefaultDelegate(), 0, 0)
		m.bookList.Title = "Tracked Books"
		m.bookList.SetSize(m.width-4, m.height-8)
		m.ready = true
		return
	}
	m.bookList.SetItems(items)
}

func (m *Model) loadState() tea.Cmd {
	return func() tea.Msg {
		return stateLoadedMsg{st: m.store.Load()}
	}
}

func (m *Model) scheduleTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
