package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"rosterline/internal/domain"
)

const feedRefreshInterval = 2 * time.Second

// EventSource supplies fresh events for the feed on every refresh tick.
// Newest first.
type EventSource func(ctx context.Context) ([]domain.Event, error)

type feedRefreshMsg struct {
	events []domain.Event
	err    error
}

type eventItem struct {
	evt domain.Event
}

func (i eventItem) Title() string {
	title := fmt.Sprintf("#%d %s", i.evt.ID, i.evt.Type)
	if i.evt.EntityID != "" {
		title += fmt.Sprintf(" · %s %s", i.evt.EntityKind, i.evt.EntityID)
	}
	return title
}

func (i eventItem) Description() string {
	desc := fmt.Sprintf("%s · %s", i.evt.ActorID, i.evt.TS.Format(time.RFC3339))
	if payload := compactPayload(i.evt.Payload); payload != "" {
		desc += " · " + payload
	}
	return desc
}

func (i eventItem) FilterValue() string { return i.evt.Type }

func compactPayload(payload string) string {
	payload = strings.Join(strings.Fields(payload), " ")
	if payload == "" || payload == "{}" {
		return ""
	}
	if len(payload) > 80 {
		payload = payload[:77] + "..."
	}
	return payload
}

// Feed is a live event viewer. It polls the source on a fixed interval and
// keeps the newest events on top.
type Feed struct {
	ctx       context.Context
	source    EventSource
	list      list.Model
	lastErr   string
	refreshed time.Time
	width     int
	height    int
}

func NewFeed(ctx context.Context, orgID string, source EventSource) *Feed {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("Events · %s", orgID)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	return &Feed{ctx: ctx, source: source, list: l}
}

func (f *Feed) Init() tea.Cmd {
	return f.fetch()
}

func (f *Feed) fetch() tea.Cmd {
	return func() tea.Msg {
		events, err := f.source(f.ctx)
		return feedRefreshMsg{events: events, err: err}
	}
}

func (f *Feed) scheduleRefresh() tea.Cmd {
	return tea.Tick(feedRefreshInterval, func(time.Time) tea.Msg {
		events, err := f.source(f.ctx)
		return feedRefreshMsg{events: events, err: err}
	})
}

func (f *Feed) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		f.width = msg.Width
		f.height = msg.Height
		f.list.SetSize(maxInt(0, msg.Width-2), maxInt(0, msg.Height-3))
		return f, nil

	case feedRefreshMsg:
		if msg.err != nil {
			f.lastErr = msg.err.Error()
		} else {
			f.lastErr = ""
			items := make([]list.Item, len(msg.events))
			for i, evt := range msg.events {
				items[i] = eventItem{evt: evt}
			}
			f.list.SetItems(items)
			f.refreshed = time.Now()
		}
		return f, f.scheduleRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return f, tea.Quit
		case "r":
			return f, f.fetch()
		}
	}

	var cmd tea.Cmd
	f.list, cmd = f.list.Update(msg)
	return f, cmd
}

func (f *Feed) View() string {
	footer := dimStyle.Render("r to refresh · q to quit")
	if f.lastErr != "" {
		footer = errStyle.Render("⚠ " + f.lastErr)
	} else if !f.refreshed.IsZero() {
		footer = dimStyle.Render(fmt.Sprintf("refreshed %s · r to refresh · q to quit", f.refreshed.Format("15:04:05")))
	}
	return f.list.View() + "\n" + footer
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
