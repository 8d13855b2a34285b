package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"portalchat/internal/domain"
	"portalchat/internal/engine"
	"portalchat/internal/restapi"
	"portalchat/internal/roster"
)

var (
	rosterStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderRight(true).PaddingRight(1)
	pinnedStyle    = lipgloss.NewStyle().Bold(true)
	selectedStyle  = lipgloss.NewStyle().Reverse(true)
	unseenStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	senderStyle    = lipgloss.NewStyle().Bold(true)
	deletedStyle   = lipgloss.NewStyle().Faint(true).Italic(true)
	editedStyle    = lipgloss.NewStyle().Faint(true)
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusBarStyle = lipgloss.NewStyle().Faint(true)
)

// Messages delivered into the update loop by the engine's notifier.
type (
	rosterChangedMsg       struct{}
	conversationChangedMsg struct{ conversationID int64 }
	autoScrollMsg          struct{ conversationID int64 }
	noticeMsg              struct {
		level engine.NoticeLevel
		text  string
	}
)

// teaNotifier forwards engine signals into the bubbletea program.
type teaNotifier struct {
	program *tea.Program
}

func (n *teaNotifier) ConversationChanged(id int64) { n.program.Send(conversationChangedMsg{id}) }
func (n *teaNotifier) RosterChanged()               { n.program.Send(rosterChangedMsg{}) }
func (n *teaNotifier) AutoScroll(id int64)          { n.program.Send(autoScrollMsg{id}) }
func (n *teaNotifier) Notice(level engine.NoticeLevel, text string) {
	n.program.Send(noticeMsg{level: level, text: text})
}

type focusArea int

const (
	focusRoster focusArea = iota
	focusComposer
	focusSearch
)

type model struct {
	eng    *engine.Engine
	roster *roster.Store
	api    *restapi.Client
	self   domain.Participant

	filter   roster.Filter
	convs    []domain.Conversation
	selected int

	viewport viewport.Model
	composer textinput.Model
	search   textinput.Model

	focus  focusArea
	width  int
	height int
	notice string
	ready  bool
}

func newModel(eng *engine.Engine, store *roster.Store, api *restapi.Client, self domain.Participant) model {
	composer := textinput.New()
	composer.Placeholder = "Type a message"
	composer.CharLimit = 5000

	search := textinput.New()
	search.Placeholder = "Search"

	m := model{
		eng:      eng,
		roster:   store,
		api:      api,
		self:     self,
		filter:   roster.Filter{Kind: roster.FilterAll},
		composer: composer,
		search:   search,
		focus:    focusRoster,
	}
	m.reloadRoster()
	return m
}

func (m *model) reloadRoster() {
	m.convs = m.roster.List(m.filter)
	if m.selected >= len(m.convs) {
		m.selected = len(m.convs) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport = viewport.New(msg.Width-34, msg.Height-4)
		m.ready = true
		m.refreshMessages()
		return m, nil

	case rosterChangedMsg:
		m.reloadRoster()
		return m, nil

	case conversationChangedMsg:
		if msg.conversationID == m.eng.ActiveConversationID() {
			m.refreshMessages()
		}
		return m, nil

	case autoScrollMsg:
		if msg.conversationID == m.eng.ActiveConversationID() {
			m.refreshMessages()
			m.viewport.GotoBottom()
			m.eng.SetViewportAtBottom(true)
		}
		return m, nil

	case noticeMsg:
		m.notice = msg.text
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	switch m.focus {
	case focusComposer:
		m.composer, cmd = m.composer.Update(msg)
	case focusSearch:
		m.search, cmd = m.search.Update(msg)
	}
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == focusRoster {
			m.focus = focusComposer
			m.composer.Focus()
		} else {
			m.focus = focusRoster
			m.composer.Blur()
			m.search.Blur()
		}
		return m, nil
	}

	switch m.focus {
	case focusRoster:
		return m.handleRosterKey(msg)
	case focusSearch:
		return m.handleSearchKey(msg)
	default:
		return m.handleComposerKey(msg)
	}
}

func (m model) handleRosterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.convs)-1 {
			m.selected++
		}
	case "enter":
		if m.selected < len(m.convs) {
			conv := m.convs[m.selected]
			if err := m.eng.Open(context.Background(), conv.ID); err != nil {
				m.notice = err.Error()
			}
			m.focus = focusComposer
			m.composer.Focus()
		}
	case "/":
		m.focus = focusSearch
		m.search.Focus()
	case "p":
		if m.selected < len(m.convs) {
			conv := m.convs[m.selected]
			pinned := !conv.Pinned
			m.roster.SetPinned(conv.ID, pinned)
			m.reloadRoster()
			return m, m.persistPreferences(conv.ID, restapi.Preferences{Pinned: &pinned})
		}
	case "a":
		if m.selected < len(m.convs) {
			conv := m.convs[m.selected]
			archived := !conv.Archived
			m.roster.SetArchived(conv.ID, archived)
			m.reloadRoster()
			return m, m.persistPreferences(conv.ID, restapi.Preferences{Archived: &archived})
		}
	case "g":
		m.filter.Kind = nextKind(m.filter.Kind)
		m.reloadRoster()
	case "A":
		m.filter.Archived = !m.filter.Archived
		m.reloadRoster()
	}
	return m, nil
}

// persistPreferences saves a pin/archive toggle server-side so the flag
// survives restarts. The local store is already updated; a failure only
// surfaces a notice.
func (m model) persistPreferences(conversationID int64, prefs restapi.Preferences) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.api.UpdatePreferences(ctx, conversationID, prefs); err != nil {
			return noticeMsg{level: engine.NoticeError, text: "failed to save preference: " + err.Error()}
		}
		return nil
	}
}

func nextKind(k roster.KindFilter) roster.KindFilter {
	switch k {
	case roster.FilterAll:
		return roster.FilterDirect
	case roster.FilterDirect:
		return roster.FilterGroup
	default:
		return roster.FilterAll
	}
}

func (m model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.focus = focusRoster
		m.search.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	m.filter.Query = m.search.Value()
	m.reloadRoster()
	return m, cmd
}

func (m model) handleComposerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		text := strings.TrimSpace(m.composer.Value())
		if text != "" {
			if err := m.eng.Send(text, ""); err != nil {
				m.notice = err.Error()
			}
			m.composer.Reset()
		}
		return m, nil
	case "esc":
		m.focus = focusRoster
		m.composer.Blur()
		return m, nil
	case "pgup":
		m.viewport.LineUp(5)
		m.eng.SetViewportAtBottom(m.viewport.AtBottom())
		return m, nil
	case "pgdown":
		m.viewport.LineDown(5)
		if m.viewport.AtBottom() {
			m.eng.SetViewportAtBottom(true)
			m.eng.MarkRead()
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.composer, cmd = m.composer.Update(msg)
	return m, cmd
}

func (m *model) refreshMessages() {
	if !m.ready {
		return
	}
	_, views, ok := m.eng.Snapshot()
	if !ok {
		m.viewport.SetContent("Select a conversation and press enter.")
		return
	}
	var b strings.Builder
	for _, v := range views {
		b.WriteString(m.renderMessage(v))
		b.WriteByte('\n')
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(b.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) renderMessage(v engine.MessageView) string {
	ts := v.CreatedAt.Local().Format("15:04")
	sender := senderStyle.Render(v.Sender.Name)
	if v.IsDeleted {
		return fmt.Sprintf("%s %s %s", ts, sender, deletedStyle.Render("message deleted"))
	}
	body := v.Content
	if v.VoiceNote != "" {
		body = strings.TrimSpace("[voice note] " + body)
	}
	line := fmt.Sprintf("%s %s: %s", ts, sender, body)
	if v.IsEdited {
		line += " " + editedStyle.Render("(edited)")
	}
	if v.Sender.ID == m.self.ID {
		line += " " + statusTicks(v.Status)
	}
	return line
}

func statusTicks(s domain.Status) string {
	switch s {
	case domain.StatusSending:
		return "…"
	case domain.StatusSent:
		return "✓"
	case domain.StatusDelivered:
		return "✓✓"
	case domain.StatusRead:
		return unseenStyle.Render("✓✓")
	default:
		return ""
	}
}

func (m model) View() string {
	if !m.ready {
		return "loading..."
	}

	var left strings.Builder
	left.WriteString(m.search.View() + "\n")
	for i, c := range m.convs {
		left.WriteString(m.renderRosterLine(c, i == m.selected) + "\n")
	}

	right := m.viewport.View() + "\n" + m.composer.View()

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		rosterStyle.Width(30).Render(left.String()),
		right,
	)
	return body + "\n" + m.statusBar()
}

func (m model) renderRosterLine(c domain.Conversation, selected bool) string {
	name := c.Name
	if !c.IsGroup() {
		if p, ok := c.Counterpart(m.self.ID); ok {
			name = p.Name
		}
	}
	line := name
	if c.Pinned {
		line = pinnedStyle.Render("★ ") + line
	}
	if c.Unseen > 0 {
		line += " " + unseenStyle.Render(fmt.Sprintf("(%d)", c.Unseen))
	}
	if lm := c.LastMessage; lm != nil {
		preview := lm.Content
		if lm.IsDeleted {
			preview = "message deleted"
		} else if lm.VoiceNote && preview == "" {
			preview = "voice note"
		}
		if r := []rune(preview); len(r) > 24 {
			preview = string(r[:24]) + "…"
		}
		line += "\n  " + statusBarStyle.Render(preview)
	}
	if selected {
		return selectedStyle.Render(line)
	}
	return line
}

func (m model) statusBar() string {
	parts := []string{
		fmt.Sprintf("filter:%s", m.filter.Kind),
	}
	if m.filter.Archived {
		parts = append(parts, "archived")
	}
	if m.notice != "" {
		parts = append(parts, noticeStyle.Render(m.notice))
	}
	parts = append(parts, time.Now().Local().Format("15:04:05"))
	return statusBarStyle.Render(strings.Join(parts, "  "))
}
