package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/offmsg/pkg/protocol"
)

// View renders the current view
func (m Model) View() string {
	if m.disconnected {
		return m.renderDisconnected()
	}

	var body, shortcuts string
	switch m.currentView {
	case ViewMenu:
		body, shortcuts = m.renderMenu()
	case ViewLogin:
		body, shortcuts = m.renderForm("Login", m.loginForm)
	case ViewRegister:
		body, shortcuts = m.renderForm("Register", m.registerForm)
	case ViewHome:
		body, shortcuts = m.renderHome()
	case ViewUsers:
		body, shortcuts = m.renderUsers()
	case ViewConversation:
		body, shortcuts = m.renderConversation()
	case ViewMessage:
		body, shortcuts = m.renderMessage()
	case ViewCompose:
		body, shortcuts = m.renderCompose()
	default:
		body = "Unknown view"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		m.renderFooter(shortcuts),
	)
}

func (m Model) renderHeader() string {
	user := "not logged in"
	if m.api.LoggedIn() {
		user = m.api.Username()
	}
	header := fmt.Sprintf("Offline Messenger  %s  %s", m.api.ServerAddress(), user)
	if m.width > 0 {
		return HeaderStyle.Width(m.width).Render(truncateString(header, m.width-2))
	}
	return HeaderStyle.Render(header)
}

// renderFooter renders shortcuts plus the latest status or error
func (m Model) renderFooter(shortcuts string) string {
	var b strings.Builder
	if m.loading {
		b.WriteString(m.spinner.View() + " Working...\n")
	}
	if m.errorMessage != "" {
		b.WriteString(ErrorStyle.Render(m.errorMessage) + "\n")
	} else if m.statusMessage != "" {
		b.WriteString(SuccessStyle.Render(m.statusMessage) + "\n")
	}
	b.WriteString(MutedStyle.Render(shortcuts))
	return FooterStyle.Render(b.String())
}

func menuItem(key, label string) string {
	return MenuItemStyle.Render(KeyStyle.Render("["+key+"]") + " " + label)
}

func (m Model) renderMenu() (string, string) {
	body := lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render("Offline Messenger"),
		menuItem("1", "Login"),
		menuItem("2", "Register"),
		menuItem("Q", "Quit"),
	)
	return body, "1/2 choose  q quit  ctrl+c exit"
}

func (m Model) renderForm(title string, f form) (string, string) {
	lines := []string{TitleStyle.Render(title)}
	for i, in := range f.inputs {
		label := fmt.Sprintf("%-18s", f.labels[i]+":")
		if i == f.focus {
			label = FocusedLabelStyle.Render(label)
		}
		lines = append(lines, MenuItemStyle.Render(label+" "+in.View()))
	}
	return strings.Join(lines, "\n"), "tab/↓ next  shift+tab/↑ previous  enter submit  esc back"
}

func (m Model) renderHome() (string, string) {
	body := lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render("Offline Messenger"),
		menuItem("1", "View Users"),
		menuItem("L", "Logout"),
		menuItem("Q", "Quit"),
	)
	return body, "1 users  l logout  q quit"
}

func (m Model) renderUsers() (string, string) {
	lines := []string{TitleStyle.Render(fmt.Sprintf("View Users  (page %d/%d)", m.usersPage, m.usersPages()))}
	if len(m.users) == 0 {
		lines = append(lines, MutedStyle.Render("  No other users yet"))
	}
	for i, u := range m.users {
		line := fmt.Sprintf("[%d] %s", i, u.Username)
		if u.Unread > 0 {
			line += " " + UnreadStyle.Render(fmt.Sprintf("[%d unread]", u.Unread))
		}
		lines = append(lines, MenuItemStyle.Render(line))
	}
	return strings.Join(lines, "\n"), m.pagerShortcuts("0-9 open", m.usersPage, m.usersPages())
}

func (m Model) renderConversation() (string, string) {
	lines := []string{TitleStyle.Render(fmt.Sprintf("Conversation with %s  (page %d/%d)", m.peer, m.messagesPage, m.messagesPages()))}
	if len(m.messages) == 0 {
		lines = append(lines, MutedStyle.Render("  No messages yet"))
	}
	width := m.width - 4
	if width <= 0 {
		width = 76
	}
	for i, msg := range m.messages {
		lines = append(lines, MenuItemStyle.Render(truncateString(m.formatMessageRow(i, msg), width)))
	}
	return strings.Join(lines, "\n"), m.pagerShortcuts("0-9 view  s send", m.messagesPage, m.messagesPages())
}

// formatMessageRow renders one line of the conversation list. Unread
// messages from the peer are highlighted.
func (m Model) formatMessageRow(i int, msg protocol.MessageRow) string {
	prefix := fmt.Sprintf("[%d][ID: %d] ", i, msg.ID)
	if msg.ReplyID != protocol.NoReply {
		prefix += ReplyMarkerStyle.Render(fmt.Sprintf("[RE: %d] ", msg.ReplyID))
	}
	text := msg.Sender + ": " + msg.Body

	switch {
	case msg.Sender == m.api.Username():
		return prefix + OwnMessageStyle.Render(text)
	case !msg.Read:
		return prefix + UnreadStyle.Render(text)
	default:
		return prefix + PeerMessageStyle.Render(text)
	}
}

func (m Model) renderMessage() (string, string) {
	msg := m.selectedMessage
	lines := []string{TitleStyle.Render(fmt.Sprintf("Message %d", msg.ID))}
	if msg.ReplyID != protocol.NoReply {
		lines = append(lines, ReplyMarkerStyle.Render(fmt.Sprintf("In reply to message %d", msg.ReplyID)))
	}
	lines = append(lines, KeyStyle.Render(msg.Sender+":"))

	width := m.width - 4
	if width <= 0 {
		width = 76
	}
	lines = append(lines, wrapText(msg.Body, width)...)
	return strings.Join(lines, "\n"), "r reply  b back"
}

func (m Model) renderCompose() (string, string) {
	title := "Send message to " + m.peer
	if m.replyID != protocol.NoReply {
		title = fmt.Sprintf("Reply to message %d from %s", m.replyID, m.peer)
	}
	return TitleStyle.Render(title) + "\n" + m.composeInput.View(), "enter send  esc cancel"
}

func (m Model) pagerShortcuts(actions string, page, pages int) string {
	parts := []string{actions}
	if page > 1 {
		parts = append(parts, "z previous")
	}
	if page < pages {
		parts = append(parts, "x next")
	}
	parts = append(parts, "r refresh", "b back")
	return strings.Join(parts, "  ")
}

func (m Model) renderDisconnected() string {
	title := lipgloss.NewStyle().
		Foreground(ErrorColor).
		Bold(true).
		Render("Disconnected")

	message := lipgloss.NewStyle().
		Foreground(lipgloss.Color("252")).
		Render("Lost connection to " + m.api.ServerAddress())

	lines := []string{title, "", message}
	if m.errorMessage != "" {
		lines = append(lines, MutedStyle.Render(m.errorMessage))
	}
	lines = append(lines, "", MutedStyle.Render("Press q to exit"))

	box := BoxStyle.BorderForeground(ErrorColor).Render(strings.Join(lines, "\n"))
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
	}
	return box
}

// truncateString truncates a string to maxLen runes, accounting for ANSI escape codes
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || lipgloss.Width(s) <= maxLen {
		return s
	}

	var result strings.Builder
	currentWidth := 0
	inEscape := false

	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
		}
		if inEscape {
			result.WriteRune(r)
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		if currentWidth >= maxLen {
			break
		}
		result.WriteRune(r)
		currentWidth++
	}

	return result.String()
}

// wrapText wraps text to fit within the specified width
func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := ""
	for _, word := range words {
		// A word longer than the line gets a line of its own
		if len(word) > width {
			if currentLine != "" {
				lines = append(lines, currentLine)
				currentLine = ""
			}
			lines = append(lines, word)
			continue
		}

		testLine := currentLine
		if testLine != "" {
			testLine += " "
		}
		testLine += word

		if len(testLine) > width {
			lines = append(lines, currentLine)
			currentLine = word
		} else {
			currentLine = testLine
		}
	}
	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}
