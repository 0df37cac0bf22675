package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/offmsg/pkg/protocol"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.composeInput.Width = max(msg.Width-4, 10)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case authDoneMsg:
		return m.handleAuthDone(msg)

	case usersLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.showError(msg.err)
			return m, nil
		}
		m.users = msg.users
		m.usersPage = msg.page
		m.usersTotal = msg.total
		m.currentView = ViewUsers
		return m, nil

	case conversationLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.showError(msg.err)
			return m, nil
		}
		m.peer = msg.peer
		m.messages = msg.rows
		m.messagesPage = msg.page
		m.messagesTotal = msg.total
		m.currentView = ViewConversation
		if msg.markErr != nil {
			m.showError(fmt.Errorf("could not mark messages read: %w", msg.markErr))
		}
		return m, nil

	case messageSentMsg:
		m.loading = false
		if msg.err != nil {
			m.showError(msg.err)
			return m, nil
		}
		m.composeInput.SetValue("")
		m.composeInput.Blur()
		m.replyID = protocol.NoReply
		m.statusMessage = "Message sent"
		m.loading = true
		return m, loadConversationCmd(m.api, m.peer, 1)

	case loggedOutMsg:
		m.loading = false
		if msg.err != nil {
			m.showError(msg.err)
			return m, nil
		}
		m.users = nil
		m.messages = nil
		m.peer = ""
		m.currentView = ViewMenu
		m.statusMessage = "Logged out"
		return m, nil

	case quitDoneMsg:
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleAuthDone(msg authDoneMsg) (tea.Model, tea.Cmd) {
	m.loading = false
	if msg.err != nil {
		m.showError(msg.err)
		return m, nil
	}

	if err := m.state.SetLastUsername(msg.username); err != nil {
		m.logger.Warn().Err(err).Msg("failed to save last username")
	}

	m.loginForm.reset(0)
	m.registerForm.reset()
	m.currentView = ViewHome
	m.statusMessage = "Welcome, " + msg.username
	return m, nil
}

// handleKeyPress routes keys to the active view
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m.quit()
	}

	if m.disconnected {
		if key := strings.ToLower(msg.String()); key == "q" || key == "esc" || key == "enter" {
			return m, tea.Quit
		}
		return m, nil
	}

	// One request at a time
	if m.loading {
		return m, nil
	}

	switch m.currentView {
	case ViewMenu:
		return m.handleMenuKeys(msg)
	case ViewLogin:
		return m.handleFormKeys(msg)
	case ViewRegister:
		return m.handleFormKeys(msg)
	case ViewHome:
		return m.handleHomeKeys(msg)
	case ViewUsers:
		return m.handleUsersKeys(msg)
	case ViewConversation:
		return m.handleConversationKeys(msg)
	case ViewMessage:
		return m.handleMessageKeys(msg)
	case ViewCompose:
		return m.handleComposeKeys(msg)
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, tea.Quit
	}
	m.quitting = true
	if m.disconnected {
		return m, tea.Quit
	}
	return m, quitCmd(m.api)
}

func (m Model) handleMenuKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch strings.ToLower(msg.String()) {
	case "1":
		m.clearMessages()
		m.currentView = ViewLogin
		cmd := m.loginForm.focusCurrent()
		return m, cmd
	case "2":
		m.clearMessages()
		m.currentView = ViewRegister
		m.registerForm.focus = 0
		cmd := m.registerForm.focusCurrent()
		return m, cmd
	case "q":
		return m.quit()
	}
	return m, nil
}

// handleFormKeys drives the login or register form, whichever is showing
func (m Model) handleFormKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	f := &m.loginForm
	if m.currentView == ViewRegister {
		f = &m.registerForm
	}

	var cmd tea.Cmd
	switch msg.Type {
	case tea.KeyEsc:
		m.clearMessages()
		m.currentView = ViewMenu
		return m, nil
	case tea.KeyTab, tea.KeyDown:
		cmd = f.next()
	case tea.KeyShiftTab, tea.KeyUp:
		cmd = f.prev()
	case tea.KeyEnter:
		if f.onLastField() {
			return m.submitForm()
		}
		cmd = f.next()
	default:
		cmd = f.update(msg)
	}
	return m, cmd
}

func (m Model) submitForm() (tea.Model, tea.Cmd) {
	m.clearMessages()
	m.loading = true
	if m.currentView == ViewRegister {
		return m, registerCmd(m.api, m.registerForm.values())
	}
	values := m.loginForm.values()
	return m, loginCmd(m.api, values[0], values[1])
}

func (m Model) handleHomeKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch strings.ToLower(msg.String()) {
	case "1":
		m.clearMessages()
		m.loading = true
		return m, loadUsersCmd(m.api, 1)
	case "l":
		m.clearMessages()
		m.loading = true
		return m, logoutCmd(m.api)
	case "q":
		return m.quit()
	}
	return m, nil
}

func (m Model) handleUsersKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := strings.ToLower(msg.String())
	if i, ok := digitIndex(key); ok && i < len(m.users) {
		m.clearMessages()
		m.loading = true
		return m, loadConversationCmd(m.api, m.users[i].Username, 1)
	}

	switch key {
	case "z":
		if m.usersPage > 1 {
			m.loading = true
			return m, loadUsersCmd(m.api, m.usersPage-1)
		}
	case "x":
		if m.usersPage < m.usersPages() {
			m.loading = true
			return m, loadUsersCmd(m.api, m.usersPage+1)
		}
	case "r":
		m.clearMessages()
		m.loading = true
		return m, loadUsersCmd(m.api, m.usersPage)
	case "b", "esc":
		m.clearMessages()
		m.currentView = ViewHome
	}
	return m, nil
}

func (m Model) handleConversationKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := strings.ToLower(msg.String())
	if i, ok := digitIndex(key); ok && i < len(m.messages) {
		m.clearMessages()
		m.selectedMessage = m.messages[i]
		m.currentView = ViewMessage
		return m, nil
	}

	switch key {
	case "s":
		return m.startCompose(protocol.NoReply)
	case "z":
		if m.messagesPage > 1 {
			m.loading = true
			return m, loadConversationCmd(m.api, m.peer, m.messagesPage-1)
		}
	case "x":
		if m.messagesPage < m.messagesPages() {
			m.loading = true
			return m, loadConversationCmd(m.api, m.peer, m.messagesPage+1)
		}
	case "r":
		m.clearMessages()
		m.loading = true
		return m, loadConversationCmd(m.api, m.peer, m.messagesPage)
	case "b", "esc":
		// Reload so unread counts reflect what was just read
		m.clearMessages()
		m.loading = true
		return m, loadUsersCmd(m.api, m.usersPage)
	}
	return m, nil
}

func (m Model) handleMessageKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch strings.ToLower(msg.String()) {
	case "r":
		return m.startCompose(m.selectedMessage.ID)
	case "b", "esc":
		m.currentView = ViewConversation
	}
	return m, nil
}

func (m Model) startCompose(replyID int64) (tea.Model, tea.Cmd) {
	m.clearMessages()
	m.composeFrom = m.currentView
	m.replyID = replyID
	m.currentView = ViewCompose
	m.composeInput.SetValue("")
	cmd := m.composeInput.Focus()
	return m, cmd
}

func (m Model) handleComposeKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.composeInput.Blur()
		m.replyID = protocol.NoReply
		m.currentView = m.composeFrom
		return m, nil
	case tea.KeyEnter:
		m.clearMessages()
		m.loading = true
		return m, sendMessageCmd(m.api, m.peer, m.composeInput.Value(), m.replyID)
	}

	var cmd tea.Cmd
	m.composeInput, cmd = m.composeInput.Update(msg)
	return m, cmd
}

// digitIndex maps "0".."9" to a row index on the current page
func digitIndex(key string) (int, bool) {
	if len(key) != 1 || key[0] < '0' || key[0] > '9' {
		return 0, false
	}
	return int(key[0] - '0'), true
}
