package ui

import (
	"errors"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/aeolun/offmsg/pkg/client"
	"github.com/aeolun/offmsg/pkg/protocol"
)

// ViewState represents the current view. Every transition is a plain
// assignment in Update; views never call each other.
type ViewState int

const (
	ViewMenu ViewState = iota
	ViewLogin
	ViewRegister
	ViewHome
	ViewUsers
	ViewConversation
	ViewMessage
	ViewCompose
)

func (v ViewState) String() string {
	switch v {
	case ViewMenu:
		return "menu"
	case ViewLogin:
		return "login"
	case ViewRegister:
		return "register"
	case ViewHome:
		return "home"
	case ViewUsers:
		return "users"
	case ViewConversation:
		return "conversation"
	case ViewMessage:
		return "message"
	case ViewCompose:
		return "compose"
	default:
		return "unknown"
	}
}

// Model represents the application state
type Model struct {
	api    client.API
	state  client.StateInterface
	logger zerolog.Logger

	currentView ViewState
	composeFrom ViewState // where Esc returns to from compose

	width  int
	height int

	loginForm    form
	registerForm form
	composeInput textinput.Model
	replyID      int64

	// Users view
	users      []protocol.UserRow
	usersPage  int
	usersTotal int // other users, excluding me

	// Conversation view
	peer            string
	messages        []protocol.MessageRow
	messagesPage    int
	messagesTotal   int
	selectedMessage protocol.MessageRow

	loading bool
	spinner spinner.Model

	errorMessage  string
	statusMessage string
	disconnected  bool
	quitting      bool
}

// NewModel creates the UI for an already connected client
func NewModel(api client.API, state client.StateInterface, logger zerolog.Logger) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = KeyStyle

	loginForm := newForm([]formField{
		{label: "Username"},
		{label: "Password", secret: true},
	})
	if last := state.GetLastUsername(); last != "" {
		loginForm.inputs[0].SetValue(last)
		loginForm.focus = 1
	}

	registerForm := newForm([]formField{
		{label: "Username"},
		{label: "First Name"},
		{label: "Last Name"},
		{label: "Password", secret: true},
		{label: "Confirm Password", secret: true},
	})

	compose := textinput.New()
	compose.Placeholder = "Write a message..."
	compose.Prompt = "> "
	compose.CharLimit = 0 // server enforces max message length

	return Model{
		api:          api,
		state:        state,
		logger:       logger,
		currentView:  ViewMenu,
		loginForm:    loginForm,
		registerForm: registerForm,
		composeInput: compose,
		replyID:      protocol.NoReply,
		usersPage:    1,
		messagesPage: 1,
		spinner:      s,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// CurrentView returns the active view
func (m Model) CurrentView() ViewState {
	return m.currentView
}

// Result messages of the commands below

type authDoneMsg struct {
	username string
	err      error
}

type usersLoadedMsg struct {
	page  int
	total int
	users []protocol.UserRow
	err   error
}

type conversationLoadedMsg struct {
	peer    string
	page    int
	total   int
	rows    []protocol.MessageRow
	markErr error
	err     error
}

type messageSentMsg struct {
	id  int64
	err error
}

type loggedOutMsg struct {
	err error
}

type quitDoneMsg struct{}

func loginCmd(api client.API, username, password string) tea.Cmd {
	return func() tea.Msg {
		return authDoneMsg{username: username, err: api.Login(username, password)}
	}
}

func registerCmd(api client.API, values []string) tea.Cmd {
	return func() tea.Msg {
		err := api.Register(values[0], values[1], values[2], values[3], values[4])
		return authDoneMsg{username: values[0], err: err}
	}
}

// loadUsersCmd fetches the user count and one page of users
func loadUsersCmd(api client.API, page int) tea.Cmd {
	return func() tea.Msg {
		total, err := api.UsersCount()
		if err != nil {
			return usersLoadedMsg{page: page, err: err}
		}
		users, err := api.ViewUsers(page)
		// The count includes the caller
		return usersLoadedMsg{page: page, total: max(total-1, 0), users: users, err: err}
	}
}

// loadConversationCmd fetches one page of the conversation and marks
// whatever peer sent on it as read. Rows keep their unread flag so the
// view can still highlight what was new.
func loadConversationCmd(api client.API, peer string, page int) tea.Cmd {
	return func() tea.Msg {
		total, err := api.MessagesCount(peer)
		if err != nil {
			return conversationLoadedMsg{peer: peer, page: page, err: err}
		}
		rows, err := api.ViewMessages(peer, page)
		if err != nil {
			return conversationLoadedMsg{peer: peer, page: page, err: err}
		}
		markErr := api.MarkRead(client.UnreadIDs(rows, api.Username())...)
		return conversationLoadedMsg{peer: peer, page: page, total: total, rows: rows, markErr: markErr}
	}
}

func sendMessageCmd(api client.API, peer, body string, replyID int64) tea.Cmd {
	return func() tea.Msg {
		id, err := api.SendMessage(peer, body, replyID)
		return messageSentMsg{id: id, err: err}
	}
}

func logoutCmd(api client.API) tea.Cmd {
	return func() tea.Msg {
		return loggedOutMsg{err: api.Logout()}
	}
}

func quitCmd(api client.API) tea.Cmd {
	return func() tea.Msg {
		// Best effort; the program exits either way
		_ = api.Quit()
		return quitDoneMsg{}
	}
}

// showError records err for the footer. A lost connection switches the
// UI to the disconnected screen.
func (m *Model) showError(err error) {
	m.statusMessage = ""
	var se *client.StatusError
	if errors.As(err, &se) {
		m.errorMessage = se.Content
		return
	}
	if errors.Is(err, client.ErrConnectionClosed) || errors.Is(err, client.ErrNotConnected) {
		m.disconnected = true
	}
	m.errorMessage = err.Error()
	m.logger.Warn().Err(err).Str("view", m.currentView.String()).Msg("request failed")
}

func (m *Model) clearMessages() {
	m.errorMessage = ""
	m.statusMessage = ""
}

func (m Model) usersPages() int {
	return client.PageCount(m.usersTotal, client.PageSize)
}

func (m Model) messagesPages() int {
	return client.PageCount(m.messagesTotal, client.PageSize)
}

type formField struct {
	label  string
	secret bool
}

// form is a vertical list of text inputs with one focused at a time
type form struct {
	labels []string
	inputs []textinput.Model
	focus  int
}

func newForm(fields []formField) form {
	f := form{
		labels: make([]string, len(fields)),
		inputs: make([]textinput.Model, len(fields)),
	}
	for i, field := range fields {
		in := textinput.New()
		in.Prompt = ""
		in.CharLimit = 50
		if field.secret {
			in.EchoMode = textinput.EchoPassword
			in.EchoCharacter = '*'
		}
		f.labels[i] = field.label
		f.inputs[i] = in
	}
	return f
}

func (f *form) focusCurrent() tea.Cmd {
	for i := range f.inputs {
		f.inputs[i].Blur()
	}
	return f.inputs[f.focus].Focus()
}

func (f *form) next() tea.Cmd {
	f.focus = (f.focus + 1) % len(f.inputs)
	return f.focusCurrent()
}

func (f *form) prev() tea.Cmd {
	f.focus = (f.focus - 1 + len(f.inputs)) % len(f.inputs)
	return f.focusCurrent()
}

func (f form) onLastField() bool {
	return f.focus == len(f.inputs)-1
}

func (f form) values() []string {
	out := make([]string, len(f.inputs))
	for i, in := range f.inputs {
		out[i] = in.Value()
	}
	return out
}

// reset clears every field except those listed in keep
func (f *form) reset(keep ...int) {
	kept := make(map[int]bool, len(keep))
	for _, i := range keep {
		kept[i] = true
	}
	for i := range f.inputs {
		if !kept[i] {
			f.inputs[i].SetValue("")
		}
	}
}

func (f *form) update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	f.inputs[f.focus], cmd = f.inputs[f.focus].Update(msg)
	return cmd
}
