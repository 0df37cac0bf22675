package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor = lipgloss.Color("205")
	AccentColor  = lipgloss.Color("86")
	MutedColor   = lipgloss.Color("241")
	ErrorColor   = lipgloss.Color("196")
	SuccessColor = lipgloss.Color("42")
	UnreadColor  = lipgloss.Color("214")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true).
			MarginBottom(1)

	MenuItemStyle = lipgloss.NewStyle().PaddingLeft(2)

	KeyStyle = lipgloss.NewStyle().
			Foreground(AccentColor).
			Bold(true)

	MutedStyle   = lipgloss.NewStyle().Foreground(MutedColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(SuccessColor)
	UnreadStyle  = lipgloss.NewStyle().Foreground(UnreadColor).Bold(true)

	OwnMessageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	PeerMessageStyle  = lipgloss.NewStyle().Foreground(AccentColor)
	ReplyMarkerStyle  = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)
	FocusedLabelStyle = lipgloss.NewStyle().Foreground(PrimaryColor).Bold(true)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			MarginTop(1)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(1, 2)
)
