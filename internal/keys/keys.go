// Package keys contains keybinding definitions.
package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keybindings for the slot dashboard.
type KeyMap struct {
	// Navigation
	Up        key.Binding
	Down      key.Binding
	NextFrame key.Binding
	PrevFrame key.Binding

	// Actions
	Retry   key.Binding
	Refresh key.Binding

	// General
	Help key.Binding
	Quit key.Binding
}

// DefaultKeyMap returns the default keybindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		// Navigation
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "move down"),
		),
		NextFrame: key.NewBinding(
			key.WithKeys("tab", "l"),
			key.WithHelp("tab", "next frame"),
		),
		PrevFrame: key.NewBinding(
			key.WithKeys("shift+tab", "h"),
			key.WithHelp("s-tab", "prev frame"),
		),

		// Actions
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry failed slot"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "refresh"),
		),

		// General
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings for the short help view.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.Quit}
}

// FullHelp returns keybindings for the full help view.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.NextFrame, k.PrevFrame}, // Navigation
		{k.Retry, k.Refresh},                     // Actions
		{k.Help, k.Quit},                         // General
	}
}
