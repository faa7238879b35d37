package dash

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/tessera/internal/federation/controlplane"
	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/ui/styles"
)

// spinnerFrames defines the braille spinner animation sequence.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Status text labels for slot states.
const (
	stateEmpty     = "EMPTY"
	stateLoading   = "LOADING"
	stateMounted   = "MOUNTED"
	stateFailed    = "FAILED"
	stateUnmounted = "UNMOUNTED"
)

// Fixed column widths. Slot and error split what remains.
const (
	colStateWidth = 11 // spinner + space + "UNMOUNTED"
	colGenWidth   = 4
	colAgeWidth   = 5
)

// renderView renders the complete dashboard view.
// This is a pure render function - it does not mutate model state.
func (m Model) renderView() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	header := m.renderHeader()
	status := m.renderStatusLine()
	footer := m.renderFooter()

	contentHeight := max(m.height-lipgloss.Height(header)-lipgloss.Height(status)-lipgloss.Height(footer), 3)
	table := m.renderSlotTable(m.width, contentHeight)

	view := lipgloss.JoinVertical(lipgloss.Left, header, table, status, footer)
	return lipgloss.Place(m.width, m.height, lipgloss.Left, lipgloss.Top, view)
}

// renderHeader renders the title line and the frame strip.
func (m Model) renderHeader() string {
	title := m.getTitle()
	if m.generation > 0 {
		title += fmt.Sprintf(" · gen %d", m.generation)
	}
	titleLine := styles.StatusBarStyle.Bold(true).Foreground(styles.TextPrimaryColor).Render(title)

	return lipgloss.JoinVertical(lipgloss.Left, titleLine, m.renderFrameStrip())
}

// getTitle returns the dashboard title including the API port.
func (m Model) getTitle() string {
	if m.apiPort > 0 {
		return fmt.Sprintf("Slots · API ::%d", m.apiPort)
	}
	return "Slots"
}

// renderFrameStrip renders the frames in display order with the active one
// highlighted. Tab moves the highlight, navigating the session.
func (m Model) renderFrameStrip() string {
	if len(m.frames) == 0 {
		return styles.StatusBarStyle.Foreground(styles.TextMutedColor).Render("no frames configured")
	}

	activeStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.BorderFocusColor)
	idleStyle := lipgloss.NewStyle().Foreground(styles.TextMutedColor)

	parts := make([]string, 0, len(m.frames))
	for _, f := range m.frames {
		if f.ID == m.activeFrame {
			parts = append(parts, activeStyle.Render("["+f.ID+"]"))
		} else {
			parts = append(parts, idleStyle.Render(" "+f.ID+" "))
		}
	}
	return styles.StatusBarStyle.Render(strings.Join(parts, " "))
}

// renderSlotTable renders the bordered slot table.
// This is a pure render function - it does not mutate model state.
func (m Model) renderSlotTable(width, height int) string {
	innerWidth := max(width-2, 10)
	innerHeight := max(height-2, 1)

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.BorderDefaultColor).
		Width(innerWidth).
		Height(innerHeight)

	if len(m.slots) == 0 {
		empty := lipgloss.NewStyle().Foreground(styles.TextMutedColor).Render(m.getEmptyMessage())
		return box.Render(lipgloss.Place(innerWidth, innerHeight, lipgloss.Center, lipgloss.Center, empty))
	}

	slotWidth, errWidth := splitFlexColumns(innerWidth)

	lines := []string{renderHeaderRow(slotWidth, errWidth)}
	maxRows := max(innerHeight-1, 1)
	for i := m.scrollOffset(maxRows); i < len(m.slots) && len(lines) < maxRows+1; i++ {
		lines = append(lines, m.renderSlotRow(m.slots[i], i == m.selectedIndex, slotWidth, errWidth))
	}

	return box.Render(strings.Join(lines, "\n"))
}

// scrollOffset returns the first visible row index, keeping the selection in
// view.
func (m Model) scrollOffset(maxRows int) int {
	if len(m.slots) <= maxRows {
		return 0
	}
	offset := m.selectedIndex - maxRows + 1
	if offset < 0 {
		return 0
	}
	if offset > len(m.slots)-maxRows {
		return len(m.slots) - maxRows
	}
	return offset
}

// splitFlexColumns divides the width left over after the fixed columns
// between the slot and error columns.
func splitFlexColumns(innerWidth int) (slotWidth, errWidth int) {
	// 2 for the selection prefix, 3 gaps of 2 between four columns.
	flex := max(innerWidth-2-colStateWidth-colGenWidth-colAgeWidth-8, 10)
	slotWidth = max(flex*2/5, 5)
	errWidth = max(flex-slotWidth, 5)
	return slotWidth, errWidth
}

func renderHeaderRow(slotWidth, errWidth int) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.TextPrimaryColor)
	return "  " + strings.Join([]string{
		headerStyle.Width(slotWidth).Render("SLOT"),
		headerStyle.Width(colStateWidth).Render("STATE"),
		headerStyle.Width(colGenWidth).Render("GEN"),
		headerStyle.Width(colAgeWidth).Render("AGE"),
		headerStyle.Width(errWidth).Render("ERROR"),
	}, "  ")
}

// renderSlotRow renders one table row. The selected row gets a ">" prefix.
func (m Model) renderSlotRow(slot controlplane.Slot, selected bool, slotWidth, errWidth int) string {
	prefix := "  "
	idStyle := lipgloss.NewStyle().Foreground(styles.TextSecondaryColor)
	if selected {
		prefix = styles.SelectionIndicatorStyle.Render(">") + " "
		idStyle = idStyle.Bold(true).Foreground(styles.TextPrimaryColor)
	}

	text, color := getStateTextAndColor(slot.State)
	if slot.State == controlplane.SlotLoading {
		text = spinnerFrames[m.spinnerFrame%len(spinnerFrames)] + " " + text
	}
	stateCell := lipgloss.NewStyle().Foreground(color).Width(colStateWidth).Render(text)

	errText := slot.LastError
	if slot.LastErrorKind != "" {
		errText = string(slot.LastErrorKind)
	}

	cells := []string{
		idStyle.Width(slotWidth).Render(styles.TruncateString(slot.ID, slotWidth)),
		stateCell,
		lipgloss.NewStyle().Foreground(styles.TextSecondaryColor).Width(colGenWidth).Render(fmt.Sprintf("%d", slot.Generation)),
		lipgloss.NewStyle().Foreground(styles.TextMutedColor).Width(colAgeWidth).Render(formatAge(time.Since(slot.UpdatedAt))),
		lipgloss.NewStyle().Foreground(styles.StatusErrorColor).Width(errWidth).Render(styles.TruncateString(errText, errWidth)),
	}
	return prefix + strings.Join(cells, "  ")
}

// getEmptyMessage returns the empty state message.
func (m Model) getEmptyMessage() string {
	if len(m.frames) == 0 {
		return "No frames configured. Edit preferences via the API."
	}
	return "No slots yet. Press tab to activate a frame."
}

// renderStatusLine shows the last action error, or the most recent
// lifecycle event.
func (m Model) renderStatusLine() string {
	if m.actionErr != "" {
		return styles.StatusBarStyle.Foreground(styles.StatusErrorColor).Render("✗ " + m.actionErr)
	}
	if m.lastEvent == nil {
		return styles.StatusBarStyle.Foreground(styles.TextMutedColor).Render("waiting for events")
	}
	return styles.StatusBarStyle.Foreground(styles.TextMutedColor).Render(describeEvent(m.lastEvent.Payload) + " · " + formatAge(time.Since(m.lastEvent.Timestamp)) + " ago")
}

// renderFooter renders the action hints bar, or the expanded keybinding help
// when toggled.
func (m Model) renderFooter() string {
	hintStyle := lipgloss.NewStyle().Foreground(styles.TextMutedColor)
	keyStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.SelectionIndicatorColor)

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.BorderDefaultColor).
		Width(max(m.width-2, 10)).
		Padding(0, 1)

	if m.showHelp {
		rows := make([]string, 0, 3)
		for _, group := range m.keys.FullHelp() {
			parts := make([]string, 0, len(group))
			for _, b := range group {
				parts = append(parts, fmt.Sprintf("%s %s", keyStyle.Render(b.Help().Key), b.Help().Desc))
			}
			rows = append(rows, hintStyle.Render(strings.Join(parts, "   ")))
		}
		return box.Render(strings.Join(rows, "\n"))
	}

	hints := []string{
		fmt.Sprintf("%s nav", keyStyle.Render("j/k")),
		fmt.Sprintf("%s cycle frame", keyStyle.Render("tab")),
		fmt.Sprintf("%s retry", keyStyle.Render("r")),
		fmt.Sprintf("%s refresh", keyStyle.Render("R")),
		fmt.Sprintf("%s help", keyStyle.Render("?")),
		fmt.Sprintf("%s quit", keyStyle.Render("q")),
	}
	return box.Render(hintStyle.Render(strings.Join(hints, "  ")))
}

// getStateTextAndColor returns the display text and color for a slot state.
func getStateTextAndColor(state controlplane.SlotState) (string, lipgloss.TerminalColor) {
	switch state {
	case controlplane.SlotEmpty:
		return stateEmpty, styles.SlotEmptyColor
	case controlplane.SlotLoading:
		return stateLoading, styles.SlotLoadingColor
	case controlplane.SlotMounted:
		return stateMounted, styles.SlotMountedColor
	case controlplane.SlotFailed:
		return stateFailed, styles.SlotFailedColor
	case controlplane.SlotUnmounted:
		return stateUnmounted, styles.SlotUnmountedColor
	default:
		return strings.ToUpper(string(state)), styles.SlotEmptyColor
	}
}

// describeEvent renders a lifecycle event for the status line.
func describeEvent(ev events.Event) string {
	switch {
	case ev.To != "" && ev.SlotID != "":
		return fmt.Sprintf("%s %s→%s", ev.SlotID, ev.From, ev.To)
	case ev.To != "":
		return fmt.Sprintf("navigation → %s", ev.To)
	default:
		return fmt.Sprintf("%s → %s", ev.Type, ev.FrameID)
	}
}

// formatAge renders a duration with a single coarse unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}
