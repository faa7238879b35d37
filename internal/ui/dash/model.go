// Package dash implements the live slot dashboard TUI.
//
// The dashboard shows every slot of a running shell session with its
// lifecycle state, generation, and last error, kept current by the session's
// lifecycle event broker. Tab cycles the active frame (each cycle navigates
// the session), r retries the selected failed slot.
package dash

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zjrosen/tessera/internal/federation/controlplane"
	"github.com/zjrosen/tessera/internal/federation/descriptor"
	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/federation/shell"
	"github.com/zjrosen/tessera/internal/keys"
	"github.com/zjrosen/tessera/internal/log"
	"github.com/zjrosen/tessera/internal/pubsub"
)

// spinnerInterval is how fast the loading spinner advances.
const spinnerInterval = 120 * time.Millisecond

// ageRefreshInterval is how often the age column re-renders.
const ageRefreshInterval = 5 * time.Second

// Model holds the dashboard state.
type Model struct {
	// session is the running shell session the dashboard observes
	session *shell.Session

	// Slot state, refreshed from the session on every lifecycle event
	slots         []controlplane.Slot
	frames        []descriptor.Frame
	activeFrame   string
	generation    int
	selectedIndex int

	// Event subscription (one per dashboard, survives reconfigures)
	listener *pubsub.Listener[events.Event]
	ctx      context.Context
	cancel   context.CancelFunc

	// lastEvent is the most recent lifecycle event, shown in the status bar
	lastEvent *pubsub.Event[events.Event]

	// actionErr is the most recent failed action, cleared on the next one
	actionErr string

	keys     keys.KeyMap
	showHelp bool

	// Spinner state. spinnerActive tracks whether a tick is in flight so
	// event-driven reloads do not double-arm it.
	spinnerFrame  int
	spinnerActive bool

	// API server port (for display in the table title)
	apiPort int

	// Dimensions
	width  int
	height int
}

// Config holds configuration for creating a dashboard Model.
type Config struct {
	// Session is the running shell session to observe. Required for live
	// data; a nil session renders an empty dashboard.
	Session *shell.Session
	// APIPort is the port the HTTP API server is listening on.
	// Shown in the table title for external tool integration.
	APIPort int
}

// New creates a dashboard Model subscribed to the session's event broker.
func New(cfg Config) Model {
	ctx, cancel := context.WithCancel(context.Background())

	m := Model{
		session: cfg.Session,
		apiPort: cfg.APIPort,
		keys:    keys.DefaultKeyMap(),
		ctx:     ctx,
		cancel:  cancel,
		// Init starts a spinner tick unconditionally.
		spinnerActive: true,
	}
	if cfg.Session != nil {
		m.listener = pubsub.NewListener(ctx, cfg.Session.Broker())
	}
	return m
}

// Init starts the event listen loop, the initial slot load, and the ticks.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.listenForEvents(),
		m.loadSlots(),
		m.startSpinnerTick(),
		m.startAgeTick(),
	)
}

// Update handles messages and returns the updated model and commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case slotsLoadedMsg:
		return m.handleSlotsLoaded(msg)

	case pubsub.Event[events.Event]:
		return m.handleLifecycleEvent(msg)

	case actionFailedMsg:
		// The status bar clears on the next action; the log keeps the record.
		m.actionErr = fmt.Sprintf("%s: %v", msg.action, msg.err)
		log.ErrorErr(log.CatUI, "Dashboard action failed", msg.err, "action", msg.action)
		return m, nil

	case spinnerTickMsg:
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		if !m.hasLoadingSlots() {
			m.spinnerActive = false
			return m, nil
		}
		return m, m.startSpinnerTick()

	case ageTickMsg:
		return m, m.startAgeTick()
	}

	return m, nil
}

// View renders the dashboard UI.
func (m Model) View() string {
	return m.renderView()
}

// Cleanup releases the event subscription. Safe to call more than once.
func (m *Model) Cleanup() {
	if m.cancel != nil {
		m.cancel()
	}
}

// SetSize updates the dashboard dimensions.
func (m Model) SetSize(width, height int) Model {
	m.width = width
	m.height = height
	return m
}

// SelectedSlot returns the currently selected slot, or nil when the table is
// empty.
func (m Model) SelectedSlot() *controlplane.Slot {
	if m.selectedIndex < 0 || m.selectedIndex >= len(m.slots) {
		return nil
	}
	return &m.slots[m.selectedIndex]
}

// Slots returns the current slot snapshots.
func (m Model) Slots() []controlplane.Slot {
	return m.slots
}

// ActiveFrame returns the frame the dashboard last observed as active.
func (m Model) ActiveFrame() string {
	return m.activeFrame
}

// === Internal message types ===

// slotsLoadedMsg carries a fresh snapshot of the session's slots.
type slotsLoadedMsg struct {
	slots       []controlplane.Slot
	frames      []descriptor.Frame
	activeFrame string
	generation  int
	err         error
}

// actionFailedMsg reports a navigate or retry that did not go through.
type actionFailedMsg struct {
	action string
	err    error
}

// spinnerTickMsg advances the loading spinner.
type spinnerTickMsg struct{}

// ageTickMsg refreshes the age column.
type ageTickMsg struct{}

// === Command generators ===

// loadSlots returns a command that snapshots the session's slots. The
// manager and router are re-read each time because a reconfigure swaps them.
func (m Model) loadSlots() tea.Cmd {
	return func() tea.Msg {
		if m.session == nil {
			return slotsLoadedMsg{}
		}
		slots, err := m.session.Manager().List(m.ctx, controlplane.ListQuery{})
		if err != nil {
			return slotsLoadedMsg{err: err}
		}
		return slotsLoadedMsg{
			slots:       slots,
			frames:      m.session.Configuration().OrderedFrames(),
			activeFrame: m.session.Router().ActiveFrame(),
			generation:  m.session.Generation(),
		}
	}
}

// listenForEvents returns a command that waits for the next lifecycle event.
// Must be re-issued after each event to keep the stream flowing.
func (m Model) listenForEvents() tea.Cmd {
	if m.listener == nil {
		return nil
	}
	return m.listener.Wait()
}

// navigate returns a command that switches the session's active frame.
func (m Model) navigate(frameID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.session.Navigate(m.ctx, frameID); err != nil {
			return actionFailedMsg{action: "navigate", err: err}
		}
		return nil
	}
}

// retrySlot returns a command that re-runs activation for a failed slot.
// Retry is synchronous in the manager, so it runs off the update loop.
func (m Model) retrySlot(slotID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.session.Manager().Retry(m.ctx, slotID); err != nil {
			return actionFailedMsg{action: "retry", err: err}
		}
		return nil
	}
}

func (m Model) startSpinnerTick() tea.Cmd {
	return tea.Tick(spinnerInterval, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

func (m Model) startAgeTick() tea.Cmd {
	return tea.Tick(ageRefreshInterval, func(time.Time) tea.Msg {
		return ageTickMsg{}
	})
}

// === Event handlers ===

// handleKeyMsg handles keyboard input.
func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.Cleanup()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.selectedIndex > 0 {
			m.selectedIndex--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.selectedIndex < len(m.slots)-1 {
			m.selectedIndex++
		}
		return m, nil

	case key.Matches(msg, m.keys.NextFrame):
		return m.cycleFrame(1)

	case key.Matches(msg, m.keys.PrevFrame):
		return m.cycleFrame(-1)

	case key.Matches(msg, m.keys.Retry):
		return m.retrySelected()

	case key.Matches(msg, m.keys.Refresh):
		m.actionErr = ""
		return m, m.loadSlots()

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		return m, nil
	}

	return m, nil
}

// handleSlotsLoaded replaces the slot snapshot, keeping the selection on the
// same slot ID. The list is sorted by ID, so indices shift when a
// reconfigure adds or removes slots.
func (m Model) handleSlotsLoaded(msg slotsLoadedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.actionErr = fmt.Sprintf("load slots: %v", msg.err)
		return m, nil
	}

	previousID := ""
	if sel := m.SelectedSlot(); sel != nil {
		previousID = sel.ID
	}

	m.slots = msg.slots
	m.frames = msg.frames
	m.activeFrame = msg.activeFrame
	m.generation = msg.generation

	if previousID != "" {
		for i, s := range m.slots {
			if s.ID == previousID {
				m.selectedIndex = i
				break
			}
		}
	}
	if m.selectedIndex >= len(m.slots) {
		m.selectedIndex = max(0, len(m.slots)-1)
	}

	var cmd tea.Cmd
	if m.hasLoadingSlots() && !m.spinnerActive {
		m.spinnerActive = true
		cmd = m.startSpinnerTick()
	}
	return m, cmd
}

// handleLifecycleEvent records the event and reloads the slot snapshot.
// The listener is re-armed in the same batch; dropping it would end the
// stream.
func (m Model) handleLifecycleEvent(msg pubsub.Event[events.Event]) (tea.Model, tea.Cmd) {
	m.lastEvent = &msg
	return m, tea.Batch(m.listenForEvents(), m.loadSlots())
}

// === Action handlers ===

// cycleFrame navigates to the frame step positions away in display order.
func (m Model) cycleFrame(step int) (tea.Model, tea.Cmd) {
	if m.session == nil || len(m.frames) == 0 {
		return m, nil
	}

	idx := 0
	for i, f := range m.frames {
		if f.ID == m.activeFrame {
			idx = i
			break
		}
	}
	n := len(m.frames)
	next := m.frames[((idx+step)%n+n)%n]
	if next.ID == m.activeFrame {
		return m, nil
	}

	m.actionErr = ""
	return m, m.navigate(next.ID)
}

// retrySelected retries the selected slot when it is failed.
func (m Model) retrySelected() (tea.Model, tea.Cmd) {
	sel := m.SelectedSlot()
	if sel == nil || m.session == nil {
		return m, nil
	}
	if sel.State != controlplane.SlotFailed {
		m.actionErr = fmt.Sprintf("retry: slot %s is %s, not failed", sel.ID, sel.State)
		return m, nil
	}

	m.actionErr = ""
	return m, m.retrySlot(sel.ID)
}

func (m Model) hasLoadingSlots() bool {
	for _, s := range m.slots {
		if s.State == controlplane.SlotLoading {
			return true
		}
	}
	return false
}
