package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"topicpresence/internal/clock"
	"topicpresence/internal/presence"
)

type (
	presenceChangedMsg struct{ topicID int64 }
	publishedMsg       struct {
		state presence.State
		err   error
	}
	busClosedMsg struct{ err error }
)

// WatchConfig is what RunWatch needs to open a session.
type WatchConfig struct {
	ServerURL string
	Token     string
	TopicID   int64
	Logger    *zap.Logger
}

// WatchModel shows who is replying to or editing posts in one topic and
// publishes the local user's own activity while they type.
type WatchModel struct {
	registry  *presence.Registry
	topicID   int64
	username  string
	staff     bool
	keepAlive time.Duration
	clock     clock.Clock
	busDone   <-chan struct{}
	busErr    func() error

	input       textinput.Model
	editingPost int64
	whisper     bool
	lastPublish time.Time
	status      string
	err         error
}

// NewWatchModel builds the model for topicID. busDone and busErr may be nil
// when no bus connection backs the registry.
func NewWatchModel(registry *presence.Registry, topicID int64, settings Settings, busDone <-chan struct{}, busErr func() error) *WatchModel {
	input := textinput.New()
	input.Placeholder = "Start typing a reply…"
	input.CharLimit = 0
	input.Prompt = "> "
	input.Focus()
	return &WatchModel{
		registry:  registry,
		topicID:   topicID,
		username:  settings.User.DisplayName(),
		staff:     settings.Staff,
		keepAlive: settings.KeepAlive(),
		clock:     clock.Real(),
		busDone:   busDone,
		busErr:    busErr,
		input:     input,
	}
}

func (m *WatchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if m.busDone != nil {
		cmds = append(cmds, m.waitBusCmd())
	}
	return tea.Batch(cmds...)
}

func (m *WatchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.submit()
		}
		var inputCmd tea.Cmd
		before := m.input.Value()
		m.input, inputCmd = m.input.Update(msg)
		if m.input.Value() == before {
			return m, inputCmd
		}
		if publish := m.typed(); publish != nil {
			return m, tea.Batch(inputCmd, publish)
		}
		return m, inputCmd
	case presenceChangedMsg:
		// View reads the registry directly.
		return m, nil
	case publishedMsg:
		m.err = msg.err
		if errors.Is(msg.err, ErrUnauthorized) {
			m.status = "Session expired, log in again."
		}
		return m, nil
	case busClosedMsg:
		m.err = msg.err
		m.status = "Disconnected from the presence bus."
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(message)
	return m, cmd
}

// typed publishes the composer state at most once per keep-alive interval
// while the draft is not empty.
func (m *WatchModel) typed() tea.Cmd {
	value := strings.TrimSpace(m.input.Value())
	if value == "" || strings.HasPrefix(value, "/") {
		return nil
	}
	now := m.clock.Now()
	if !m.lastPublish.IsZero() && now.Sub(m.lastPublish) < m.keepAlive {
		return nil
	}
	m.lastPublish = now
	return m.publishCmd(m.composerState(), m.editingPost)
}

func (m *WatchModel) submit() tea.Cmd {
	value := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	switch {
	case value == "":
		return nil
	case value == "/quit":
		return tea.Quit
	case value == "/reply":
		m.status = "Replying to the topic."
		return m.switchComposer(0)
	case strings.HasPrefix(value, "/edit"):
		postID, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(value, "/edit")), 10, 64)
		if err != nil || postID <= 0 {
			m.status = "Usage: /edit <post id>"
			return nil
		}
		m.status = fmt.Sprintf("Editing post %d.", postID)
		return m.switchComposer(postID)
	case value == "/whisper":
		if !m.staff {
			m.status = "Only staff can whisper."
			return nil
		}
		m.whisper = !m.whisper
		m.status = fmt.Sprintf("Whisper %s.", onOff(m.whisper))
		return m.closeComposer()
	}
	m.status = "Draft submitted."
	return m.closeComposer()
}

func (m *WatchModel) switchComposer(postID int64) tea.Cmd {
	cmd := m.closeComposer()
	m.editingPost = postID
	return cmd
}

// closeComposer tells the topic the draft is gone if a keep-alive went out
// for it.
func (m *WatchModel) closeComposer() tea.Cmd {
	if m.lastPublish.IsZero() {
		return nil
	}
	m.lastPublish = time.Time{}
	return m.publishCmd(presence.StateClosed, 0)
}

func (m *WatchModel) composerState() presence.State {
	if m.editingPost > 0 {
		return presence.StateEditing
	}
	return presence.StateReplying
}

func (m *WatchModel) publishCmd(state presence.State, postID int64) tea.Cmd {
	registry, topicID, whisper := m.registry, m.topicID, m.whisper
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		err := registry.Publish(ctx, topicID, state, whisper, postID, false)
		return publishedMsg{state: state, err: err}
	}
}

func (m *WatchModel) waitBusCmd() tea.Cmd {
	done, errFn := m.busDone, m.busErr
	return func() tea.Msg {
		<-done
		var err error
		if errFn != nil {
			err = errFn()
		}
		return busClosedMsg{err: err}
	}
}

// shutdown announces the composer is closed on every tracked topic and
// disconnects the registry.
func (m *WatchModel) shutdown(ctx context.Context) {
	m.registry.CleanUpAll(ctx, presence.KindComposer)
	m.registry.Close()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

type programNotifier struct {
	program atomic.Pointer[tea.Program]
}

func (n *programNotifier) notify(topicID int64) {
	if p := n.program.Load(); p != nil {
		p.Send(presenceChangedMsg{topicID: topicID})
	}
}

// RunWatch opens a bus connection, follows cfg.TopicID and runs the TUI
// until the user quits or ctx is cancelled.
func RunWatch(ctx context.Context, cfg WatchConfig) error {
	if cfg.TopicID <= 0 {
		return errors.New("topic id must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	api := NewAPIClient(cfg.ServerURL, cfg.Token)
	settings, err := api.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load presence settings: %w", err)
	}
	busURL, err := api.BusURL()
	if err != nil {
		return err
	}
	busClient, err := DialBus(ctx, busURL, cfg.Token, logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	notifier := &programNotifier{}
	registry := presence.NewRegistry(busClient, api, presence.Options{
		CurrentUserID: settings.User.ID,
		DisplayLimit:  settings.MaxUsersShown,
		KeepAlive:     settings.KeepAlive(),
		Logger:        logger,
		OnChange:      notifier.notify,
	})
	registry.SetPreferences(settings.HidePresence, settings.AllowUsersToHidePresence)
	registry.Subscribe(cfg.TopicID, presence.KindTopic)
	registry.Subscribe(cfg.TopicID, presence.KindComposer)

	model := NewWatchModel(registry, cfg.TopicID, *settings, busClient.Done(), busClient.Err)
	program := tea.NewProgram(model, tea.WithContext(ctx))
	notifier.program.Store(program)
	_, runErr := program.Run()
	notifier.program.Store(nil)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()
	model.shutdown(cleanupCtx)

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
