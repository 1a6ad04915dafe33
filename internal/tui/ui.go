package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/tether/internal/cliutil"
	"github.com/Paintersrp/tether/internal/supervisor"
)

const (
	defaultTitle        = "tether"
	tableTitle          = "Backends"
	outputTitle         = "Output"
	filterPageName      = "filter"
	defaultLogRetention = 500
)

// Option configures window behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of output lines retained per backend.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// WithTitle sets the window title shown above the backend table.
func WithTitle(title string) Option {
	return func(u *UI) {
		if strings.TrimSpace(title) != "" {
			u.title = title
		}
	}
}

// WithOnClose registers a callback invoked once when the window closes,
// whether by the user pressing q or by context cancellation.
func WithOnClose(fn func()) Option {
	return func(u *UI) {
		u.onClose = fn
	}
}

// UI is the terminal window hosting the backend. It renders backend state and
// the output forwarded by the supervisor.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	events chan supervisor.Event

	title    string
	onClose  func()
	backends map[string]*backendState

	visible     []string
	selected    string
	jsonOutput  bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int

	mu sync.RWMutex
	// reselecting is set while refreshTableLocked moves the table selection.
	reselecting atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

type backendState struct {
	name      string
	state     supervisor.EventType
	pid       int
	launchID  string
	startedAt time.Time
	lastEvent time.Time
	message   string

	logs []supervisor.Event
}

// New constructs a window configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true)

	logs := tview.NewTextView().SetDynamicColors(false).SetWrap(true)
	logs.SetBorder(true).SetTitle(outputTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	ui := newUI(app, table, logs)
	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(ui.selectionChanged)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

func newUI(app *tview.Application, table *tview.Table, logs *tview.TextView) *UI {
	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 5, 0, true).
		AddItem(logs, 0, 1, false)
	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:      app,
		pages:    pages,
		table:    table,
		logs:     logs,
		events:   make(chan supervisor.Event, 256),
		title:    defaultTitle,
		backends: make(map[string]*backendState),
		maxLogs:  defaultLogRetention,
		done:     make(chan struct{}),
	}

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)
	return ui
}

// EventSink exposes the channel where supervisor events should be delivered.
func (u *UI) EventSink() chan<- supervisor.Event {
	return u.events
}

// Done returns a channel that is closed when the window closes.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run shows the window and processes incoming events until Stop is invoked or
// ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.Stop()
	u.wg.Wait()

	return err
}

// Stop closes the window. The OnClose callback runs exactly once.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		if u.onClose != nil {
			u.onClose()
		}
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-u.events:
			u.applyEvent(evt)
			u.queueRefresh(true)
		case <-ticker.C:
			u.queueRefresh(false)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayFocused() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter, tcell.KeyTab:
		u.toggleFocus()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) overlayFocused() bool {
	if !u.pages.HasPage(filterPageName) {
		return false
	}
	name, _ := u.pages.GetFrontPage()
	return name == filterPageName
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.jsonOutput = !u.jsonOutput
	u.renderLogsLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	closePrompt := func() {
		u.pages.RemovePage(filterPageName)
		u.app.SetFocus(u.table)
		u.logsFocused = false
	}

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			closePrompt()
			u.applyFilter(input.GetText())
		}).
		AddButton("Cancel", closePrompt)

	form.SetBorder(true).SetTitle("Filter Output")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

// applyFilter sets the output filter. An empty expression clears it.
func (u *UI) applyFilter(expr string) error {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return err
		}
		re = compiled
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.renderLogsLocked()
	u.mu.Unlock()
	return nil
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt supervisor.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	name := evt.Backend
	if name == "" {
		name = "backend"
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	state := u.backends[name]
	if state == nil {
		state = &backendState{name: name}
		u.backends[name] = state
	}
	state.lastEvent = evt.Timestamp

	if evt.Type == supervisor.EventTypeLog {
		state.logs = append(state.logs, evt)
		if len(state.logs) > u.maxLogs {
			trim := len(state.logs) - u.maxLogs
			state.logs = append([]supervisor.Event(nil), state.logs[trim:]...)
		}
		return
	}

	state.state = evt.Type
	state.message = eventMessage(evt)
	switch evt.Type {
	case supervisor.EventTypeStarted:
		state.pid = evt.PID
		state.launchID = evt.LaunchID
		state.startedAt = evt.Timestamp
	case supervisor.EventTypeStopped, supervisor.EventTypeSpawnFailed:
		state.pid = 0
		state.startedAt = time.Time{}
	}
}

func eventMessage(evt supervisor.Event) string {
	switch {
	case evt.Message != "" && evt.Err != nil:
		if strings.Contains(evt.Message, evt.Err.Error()) {
			return evt.Message
		}
		return evt.Message + ": " + evt.Err.Error()
	case evt.Err != nil:
		return evt.Err.Error()
	default:
		return evt.Message
	}
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()
	u.table.SetTitle(fmt.Sprintf("%s: %s", u.title, tableTitle))

	headers := []string{"BACKEND", "STATE", "PID", "UPTIME", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.backends))
	for name := range u.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	u.visible = names

	for row, name := range names {
		state := u.backends[name]
		pid := "-"
		if state.pid > 0 {
			pid = fmt.Sprintf("%d", state.pid)
		}
		uptime := "-"
		if !state.startedAt.IsZero() {
			uptime = time.Since(state.startedAt).Truncate(time.Second).String()
		}
		message := state.message
		if len(message) > 80 {
			message = message[:77] + "..."
		}

		values := []string{name, formatState(state.state), pid, uptime, message}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(name)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	var state *backendState
	if u.selected != "" {
		state = u.backends[u.selected]
	}
	if state == nil {
		u.logs.SetTitle(outputTitle)
		return
	}

	title := fmt.Sprintf("%s (%s)", outputTitle, state.name)
	if u.filter != "" {
		title = fmt.Sprintf("%s /%s/", title, u.filter)
	}
	u.logs.SetTitle(title)

	for _, line := range u.renderLinesLocked(state) {
		fmt.Fprintln(u.logs, line)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) renderLinesLocked(state *backendState) []string {
	lines := make([]string, 0, len(state.logs))
	for _, evt := range state.logs {
		if u.filterExpr != nil && !u.filterExpr.MatchString(evt.Message) {
			continue
		}
		if !u.jsonOutput {
			lines = append(lines, cliutil.FormatEvent(evt))
			continue
		}
		data, err := json.Marshal(cliutil.NewLogRecord(evt))
		if err != nil {
			lines = append(lines, fmt.Sprintf("{\"error\":%q}", err.Error()))
			continue
		}
		lines = append(lines, string(data))
	}
	return lines
}

func (u *UI) ensureSelectionLocked() {
	if len(u.visible) == 0 {
		u.selected = ""
		return
	}

	idx := 0
	found := false
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			found = true
			break
		}
	}
	if !found {
		u.selected = u.visible[0]
	}
	u.reselecting.Store(true)
	u.table.Select(idx+1, 0)
	u.reselecting.Store(false)
}

// selectionChanged runs on the event loop when the user moves the table
// selection. Selections made by refreshTableLocked already hold mu and are
// ignored.
func (u *UI) selectionChanged(row, _ int) {
	if u.reselecting.Load() {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.syncSelection(row)
	u.renderLogsLocked()
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatState(t supervisor.EventType) string {
	if t == "" {
		return "-"
	}
	s := strings.ReplaceAll(string(t), "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}
