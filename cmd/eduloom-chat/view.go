package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"eduloom/cmd/internal/chat"
)

const helpText = " Enter:Send | F2:Resend failed | Tab:Scroll | Esc:Quit "

var (
	colorBorder = tcell.NewRGBColor(0, 128, 128)
	colorStatus = tcell.NewRGBColor(0, 64, 96)
)

type view struct {
	app     *tview.Application
	history *tview.TextView
	input   *tview.InputField
	status  *tview.TextView

	sess   *chat.Session
	local  string
	remote string
}

func newView(sess *chat.Session, local, remote string) *view {
	v := &view{
		app:    tview.NewApplication(),
		sess:   sess,
		local:  local,
		remote: remote,
	}

	v.history = tview.NewTextView()
	v.history.SetBorder(true)
	v.history.SetBorderColor(colorBorder)
	v.history.SetTitle(fmt.Sprintf(" %s ─ %s ", remote, chat.RoomID(local, remote)))
	v.history.SetDynamicColors(true)
	v.history.SetScrollable(true)

	v.input = tview.NewInputField()
	v.input.SetLabel("> ")
	v.input.SetFieldWidth(0)
	v.input.SetBorder(true)
	v.input.SetBorderColor(colorBorder)
	v.input.SetTitle(" Message ")
	v.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := v.input.GetText()
		if strings.TrimSpace(text) == "" {
			return
		}
		if _, err := v.sess.Send(text); err != nil {
			v.setStatus(sendErrorText(err))
			return
		}
		v.input.SetText("")
	})

	v.status = tview.NewTextView()
	v.status.SetBackgroundColor(colorStatus)
	v.status.SetTextAlign(tview.AlignCenter)
	v.status.SetText(statusText(chat.Connecting, false) + " |" + helpText)

	sess.Store().Subscribe(func(msgs []chat.Message) {
		text := renderMessages(msgs, local)
		v.app.QueueUpdateDraw(func() {
			v.history.SetText(text)
			v.history.ScrollToEnd()
		})
	})
	sess.Observe(v.onEvent)

	return v
}

func (v *view) run() error {
	scrolling := false
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.history, 0, 1, false).
		AddItem(v.input, 3, 0, true).
		AddItem(v.status, 1, 0, false)

	layout.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlC:
			v.app.Stop()
			return nil
		case tcell.KeyTab:
			scrolling = !scrolling
			if scrolling {
				v.app.SetFocus(v.history)
			} else {
				v.app.SetFocus(v.input)
			}
			return nil
		case tcell.KeyF2:
			v.resendFailed()
			return nil
		}
		return ev
	})

	return v.app.SetRoot(layout, true).EnableMouse(true).Run()
}

func (v *view) onEvent(ev chat.Event) {
	var text string
	switch e := ev.(type) {
	case chat.StateChanged:
		text = statusText(e.To, v.sess.Unreachable())
	case chat.ConnectionFailed:
		if e.Final {
			text = statusText(chat.Disconnected, true)
		} else {
			text = fmt.Sprintf("reconnecting (attempt %d)", e.Attempt)
		}
	case chat.ServerError:
		text = fmt.Sprintf("server: %s", e.Message)
	case chat.MessagesFailed:
		text = fmt.Sprintf("%d message(s) not delivered, F2 to resend", len(e.Messages))
	default:
		return
	}
	v.app.QueueUpdateDraw(func() { v.setStatus(text) })
}

func (v *view) resendFailed() {
	n := 0
	for _, m := range v.sess.Messages() {
		if m.State != chat.StateFailed {
			continue
		}
		if _, err := v.sess.Resend(m.CorrelationID); err == nil {
			n++
		}
	}
	if n > 0 {
		v.setStatus(fmt.Sprintf("resent %d message(s)", n))
	}
}

func (v *view) setStatus(text string) {
	v.status.SetText(" " + text + " |" + helpText)
}

// renderMessages formats the room log for the history pane. Own messages
// are labelled "me" and show their delivery state.
func renderMessages(msgs []chat.Message, local string) string {
	var b strings.Builder
	for _, m := range msgs {
		ts := m.SentAt.Local().Format("15:04")
		who, color := m.Sender, "[teal]"
		if m.AuthoredBy(local) {
			who, color = "me", "[yellow]"
		}
		fmt.Fprintf(&b, "[gray]%s[-] %s%s[-]: %s", ts, color, tview.Escape(who), tview.Escape(m.Body))
		switch m.State {
		case chat.StatePending:
			b.WriteString(" [gray](sending)[-]")
		case chat.StateFailed:
			b.WriteString(" [red](failed)[-]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func statusText(state chat.SessionState, unreachable bool) string {
	switch {
	case unreachable:
		return "cannot connect to chat server"
	case state == chat.Joined:
		return "connected"
	case state == chat.Connecting:
		return "connecting…"
	default:
		return "disconnected"
	}
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotJoined):
		return "not connected yet"
	case errors.Is(err, chat.ErrBodyTooLong):
		return "message too long"
	case errors.Is(err, chat.ErrEmptyBody):
		return "message is empty"
	default:
		return err.Error()
	}
}
