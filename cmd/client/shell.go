package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pinghub/internal/client"
	"pinghub/pkg/chat"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

var errQuit = errors.New("quit")

// Connection is the part of client.Manager the shell needs.
type Connection interface {
	Emit(event string, payload any) error
	Subscribe(event string, fn client.Handler) func()
}

var (
	errStyle    = color.New(color.FgRed, color.OpBold)
	okStyle     = color.New(color.FgGreen)
	infoStyle   = color.New(color.FgCyan)
	noticeStyle = color.New(color.FgYellow)
	nameStyle   = color.New(color.FgMagenta, color.OpBold)
)

const helpText = `Commands:
  /register <username> <email> <password>
  /login <email> <password>
  /logout
  /passwd <current> <new>
  /users                  online users
  /groups                 groups visible to you
  /all                    every group
  /create <name> [private] [description...]
  /join <groupId>         join or request to join a group
  /requests               pending join requests you can answer
  /approve <requestId>
  /decline <requestId>
  /members <groupId>
  /room <groupId|global>  switch the room your messages go to
  /history
  /theme <name>
  /quit
Anything else is sent as a message to the current room.`

type Shell struct {
	conn Connection
	out  io.Writer

	mu       sync.Mutex
	user     *chat.PublicUser
	room     string
	requests map[string]chat.JoinRequest
	disposes []func()
}

func NewShell(conn Connection, out io.Writer) *Shell {
	return &Shell{conn: conn, out: out, requests: make(map[string]chat.JoinRequest)}
}

// Bind subscribes to every server event the shell renders.
func (s *Shell) Bind() {
	on := func(event string, fn client.Handler) {
		s.disposes = append(s.disposes, s.conn.Subscribe(event, fn))
	}

	on(chat.EventRegisterSuccess, s.onAuth)
	on(chat.EventLoginSuccess, s.onAuth)
	on(chat.EventPasswordSuccess, s.onStatusMessage(okStyle))
	on(chat.EventUsersOnline, s.onUsers)
	on(chat.EventUserJoined, s.onPresence("joined"))
	on(chat.EventUserLeft, s.onPresence("left"))
	on(chat.EventGroupsList, s.onGroups)
	on(chat.EventGroupsAll, s.onGroups)
	on(chat.EventGroupCreated, s.onGroup("Created"))
	on(chat.EventGroupNew, s.onGroup("New group"))
	on(chat.EventGroupJoined, s.onGroup("Joined"))
	on(chat.EventGroupUpdated, s.onGroup("Updated"))
	on(chat.EventGroupJoinRequest, s.onJoinRequest)
	on(chat.EventGroupJoinPending, s.onStatusMessage(noticeStyle))
	on(chat.EventGroupMembersUpdate, s.onMembers)
	on(chat.EventMessagesHistory, s.onHistory)
	on(chat.EventGroupMessagesHistory, s.onHistory)
	on(chat.EventMessageNew, s.onMessage)
	on(chat.EventMessageSent, s.onMessage)
	on(chat.EventFileNew, s.onFile)
	on(chat.EventThemeChanged, s.onTheme)
	on(chat.EventNotification, s.onNotification)
	for _, event := range []string{chat.EventError, chat.EventRegisterError, chat.EventLoginError, chat.EventPasswordError, chat.EventGroupError} {
		on(event, s.onError)
	}
}

// Unbind disposes every subscription made by Bind.
func (s *Shell) Unbind() {
	for _, dispose := range s.disposes {
		dispose()
	}
	s.disposes = nil
}

// User returns the identity established by the last register or login.
func (s *Shell) User() *chat.PublicUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Run reads lines from in until EOF, /quit, or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := s.Execute(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				s.println(errStyle.Render(err.Error()))
			}
		}
	}
}

// Execute runs one input line.
func (s *Shell) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return s.send(line)
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	switch command {
	case "/help":
		s.println(helpText)
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/register":
		if len(args) != 3 {
			return usage("/register <username> <email> <password>")
		}
		return s.conn.Emit(chat.EventUserRegister, chat.RegisterPayload{Username: args[0], Email: args[1], Password: args[2]})
	case "/login":
		if len(args) != 2 {
			return usage("/login <email> <password>")
		}
		return s.conn.Emit(chat.EventUserLogin, chat.LoginPayload{Email: args[0], Password: args[1]})
	case "/users":
		return s.conn.Emit(chat.EventUsersGet, nil)
	case "/all":
		return s.conn.Emit(chat.EventGroupsGetAll, nil)
	}

	user := s.User()
	if user == nil {
		return fmt.Errorf("log in first: %s", command)
	}

	switch command {
	case "/logout":
		if err := s.conn.Emit(chat.EventUserLogout, chat.LogoutPayload{UserID: user.UserID, Username: user.Username}); err != nil {
			return err
		}
		s.mu.Lock()
		s.user, s.room = nil, ""
		s.mu.Unlock()
		s.println(infoStyle.Render("Logged out"))
		return nil
	case "/passwd":
		if len(args) != 2 {
			return usage("/passwd <current> <new>")
		}
		return s.conn.Emit(chat.EventUserChangePassword, chat.ChangePasswordPayload{UserID: user.UserID, CurrentPassword: args[0], NewPassword: args[1]})
	case "/groups":
		return s.conn.Emit(chat.EventGroupsGet, map[string]string{"userId": user.UserID})
	case "/create":
		if len(args) == 0 {
			return usage("/create <name> [private] [description...]")
		}
		p := chat.CreateGroupPayload{Name: args[0], CreatedBy: user.UserID}
		rest := args[1:]
		if len(rest) > 0 && rest[0] == "private" {
			p.IsPrivate = true
			rest = rest[1:]
		}
		p.Description = strings.Join(rest, " ")
		return s.conn.Emit(chat.EventGroupCreate, p)
	case "/join":
		if len(args) != 1 {
			return usage("/join <groupId>")
		}
		return s.conn.Emit(chat.EventGroupJoin, chat.JoinGroupPayload{GroupID: args[0], User: s.ref(user)})
	case "/requests":
		s.renderRequests()
		return nil
	case "/approve", "/decline":
		if len(args) != 1 {
			return usage(command + " <requestId>")
		}
		return s.answer(command == "/approve", args[0], user)
	case "/members":
		if len(args) != 1 {
			return usage("/members <groupId>")
		}
		return s.conn.Emit(chat.EventGroupMembersGet, map[string]string{"groupId": args[0]})
	case "/room":
		if len(args) != 1 {
			return usage("/room <groupId|global>")
		}
		return s.switchRoom(args[0])
	case "/history":
		return s.conn.Emit(chat.EventMessagesGet, map[string]string{"room": s.currentRoom()})
	case "/theme":
		if len(args) != 1 {
			return usage("/theme <name>")
		}
		return s.conn.Emit(chat.EventUserTheme, chat.ThemePayload{Username: user.Username, Theme: args[0]})
	}
	return fmt.Errorf("unknown command %s, try /help", command)
}

func usage(text string) error {
	return fmt.Errorf("usage: %s", text)
}

func (s *Shell) ref(user *chat.PublicUser) chat.UserRef {
	return chat.UserRef{UserID: user.UserID, Username: user.Username, Email: user.Email}
}

func (s *Shell) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Shell) send(text string) error {
	user := s.User()
	if user == nil {
		return errors.New("log in first to send messages")
	}
	if room := s.currentRoom(); room != "" {
		return s.conn.Emit(chat.EventGroupMessageSend, chat.GroupMessagePayload{GroupID: room, UserID: user.UserID, Username: user.Username, Text: text})
	}
	return s.conn.Emit(chat.EventMessageSend, chat.SendMessagePayload{UserID: user.UserID, Username: user.Username, Text: text})
}

func (s *Shell) switchRoom(target string) error {
	previous := s.currentRoom()
	if target == chat.GlobalRoom {
		target = ""
	}
	if previous == target {
		return nil
	}
	if previous != "" {
		if err := s.conn.Emit(chat.EventGroupLeaveRoom, map[string]string{"groupId": previous}); err != nil {
			return err
		}
	}
	if target != "" {
		if err := s.conn.Emit(chat.EventGroupJoinRoom, map[string]string{"groupId": target}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.room = target
	s.mu.Unlock()
	s.println(infoStyle.Render("Now in " + lo.Ternary(target == "", chat.GlobalRoom, target)))
	return s.conn.Emit(chat.EventMessagesGet, map[string]string{"room": target})
}

func (s *Shell) answer(approve bool, requestID string, user *chat.PublicUser) error {
	s.mu.Lock()
	request, ok := s.requests[requestID]
	if ok {
		delete(s.requests, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending request %s", requestID)
	}

	if approve {
		return s.conn.Emit(chat.EventGroupApprove, chat.ApprovePayload{
			RequestID: request.RequestID, GroupID: request.GroupID, UserID: request.UserID, ApprovedBy: s.ref(user),
		})
	}
	return s.conn.Emit(chat.EventGroupDecline, chat.DeclinePayload{
		RequestID: request.RequestID, GroupID: request.GroupID, UserID: request.UserID, DeclinedBy: s.ref(user),
	})
}

func (s *Shell) println(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, text)
}

func (s *Shell) table(header []string, rows [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := tablewriter.NewWriter(s.out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}

func decodeInto[T any](s *Shell, data json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		s.println(errStyle.Render("Unreadable server frame: " + err.Error()))
		return v, false
	}
	return v, true
}

func (s *Shell) onAuth(data json.RawMessage) {
	success, ok := decodeInto[chat.AuthSuccess](s, data)
	if !ok {
		return
	}
	s.mu.Lock()
	user := success.User
	s.user = &user
	s.mu.Unlock()
	s.println(okStyle.Render(success.Message) + " " + nameStyle.Render(user.Username))
}

func (s *Shell) onStatusMessage(style color.Style) client.Handler {
	return func(data json.RawMessage) {
		if msg, ok := decodeInto[chat.StatusMessage](s, data); ok {
			s.println(style.Render(msg.Message))
		}
	}
}

func (s *Shell) onUsers(data json.RawMessage) {
	online, ok := decodeInto[chat.OnlineUsers](s, data)
	if !ok {
		return
	}
	s.println(infoStyle.Render(fmt.Sprintf("%d online", online.Count)))
	s.table([]string{"Username", "Status", "User ID"}, lo.Map(online.Users, func(u chat.PublicUser, _ int) []string {
		return []string{u.Username, lo.Ternary(u.IsOnline, "online", "offline"), u.UserID}
	}))
}

func (s *Shell) onPresence(verb string) client.Handler {
	return func(data json.RawMessage) {
		if notice, ok := decodeInto[chat.PresenceNotice](s, data); ok {
			s.println(noticeStyle.Render(fmt.Sprintf("%s %s", notice.Username, verb)))
		}
	}
}

func (s *Shell) onGroups(data json.RawMessage) {
	groups, ok := decodeInto[[]chat.Group](s, data)
	if !ok {
		return
	}
	s.table([]string{"Group ID", "Name", "Visibility", "Members", "Description"}, lo.Map(groups, func(g chat.Group, _ int) []string {
		return []string{g.ID, g.Name, lo.Ternary(g.IsPrivate, "private", "public"), fmt.Sprint(len(g.Members)), g.Description}
	}))
}

func (s *Shell) onGroup(label string) client.Handler {
	return func(data json.RawMessage) {
		if g, ok := decodeInto[chat.Group](s, data); ok {
			s.println(okStyle.Render(label) + " " + nameStyle.Render(g.Name) + " (" + g.ID + ")")
		}
	}
}

func (s *Shell) onJoinRequest(data json.RawMessage) {
	request, ok := decodeInto[chat.JoinRequest](s, data)
	if !ok {
		return
	}
	s.mu.Lock()
	s.requests[request.RequestID] = request
	s.mu.Unlock()
	s.println(noticeStyle.Render(fmt.Sprintf("%s wants to join %s: /approve %s or /decline %s",
		request.Username, request.GroupName, request.RequestID, request.RequestID)))
}

func (s *Shell) renderRequests() {
	s.mu.Lock()
	requests := lo.Values(s.requests)
	s.mu.Unlock()
	if len(requests) == 0 {
		s.println(infoStyle.Render("No pending requests"))
		return
	}
	s.table([]string{"Request ID", "Group", "User"}, lo.Map(requests, func(r chat.JoinRequest, _ int) []string {
		return []string{r.RequestID, r.GroupName, r.Username}
	}))
}

func (s *Shell) onMembers(data json.RawMessage) {
	members, ok := decodeInto[chat.GroupMembers](s, data)
	if !ok {
		return
	}
	s.println(infoStyle.Render("Members of " + members.GroupID))
	s.table([]string{"Username", "Status"}, lo.Map(members.Users, func(u chat.PublicUser, _ int) []string {
		return []string{u.Username, lo.Ternary(u.IsOnline, "online", "offline")}
	}))
}

func (s *Shell) onHistory(data json.RawMessage) {
	messages, ok := decodeInto[[]chat.Message](s, data)
	if !ok {
		return
	}
	if len(messages) == 0 {
		s.println(infoStyle.Render("No messages yet"))
	}
	for _, m := range messages {
		s.println(formatMessage(m))
	}
}

func (s *Shell) onMessage(data json.RawMessage) {
	if m, ok := decodeInto[chat.Message](s, data); ok {
		s.println(formatMessage(m))
	}
}

func formatMessage(m chat.Message) string {
	text := m.Text
	if m.File != nil {
		text = strings.TrimSpace(text + " [file " + m.File.OriginalName + "]")
	}
	pin := lo.Ternary(m.IsPinned, "* ", "")
	return fmt.Sprintf("%s[%s] %s %s: %s", pin, m.Room, m.Timestamp.Local().Format("15:04"), nameStyle.Render(m.Username), text)
}

func (s *Shell) onFile(data json.RawMessage) {
	if notice, ok := decodeInto[chat.FileNotice](s, data); ok {
		s.println(infoStyle.Render(fmt.Sprintf("%s shared %s", notice.Username, notice.OriginalName)))
	}
}

func (s *Shell) onTheme(data json.RawMessage) {
	if theme, ok := decodeInto[chat.ThemePayload](s, data); ok {
		s.println(infoStyle.Render(fmt.Sprintf("%s switched to the %s theme", theme.Username, theme.Theme)))
	}
}

func (s *Shell) onNotification(data json.RawMessage) {
	n, ok := decodeInto[chat.Notification](s, data)
	if !ok {
		return
	}
	style := infoStyle
	switch n.Type {
	case chat.NotificationSuccess:
		style = okStyle
	case chat.NotificationWarning:
		style = noticeStyle
	}
	s.println(style.Render(n.Message))
}

func (s *Shell) onError(data json.RawMessage) {
	if e, ok := decodeInto[chat.ErrorPayload](s, data); ok {
		s.println(errStyle.Render(e.Message))
	}
}
