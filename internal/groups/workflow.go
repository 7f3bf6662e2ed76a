package groups

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pinghub/internal/apperr"
	"pinghub/pkg/chat"

	"github.com/google/uuid"
)

const DefaultRequestTTL = 24 * time.Hour

type State string

const (
	StateRequested       State = "REQUESTED"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateDeclined        State = "DECLINED"
)

type pendingRequest struct {
	request chat.JoinRequest
	state   State
}

// Workflow drives join attempts on groups. Private groups go through admin
// approval; each request is resolved at most once.
type Workflow struct {
	dir      Directory
	router   Router
	sessions Sessions
	audit    Auditor
	log      *slog.Logger
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewWorkflow(dir Directory, router Router, sessions Sessions, audit Auditor, ttl time.Duration, log *slog.Logger) *Workflow {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &Workflow{
		dir:      dir,
		router:   router,
		sessions: sessions,
		audit:    audit,
		log:      log.With(slog.String("component", "join-workflow")),
		ttl:      ttl,
		now:      time.Now,
		pending:  make(map[string]*pendingRequest),
	}
}

// RequestJoin adds the requester to a public group straight away. For a
// private group it forwards a join request to every connected admin and
// fails with an unavailable error when none is connected.
func (w *Workflow) RequestJoin(ctx context.Context, connID string, p chat.JoinGroupPayload) error {
	requester, err := actor(w.sessions, connID, p.User.UserID)
	if err != nil {
		return err
	}
	userID := requester.UserID
	group, err := loadGroup(ctx, w.dir, p.GroupID)
	if err != nil {
		return err
	}

	isMember, err := w.dir.IsMember(ctx, group.ID, userID)
	if err != nil {
		return apperr.Internal("Failed to check membership", err)
	}
	if isMember {
		return apperr.Conflict("You are already a member of this group")
	}

	if !group.IsPrivate {
		return w.joinPublic(ctx, connID, userID, group)
	}

	request := chat.JoinRequest{
		RequestID:   uuid.NewString(),
		GroupID:     group.ID,
		GroupName:   group.Name,
		UserID:      userID,
		Username:    requester.Username,
		UserEmail:   requester.Profile.Email,
		RequestedAt: w.now().UTC(),
	}
	w.track(request)

	adminConns := w.sessions.ConnectionsOf(group.Admins...)
	if len(adminConns) == 0 {
		w.forget(request.RequestID)
		return apperr.Unavailable("No admins are currently online for %s. Please try again later.", group.Name)
	}
	w.await(request.RequestID)

	for _, adminConn := range adminConns {
		w.router.EmitTo(adminConn, chat.EventGroupJoinRequest, request)
	}
	w.router.EmitTo(connID, chat.EventGroupJoinPending, chat.StatusMessage{
		Message: fmt.Sprintf("Join request sent to %s admins. Waiting for approval.", group.Name),
	})

	if err := w.audit.LogJoinRequest(ctx, userID, group.ID, request.RequestID, len(adminConns)); err != nil {
		w.log.Error("Failed to audit join request", slog.String("requestID", request.RequestID), slog.Any("error", err))
	}
	w.log.Info("Join request forwarded",
		slog.String("requestID", request.RequestID),
		slog.String("groupID", group.ID),
		slog.String("userID", userID),
		slog.Int("admins", len(adminConns)))
	return nil
}

func (w *Workflow) joinPublic(ctx context.Context, connID, userID string, group *chat.Group) error {
	if err := w.dir.AddMember(ctx, group.ID, userID); err != nil {
		return apperr.Internal("Failed to join group", err)
	}
	updated, history := w.viewAfterJoin(ctx, group, userID, "")

	w.router.EmitTo(connID, chat.EventGroupJoined, updated)
	w.router.EmitTo(connID, chat.EventGroupMessagesHistory, history)
	w.router.EmitTo(connID, chat.EventNotification, chat.Notification{
		Type:    chat.NotificationSuccess,
		Message: fmt.Sprintf("You joined %q!", group.Name),
	})
	w.router.EmitGlobal(chat.EventGroupUpdated, updated)

	if err := w.audit.LogGroupJoin(ctx, userID, group.ID, group.Name); err != nil {
		w.log.Error("Failed to audit group join", slog.String("groupID", group.ID), slog.Any("error", err))
	}
	return nil
}

// Approve adds the requester to the group once an admin of that group
// accepts the request.
func (w *Workflow) Approve(ctx context.Context, connID string, p chat.ApprovePayload) error {
	request, group, adminID, err := w.authorize(ctx, connID, p.RequestID, p.GroupID, p.UserID, p.ApprovedBy.UserID, "approve")
	if err != nil {
		return err
	}
	if !w.claim(request.RequestID, StateApproved) {
		return errRequestGone
	}

	if err := w.dir.AddMember(ctx, group.ID, request.UserID); err != nil {
		w.release(request)
		return apperr.Internal("Failed to approve join request", err)
	}
	updated, history := w.viewAfterJoin(ctx, group, request.UserID, request.RequestID)

	w.router.EmitToUser(request.UserID, chat.EventGroupJoined, updated)
	w.router.EmitToUser(request.UserID, chat.EventGroupMessagesHistory, history)
	w.router.EmitToUser(request.UserID, chat.EventNotification, chat.Notification{
		Type:    chat.NotificationSuccess,
		Message: fmt.Sprintf("Your request to join %q has been approved!", group.Name),
	})
	w.router.EmitTo(connID, chat.EventNotification, chat.Notification{
		Type:    chat.NotificationSuccess,
		Message: fmt.Sprintf("You approved %s to join %q", displayName(request.Username), group.Name),
	})
	w.router.EmitGlobal(chat.EventGroupUpdated, updated)

	if err := w.audit.LogJoinDecision(ctx, adminID, request.UserID, group.ID, request.RequestID, true); err != nil {
		w.log.Error("Failed to audit approval", slog.String("requestID", request.RequestID), slog.Any("error", err))
	}
	w.log.Info("Join request approved",
		slog.String("requestID", request.RequestID),
		slog.String("groupID", group.ID),
		slog.String("userID", request.UserID))
	return nil
}

// Decline rejects a pending request without touching membership.
func (w *Workflow) Decline(ctx context.Context, connID string, p chat.DeclinePayload) error {
	request, group, adminID, err := w.authorize(ctx, connID, p.RequestID, p.GroupID, p.UserID, p.DeclinedBy.UserID, "decline")
	if err != nil {
		return err
	}
	if !w.claim(request.RequestID, StateDeclined) {
		return errRequestGone
	}

	w.router.EmitToUser(request.UserID, chat.EventNotification, chat.Notification{
		Type:    chat.NotificationWarning,
		Message: fmt.Sprintf("Your request to join %q has been declined.", group.Name),
	})
	w.router.EmitTo(connID, chat.EventNotification, chat.Notification{
		Type:    chat.NotificationInfo,
		Message: fmt.Sprintf("You declined %s from joining %q", displayName(request.Username), group.Name),
	})

	if err := w.audit.LogJoinDecision(ctx, adminID, request.UserID, group.ID, request.RequestID, false); err != nil {
		w.log.Error("Failed to audit decline", slog.String("requestID", request.RequestID), slog.Any("error", err))
	}
	w.log.Info("Join request declined",
		slog.String("requestID", request.RequestID),
		slog.String("groupID", group.ID),
		slog.String("userID", request.UserID))
	return nil
}

var errRequestGone = apperr.NotFound("Join request not found or already handled")

// authorize checks that the request is still pending, matches the payload and
// that the acting user administers the group. Nothing is mutated.
func (w *Workflow) authorize(ctx context.Context, connID, requestID, groupID, userID, claimedAdmin, verb string) (chat.JoinRequest, *chat.Group, string, error) {
	adminID, err := actorID(w.sessions, connID, claimedAdmin)
	if err != nil {
		return chat.JoinRequest{}, nil, "", err
	}

	request, ok := w.lookup(requestID)
	if !ok {
		return chat.JoinRequest{}, nil, "", errRequestGone
	}
	if request.GroupID != groupID || request.UserID != userID {
		return chat.JoinRequest{}, nil, "", apperr.Validation("Join request does not match group or user")
	}

	group, err := loadGroup(ctx, w.dir, groupID)
	if err != nil {
		return chat.JoinRequest{}, nil, "", err
	}
	isAdmin, err := w.dir.IsAdmin(ctx, group.ID, adminID)
	if err != nil {
		return chat.JoinRequest{}, nil, "", apperr.Internal("Failed to check admin role", err)
	}
	if !isAdmin {
		return chat.JoinRequest{}, nil, "", apperr.Authorization("Only admins can %s join requests", verb)
	}
	return request, group, adminID, nil
}

func (w *Workflow) membershipView(ctx context.Context, groupID string) (*chat.Group, []chat.Message, error) {
	updated, err := loadGroup(ctx, w.dir, groupID)
	if err != nil {
		return nil, nil, err
	}
	history, err := w.dir.GroupMessages(ctx, groupID)
	if err != nil {
		return nil, nil, apperr.Internal("Failed to load group messages", err)
	}
	if history == nil {
		history = []chat.Message{}
	}
	return updated, history, nil
}

// viewAfterJoin reloads the group once userID has been added. The membership
// is already committed, so a failed reload falls back to the group as loaded
// before the join with userID appended and an empty history.
func (w *Workflow) viewAfterJoin(ctx context.Context, group *chat.Group, userID, requestID string) (*chat.Group, []chat.Message) {
	updated, history, err := w.membershipView(ctx, group.ID)
	if err == nil {
		return updated, history
	}

	w.log.Error("Member added but group reload failed",
		slog.String("groupID", group.ID),
		slog.String("userID", userID),
		slog.String("requestID", requestID),
		slog.Any("error", err))
	fallback := *group
	fallback.Members = append(append([]string{}, group.Members...), userID)
	return &fallback, []chat.Message{}
}

// track records a request that has not reached any admin yet.
func (w *Workflow) track(request chat.JoinRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	w.pending[request.RequestID] = &pendingRequest{request: request, state: StateRequested}
}

// await opens a tracked request to admin decisions.
func (w *Workflow) await(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[requestID]; ok && p.state == StateRequested {
		p.state = StatePendingApproval
	}
}

func (w *Workflow) forget(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, requestID)
}

func (w *Workflow) lookup(requestID string) (chat.JoinRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()

	p, ok := w.pending[requestID]
	if !ok || p.state != StatePendingApproval {
		return chat.JoinRequest{}, false
	}
	return p.request, true
}

// claim moves a pending request to its terminal state. Only the first caller
// wins; resolved requests stay tracked until pruned.
func (w *Workflow) claim(requestID string, to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[requestID]
	if !ok || p.state != StatePendingApproval {
		return false
	}
	p.state = to
	return true
}

// release makes a claimed request pending again after its approval could not
// be stored.
func (w *Workflow) release(request chat.JoinRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[request.RequestID]; ok {
		p.state = StatePendingApproval
	}
}

func (w *Workflow) pruneLocked() int {
	cutoff := w.now().Add(-w.ttl)
	pruned := 0
	for id, p := range w.pending {
		if p.request.RequestedAt.Before(cutoff) {
			delete(w.pending, id)
			pruned++
		}
	}
	return pruned
}

// Prune drops requests older than the configured TTL.
func (w *Workflow) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pruneLocked()
}

// Pending returns the number of unresolved requests.
func (w *Workflow) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, p := range w.pending {
		if p.state == StatePendingApproval {
			n++
		}
	}
	return n
}

// State reports where requestID stands. ok is false for unknown or pruned
// requests.
func (w *Workflow) State(requestID string) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[requestID]
	if !ok {
		return "", false
	}
	return p.state, true
}

// Run prunes expired requests until ctx is done.
func (w *Workflow) Run(ctx context.Context) {
	ticker := time.NewTicker(w.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.Prune(); n > 0 {
				w.log.Info("Pruned expired join requests", slog.Int("count", n))
			}
		}
	}
}

func displayName(username string) string {
	if username == "" {
		return "User"
	}
	return username
}
