package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rahul/steward/internal/agent"
	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/governance"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/session"
	"github.com/rahul/steward/internal/store"
)

const helpText = `Send me a request and I will draft a plan.
Then reply with:
confirm - run the plan
cancel - stop it
edit <stepId> <description> - change a step
dryrun - check the plan without running it
reply <text> - answer an open question
status - show the current session`

// Sessions is the part of the session controller the router drives.
type Sessions interface {
	HandleNewRequest(ctx context.Context, cmd session.Command) (*session.Draft, error)
	HandleConfirm(ctx context.Context, sessionID string, actor session.Actor) (*session.Ack, error)
	HandleCancel(ctx context.Context, sessionID string, actor session.Actor) (*store.Session, error)
	HandleEdit(ctx context.Context, sessionID string, actor session.Actor, patch plan.Patch) (*plan.Preview, error)
	HandleReply(ctx context.Context, sessionID string, actor session.Actor, text string) (*store.Session, error)
	HandleDryRun(ctx context.Context, sessionID string, actor session.Actor) (*plan.Preview, error)
	Get(ctx context.Context, sessionID string) (*store.Session, error)
}

// Subscriber opens progress subscriptions.
type Subscriber interface {
	Subscribe(userID, sessionID string) (*events.Subscription, error)
}

type RouterOptions struct {
	// Roles are granted to every chat user.
	Roles []string
	// ProgressRate caps relayed progress lines per second. Terminal and
	// failure events are always relayed.
	ProgressRate float64
	Logger       *slog.Logger
}

// Router turns chat text into session commands and relays run progress back
// to the chat. It remembers the latest session opened in each chat.
type Router struct {
	Sessions Sessions
	Events   Subscriber
	Roles    []string

	rate   rate.Limit
	logger *slog.Logger

	mu      sync.Mutex
	current map[string]string
	wg      sync.WaitGroup
}

func NewRouter(sessions Sessions, subs Subscriber, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProgressRate <= 0 {
		opts.ProgressRate = 1
	}
	if len(opts.Roles) == 0 {
		opts.Roles = []string{governance.RoleEditor}
	}
	return &Router{
		Sessions: sessions,
		Events:   subs,
		Roles:    opts.Roles,
		rate:     rate.Limit(opts.ProgressRate),
		logger:   opts.Logger.With("component", "router"),
		current:  map[string]string{},
	}
}

// Bind returns the handler a messenger should call for its inbound messages.
func (r *Router) Bind(m Messenger) HandlerFunc {
	return func(ctx context.Context, msg Inbound) {
		reply := r.Handle(ctx, m, msg)
		if reply == "" {
			return
		}
		if err := m.Send(msg.ChatID, reply); err != nil {
			r.logger.Error("failed to send reply", "gateway", m.Name(), "chat_id", msg.ChatID, "error", err)
		}
	}
}

// Handle executes one chat message and returns the reply text.
func (r *Router) Handle(ctx context.Context, m Messenger, msg Inbound) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ""
	}
	cmd, rest := splitCommand(text)
	key := m.Name() + ":" + msg.ChatID
	actor := session.Actor{UserID: msg.UserID, Roles: r.Roles, Channel: channel(m, msg)}

	r.logger.Debug("chat message", "gateway", m.Name(), "chat_id", msg.ChatID, "user", msg.Name, "command", cmd)

	if cmd == "help" || cmd == "start" {
		return helpText
	}

	sessionID := r.sessionFor(key)
	switch cmd {
	case "confirm", "cancel", "edit", "dryrun", "reply", "status":
		if sessionID == "" {
			return "No open session. Send a request first."
		}
	}

	switch cmd {
	case "confirm":
		return r.confirm(ctx, m, msg, sessionID, actor)

	case "cancel":
		s, err := r.Sessions.HandleCancel(ctx, sessionID, actor)
		if err != nil {
			return describe(err)
		}
		return RenderSession(s)

	case "edit":
		stepID, desc, _ := strings.Cut(rest, " ")
		desc = strings.TrimSpace(desc)
		if stepID == "" || desc == "" {
			return "Usage: edit <stepId> <description>"
		}
		patch := plan.Patch{Steps: []plan.StepPatch{{ID: stepID, Description: &desc}}}
		pv, err := r.Sessions.HandleEdit(ctx, sessionID, actor, patch)
		if err != nil {
			return describe(err)
		}
		return RenderPreview(sessionID, *pv)

	case "dryrun":
		pv, err := r.Sessions.HandleDryRun(ctx, sessionID, actor)
		if err != nil {
			return describe(err)
		}
		return RenderPreview(sessionID, *pv)

	case "reply":
		if rest == "" {
			return "Usage: reply <text>"
		}
		if _, err := r.Sessions.HandleReply(ctx, sessionID, actor, rest); err != nil {
			return describe(err)
		}
		return "Noted."

	case "status":
		s, err := r.Sessions.Get(ctx, sessionID)
		if err != nil {
			return describe(err)
		}
		return RenderSession(s)
	}

	draft, err := r.Sessions.HandleNewRequest(ctx, session.Command{
		Message:   text,
		UserID:    msg.UserID,
		UserRoles: r.Roles,
		Channel:   actor.Channel,
	})
	if err != nil {
		return describe(err)
	}
	r.mu.Lock()
	r.current[key] = draft.Session.ID
	r.mu.Unlock()
	return RenderPreview(draft.Session.ID, draft.Preview)
}

func (r *Router) confirm(ctx context.Context, m Messenger, msg Inbound, sessionID string, actor session.Actor) string {
	// Subscribe first so plan_started is not missed.
	sub, err := r.Events.Subscribe(msg.UserID, sessionID)
	if err != nil {
		return describe(err)
	}
	ack, err := r.Sessions.HandleConfirm(ctx, sessionID, actor)
	if err != nil {
		sub.Close()
		return describe(err)
	}
	r.wg.Add(1)
	go r.relay(ctx, m, msg.ChatID, sub)
	return fmt.Sprintf("Running *%s*. I will post progress here.", ack.Session.Plan.Title)
}

// relay forwards progress until the run ends or ctx is done.
func (r *Router) relay(ctx context.Context, m Messenger, chatID string, sub *events.Subscription) {
	defer r.wg.Done()
	defer sub.Close()

	limiter := rate.NewLimiter(r.rate, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			sub.Touch()
			if ev.Type == events.KeepAlive {
				continue
			}
			final := terminalEvent(ev.Type)
			if !final && ev.Type != events.StepFailed && !limiter.Allow() {
				continue
			}
			if err := m.Send(chatID, RenderEvent(ev)); err != nil {
				r.logger.Warn("failed to relay progress", "gateway", m.Name(), "chat_id", chatID, "error", err)
			}
			if final {
				return
			}
		}
	}
}

// Wait blocks until every progress relay has returned.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) sessionFor(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[key]
}

func splitCommand(text string) (string, string) {
	word, rest, _ := strings.Cut(text, " ")
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	// Telegram appends the bot name in groups: /confirm@steward_bot
	word, _, _ = strings.Cut(word, "@")
	return word, strings.TrimSpace(rest)
}

func channel(m Messenger, msg Inbound) map[string]string {
	return map[string]string{"gateway": m.Name(), "chat_id": msg.ChatID}
}

func describe(err error) string {
	switch {
	case errors.Is(err, agent.ErrUnsupportedIntent):
		return "Sorry, I don't know how to do that yet."
	case errors.Is(err, governance.ErrInsufficientRole):
		return "You don't have the role this plan needs: " + err.Error()
	case errors.Is(err, governance.ErrPolicyDenied):
		return "Not allowed: " + err.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return "That isn't possible right now: " + err.Error()
	case errors.Is(err, store.ErrNotFound):
		return "That session no longer exists."
	}
	return "Something went wrong: " + err.Error()
}
