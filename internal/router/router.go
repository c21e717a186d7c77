// Package router dispatches every message, edit, deletion and reaction
// between remote chats and front-end contexts. The Router itself holds no
// per-event state; it consults the binding store, the ledger and the tracker,
// and writes ledger and tracker entries only after a transport confirmed the send.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/compensation"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/tracker"
)

const tracerName = "chatbridge/router"

// Remotes resolves a channel id to its transport. *channels.Manager implements it.
type Remotes interface {
	Remote(id string) (channels.RemoteChannel, bool)
}

// Directory supplies chat metadata for message headers. May be nil.
type Directory interface {
	Lookup(key chat.Key) (chat.RemoteChat, bool)
}

// Config wires the router's collaborators.
type Config struct {
	Bindings       *binding.Store
	Ledger         *ledger.Ledger
	Tracker        *tracker.Tracker
	Frontend       channels.FrontendClient
	Remotes        Remotes
	Directory      Directory
	PreventRemoval bool
}

// Router is safe for concurrent use.
type Router struct {
	bindings  *binding.Store
	ledger    *ledger.Ledger
	tracker   *tracker.Tracker
	frontend  channels.FrontendClient
	remotes   Remotes
	directory Directory

	preventRemoval atomic.Bool
	tracer         trace.Tracer
}

// New creates a Router.
func New(cfg Config) *Router {
	r := &Router{
		bindings:  cfg.Bindings,
		ledger:    cfg.Ledger,
		tracker:   cfg.Tracker,
		frontend:  cfg.Frontend,
		remotes:   cfg.Remotes,
		directory: cfg.Directory,
		tracer:    otel.Tracer(tracerName),
	}
	r.preventRemoval.Store(cfg.PreventRemoval)
	return r
}

// SetPreventRemoval toggles the prevent-message-removal policy at runtime.
func (r *Router) SetPreventRemoval(v bool) { r.preventRemoval.Store(v) }

// SetFrontend replaces the front-end client. It must be called before events flow.
func (r *Router) SetFrontend(f channels.FrontendClient) { r.frontend = f }

// Result describes a routed front-end message.
type Result struct {
	Target      chat.Key
	RemoteMsgID string
	// Implicit is set when the target came from the last-recipient tracker.
	Implicit bool
}

// HandleRemote implements bus.Handler.
func (r *Router) HandleRemote(ctx context.Context, ev bus.RemoteEvent) (err error) {
	ctx, span := r.tracer.Start(ctx, "router.remote."+string(ev.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("chat", ev.Chat.String()),
			attribute.String("remote_msg_id", ev.MessageID),
		))
	defer func() { endSpan(span, err) }()

	switch ev.Kind {
	case bus.KindMessage:
		_, err = r.RemoteMessage(ctx, ev)
	case bus.KindEdit:
		err = r.RemoteEdit(ctx, ev)
	case bus.KindDelete:
		err = r.RemoteDelete(ctx, ev)
	case bus.KindReaction:
		err = r.RemoteReaction(ctx, ev)
	default:
		err = fmt.Errorf("unknown remote event kind %q", ev.Kind)
	}
	return err
}

// HandleFrontend implements bus.Handler.
func (r *Router) HandleFrontend(ctx context.Context, ev bus.FrontendEvent) (err error) {
	ctx, span := r.tracer.Start(ctx, "router.frontend."+string(ev.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("context_id", ev.ContextID),
			attribute.Int("frontend_msg_id", ev.MessageID),
		))
	defer func() { endSpan(span, err) }()

	switch ev.Kind {
	case bus.KindMessage:
		_, err = r.FrontendMessage(ctx, ev)
	case bus.KindEdit:
		err = r.FrontendEdit(ctx, ev)
	case bus.KindDelete:
		err = r.FrontendDelete(ctx, ev)
	case bus.KindReaction:
		err = r.FrontendReaction(ctx, ev)
	default:
		err = fmt.Errorf("unknown frontend event kind %q", ev.Kind)
	}
	return err
}

// RemoteMessage delivers a remote message to the bound context and returns
// the front-end message id.
func (r *Router) RemoteMessage(ctx context.Context, ev bus.RemoteEvent) (int, error) {
	fc, ok := r.bindings.ResolveContext(ev.Chat)
	if !ok {
		return 0, fmt.Errorf("%s: %w", ev.Chat, ErrUnrouted)
	}

	replyTo := 0
	if ev.ReplyTo != "" {
		if e, err := r.ledger.LookupByRemote(ctx, ledger.RemoteRef{Chat: ev.Chat, MessageID: ev.ReplyTo}); err == nil && e.Frontend.ContextID == fc.ID {
			replyTo = e.Frontend.MessageID
		}
	}

	content := channels.Content{Text: r.header(fc.ID, ev.Chat, ev.Author) + ev.Text}
	fid, err := r.frontend.Send(ctx, fc.ID, content, replyTo)
	if err != nil {
		return 0, fmt.Errorf("send to context %d: %w", fc.ID, err)
	}

	if err := r.record(ctx, ledger.Entry{
		Frontend:  ledger.FrontendRef{ContextID: fc.ID, MessageID: fid},
		Remote:    ledger.RemoteRef{Chat: ev.Chat, MessageID: ev.MessageID},
		Author:    ev.Author,
		Direction: ledger.Inbound,
	}); err != nil {
		return fid, err
	}
	r.tracker.RecordInboundOrigin(fc.ID, ev.Chat)
	return fid, nil
}

// resolveTarget picks the remote chat for a front-end message. replyTo is the
// remote message id to thread under, if any.
func (r *Router) resolveTarget(ctx context.Context, ev bus.FrontendEvent) (target chat.Key, replyTo string, res tracker.Resolution, implicit bool, err error) {
	if !ev.Target.IsZero() {
		return ev.Target, "", res, false, nil
	}

	if ev.ReplyTo != 0 {
		e, err := r.ledger.LookupByFrontend(ctx, ledger.FrontendRef{ContextID: ev.ContextID, MessageID: ev.ReplyTo})
		switch {
		case err == nil:
			return e.Remote.Chat, e.Remote.MessageID, res, false, nil
		case errors.Is(err, ledger.ErrNotTracked):
			// Replying to an unrelated message: fall through to the context's bindings.
		default:
			return chat.Key{}, "", res, false, err
		}
	}

	if bound := r.bindings.ResolveBindings(ev.ContextID); len(bound) == 1 {
		return bound[0], "", res, false, nil
	}

	if res, ok := r.tracker.Resolve(ev.ContextID); ok {
		return res.Target, "", res, true, nil
	}
	return chat.Key{}, "", res, false, ErrAmbiguousTarget
}

// FrontendMessage sends a front-end message to its resolved remote chat.
func (r *Router) FrontendMessage(ctx context.Context, ev bus.FrontendEvent) (Result, error) {
	target, replyTo, res, implicit, err := r.resolveTarget(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	remote, err := r.remote(target)
	if err != nil {
		return Result{}, err
	}

	rid, err := remote.Send(ctx, target, channels.Content{Text: ev.Text}, replyTo)
	if err != nil {
		return Result{}, fmt.Errorf("send to %s: %w", target, err)
	}
	result := Result{Target: target, RemoteMsgID: rid, Implicit: implicit}

	if err := r.record(ctx, ledger.Entry{
		Frontend:  ledger.FrontendRef{ContextID: ev.ContextID, MessageID: ev.MessageID},
		Remote:    ledger.RemoteRef{Chat: target, MessageID: rid},
		Author:    ev.SenderID,
		Direction: ledger.Outbound,
	}); err != nil {
		return result, err
	}
	r.tracker.RecordOutbound(ev.ContextID, target)

	if implicit {
		slog.Debug("router: implicit addressing", "context_id", ev.ContextID, "chat", target.String())
		if res.Warn {
			r.notifyFrontend(ctx, ev.ContextID, ev.MessageID, implicitWarning(r.displayName(target)))
		}
	}
	return result, nil
}

// FrontendEdit replays an edit of a front-end message on the remote side.
func (r *Router) FrontendEdit(ctx context.Context, ev bus.FrontendEvent) error {
	e, err := r.ledger.LookupByFrontend(ctx, ledger.FrontendRef{ContextID: ev.ContextID, MessageID: ev.MessageID})
	if err != nil {
		return err
	}
	remote, err := r.remote(e.Remote.Chat)
	if err != nil {
		return err
	}
	if compensation.Decide(compensation.OpEdit, remote.Capabilities(e.Remote.Chat), false, "") != compensation.Passthrough {
		return ErrUnsupportedOperation
	}
	if err := remote.Edit(ctx, e.Remote.Chat, e.Remote.MessageID, channels.Content{Text: ev.Text}); err != nil {
		return transportErr("edit", err)
	}
	return nil
}

// RemoteEdit replays a remote edit on the front-end copy.
func (r *Router) RemoteEdit(ctx context.Context, ev bus.RemoteEvent) error {
	e, err := r.ledger.LookupByRemote(ctx, ledger.RemoteRef{Chat: ev.Chat, MessageID: ev.MessageID})
	if err != nil {
		return err
	}
	text := r.header(e.Frontend.ContextID, ev.Chat, ev.Author) + ev.Text
	if err := r.frontend.Edit(ctx, e.Frontend.ContextID, e.Frontend.MessageID, channels.Content{Text: text}); err != nil {
		return transportErr("edit", err)
	}
	return nil
}

// FrontendDelete removes the remote copy of a front-end message. When the
// remote chat cannot delete and prevent-removal is on, exactly one notice is
// sent to the remote chat instead.
func (r *Router) FrontendDelete(ctx context.Context, ev bus.FrontendEvent) error {
	e, err := r.ledger.LookupByFrontend(ctx, ledger.FrontendRef{ContextID: ev.ContextID, MessageID: ev.MessageID})
	if err != nil {
		return err
	}
	remote, err := r.remote(e.Remote.Chat)
	if err != nil {
		return err
	}

	prevent := r.preventRemoval.Load()
	action := compensation.Decide(compensation.OpDelete, remote.Capabilities(e.Remote.Chat), prevent, "")
	if action == compensation.Passthrough {
		err := remote.Delete(ctx, e.Remote.Chat, e.Remote.MessageID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, channels.ErrUnsupported) {
			return fmt.Errorf("delete on %s: %w", e.Remote.Chat, err)
		}
		// The platform refused this particular message; treat it as a capability gap.
		action = compensation.Decide(compensation.OpDelete, channels.Capabilities{}, prevent, "")
	}
	if action != compensation.Notify {
		return ErrUnsupportedOperation
	}

	if _, err := remote.Send(ctx, e.Remote.Chat, channels.Content{Text: compensation.RemovalNotice("")}, e.Remote.MessageID); err != nil {
		return fmt.Errorf("send removal notice to %s: %w", e.Remote.Chat, err)
	}
	slog.Info("router: deletion compensated with notice", "chat", e.Remote.Chat.String(), "remote_msg_id", e.Remote.MessageID)
	return nil
}

// RemoteDelete mirrors a remote deletion. With prevent-removal on, the
// front-end copy is kept and a notice is posted as a reply to it. Deletions of
// messages the bridge itself sent are echoes of a front-end delete and are ignored.
func (r *Router) RemoteDelete(ctx context.Context, ev bus.RemoteEvent) error {
	e, err := r.ledger.LookupByRemote(ctx, ledger.RemoteRef{Chat: ev.Chat, MessageID: ev.MessageID})
	if err != nil {
		return err
	}
	if e.Direction == ledger.Outbound {
		slog.Debug("router: ignoring deletion of own remote message", "chat", ev.Chat.String(), "remote_msg_id", ev.MessageID)
		return nil
	}

	if r.preventRemoval.Load() {
		author := ev.Author
		if author == "" {
			author = e.Author
		}
		if _, err := r.frontend.Send(ctx, e.Frontend.ContextID, channels.Content{Text: compensation.KeptNotice(author), Silent: true}, e.Frontend.MessageID); err != nil {
			return fmt.Errorf("send removal notice to context %d: %w", e.Frontend.ContextID, err)
		}
		return nil
	}
	if err := r.frontend.Delete(ctx, e.Frontend.ContextID, e.Frontend.MessageID); err != nil {
		return transportErr("delete", err)
	}
	return nil
}

// FrontendReaction passes a reaction on a front-end message to the remote side.
func (r *Router) FrontendReaction(ctx context.Context, ev bus.FrontendEvent) error {
	e, err := r.ledger.LookupByFrontend(ctx, ledger.FrontendRef{ContextID: ev.ContextID, MessageID: ev.MessageID})
	if err != nil {
		return err
	}
	remote, err := r.remote(e.Remote.Chat)
	if err != nil {
		return err
	}
	caps := remote.Capabilities(e.Remote.Chat)
	if !ev.Remove && compensation.Decide(compensation.OpReact, caps, false, ev.Reaction) != compensation.Passthrough {
		return &UnsupportedReactionError{Reaction: ev.Reaction, Accepted: caps.AcceptedReactions}
	}
	if err := remote.React(ctx, e.Remote.Chat, e.Remote.MessageID, ev.Reaction, ev.Remove); err != nil {
		return transportErr("react", err)
	}
	return nil
}

// RemoteReaction mirrors a remote reaction on the front-end copy.
func (r *Router) RemoteReaction(ctx context.Context, ev bus.RemoteEvent) error {
	e, err := r.ledger.LookupByRemote(ctx, ledger.RemoteRef{Chat: ev.Chat, MessageID: ev.MessageID})
	if err != nil {
		return err
	}
	reaction := ev.Reaction
	if ev.Remove {
		reaction = ""
	}
	if err := r.frontend.React(ctx, e.Frontend.ContextID, e.Frontend.MessageID, reaction); err != nil {
		return transportErr("react", err)
	}
	return nil
}

// record writes a ledger entry. A non-fatal persistence failure is logged and
// swallowed: the message was delivered and the in-memory entry still serves.
func (r *Router) record(ctx context.Context, e ledger.Entry) error {
	err := r.ledger.Record(ctx, e)
	if err == nil {
		return nil
	}
	if store.IsFatal(err) {
		return err
	}
	slog.Warn("router: failed to persist message reference",
		"context_id", e.Frontend.ContextID, "chat", e.Remote.Chat.String(), "error", err)
	return nil
}

func (r *Router) remote(key chat.Key) (channels.RemoteChannel, error) {
	ch, ok := r.remotes.Remote(key.ChannelID)
	if !ok {
		return nil, fmt.Errorf("channel %s is not available", key.ChannelID)
	}
	return ch, nil
}

// notifyFrontend posts a bridge notice; failures are only logged.
func (r *Router) notifyFrontend(ctx context.Context, contextID int64, replyTo int, text string) {
	if _, err := r.frontend.Send(ctx, contextID, channels.Content{Text: text, Silent: true}, replyTo); err != nil {
		slog.Warn("router: failed to send notice", "context_id", contextID, "error", err)
	}
}

func transportErr(op string, err error) error {
	if errors.Is(err, channels.ErrUnsupported) {
		return fmt.Errorf("%s: %w", op, ErrUnsupportedOperation)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
