package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats accepted by Options.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Field names every binary uses for the ids that tie a ledger change to its
// request, actor and event.
const (
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldRole      = "actor_role"
	FieldVendorID  = "vendor_id"
	FieldPayoutID  = "payout_request_id"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
)

// Fields is a set of structured fields attached to a context.
type Fields map[string]any

// Options configures the structured logger.
type Options struct {
	ServiceName string
	Level       zerolog.Level
	WarnStack   bool
	Output      io.Writer
	// Format is FormatJSON (default) or FormatConsole.
	Format string
	// Fields are attached to every entry, e.g. env or service kind.
	Fields Fields
}

// Logger keeps per-request fields on the context, so call sites pass only
// ctx and a message.
type Logger struct {
	root      zerolog.Logger
	warnStack bool
}

type ctxKey struct{}

func New(opts Options) *Logger {
	level := opts.Level
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), FormatConsole) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	zctx := zerolog.New(out).With().Timestamp().Str("service", opts.ServiceName)
	if len(opts.Fields) > 0 {
		zctx = zctx.Fields(map[string]any(opts.Fields))
	}
	return &Logger{root: zctx.Logger().Level(level), warnStack: opts.WarnStack}
}

// ParseLevel maps a config string onto a zerolog level, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) from(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if scoped, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
			return scoped
		}
	}
	return &l.root
}

func (l *Logger) with(ctx context.Context, fields map[string]any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	scoped := l.from(ctx).With().Fields(fields).Logger()
	return context.WithValue(ctx, ctxKey{}, &scoped)
}

func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return l.with(ctx, map[string]any{key: value})
}

func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	return l.with(ctx, fields)
}

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.WithField(ctx, FieldRequestID, requestID)
}

// WithActor tags entries with who made the call. vendorID may be empty for
// admin and system callers.
func (l *Logger) WithActor(ctx context.Context, userID, role, vendorID string) context.Context {
	fields := map[string]any{FieldUserID: userID, FieldRole: role}
	if vendorID != "" {
		fields[FieldVendorID] = vendorID
	}
	return l.with(ctx, fields)
}

func (l *Logger) WithVendorID(ctx context.Context, vendorID string) context.Context {
	return l.WithField(ctx, FieldVendorID, vendorID)
}

func (l *Logger) WithPayoutID(ctx context.Context, payoutID string) context.Context {
	return l.WithField(ctx, FieldPayoutID, payoutID)
}

func (l *Logger) WithEvent(ctx context.Context, eventID, eventType string) context.Context {
	return l.with(ctx, map[string]any{FieldEventID: eventID, FieldEventType: eventType})
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	l.from(ctx).Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	l.from(ctx).Info().Msg(msg)
}

// Warn attaches a stack only when WarnStack is enabled.
func (l *Logger) Warn(ctx context.Context, msg string) {
	event := l.from(ctx).Warn()
	if l.warnStack {
		event = event.Str("stack", stackTrace())
	}
	event.Msg(msg)
}

// Error always attaches a stack.
func (l *Logger) Error(ctx context.Context, msg string, err error) {
	l.from(ctx).Error().Err(err).Str("stack", stackTrace()).Msg(msg)
}

func stackTrace() string {
	return strings.TrimSpace(string(debug.Stack()))
}
