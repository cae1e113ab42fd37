package respserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yndnr/keymesh-go/internal/engine"
	"github.com/yndnr/keymesh-go/internal/resp"
)

// knownVerbs bounds the cardinality of the per-command metric labels.
var knownVerbs = map[string]struct{}{
	"PING": {}, "QUIT": {},
	"GET": {}, "SET": {}, "DEL": {}, "EXISTS": {}, "TTL": {},
	"HSET": {}, "HGET": {}, "HGETALL": {},
	"PUBLISH": {}, "SUBSCRIBE": {}, "UNSUBSCRIBE": {},
}

type readResult struct {
	frame resp.Frame
	err   error
}

// session is the per-connection command dispatcher. A dedicated read
// goroutine feeds decoded frames through the frames channel so the
// dispatcher can select between client commands and published messages
// while in subscribe mode.
type session struct {
	srv    *Server
	conn   *Conn
	id     string
	logger *slog.Logger

	// sub is non-nil only while in subscribe mode.
	sub        *engine.Subscription
	subscribed atomic.Bool

	frames chan readResult
	done   chan struct{}
}

func newSession(srv *Server, conn *Conn, id string) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		id:     id,
		logger: srv.logger.With("conn_id", id, "remote", conn.RemoteAddr().String()),
		frames: make(chan readResult),
		done:   make(chan struct{}),
	}
}

// run serves the connection until the peer closes, a fatal protocol
// error occurs, or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	defer func() {
		if s.sub != nil {
			s.sub.Close()
		}
	}()
	defer s.conn.Close()
	defer close(s.done)

	s.logger.Debug("connection opened")
	go s.readLoop()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-s.frames:
			if res.err != nil {
				s.handleReadError(res.err)
				return
			}
			if !s.dispatch(ctx, res.frame) {
				return
			}
		}
	}
}

// readLoop reads frames off the socket and hands them to the
// dispatcher. The idle deadline applies only while unsubscribed;
// a subscribed connection may sit quiet between published messages.
func (s *session) readLoop() {
	for {
		if !s.subscribed.Load() && s.srv.cfg.IdleTimeout > 0 {
			_ = s.conn.netConn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		} else {
			_ = s.conn.netConn.SetReadDeadline(time.Time{})
		}

		f, err := s.conn.ReadFrame()
		if err != nil {
			// An idle deadline armed just before the connection entered
			// subscribe mode may still fire; retry instead of closing.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && s.subscribed.Load() {
				continue
			}
		}

		select {
		case s.frames <- readResult{frame: f, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Debug("connection closed by peer")
	case errors.Is(err, resp.ErrLimitExceeded):
		s.logger.Warn("protocol limit exceeded", "error", err)
		_ = s.writeReply(resp.ErrorString("ERR protocol limit exceeded"))
	case errors.Is(err, resp.ErrProtocol):
		s.logger.Debug("malformed frame", "error", err)
		_ = s.writeReply(resp.ErrorString("ERR " + err.Error()))
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.logger.Debug("connection idle timeout")
			return
		}
		s.logger.Debug("connection read error", "error", err)
	}
}

// dispatch applies one command frame and writes its reply. It returns
// false when the connection must close.
func (s *session) dispatch(ctx context.Context, f resp.Frame) bool {
	parse, err := resp.NewParse(f)
	if err != nil {
		return s.writeReply(resp.ErrorString("ERR protocol error: commands must be arrays of bulk strings")) == nil
	}

	verb, err := parse.NextString()
	if err != nil {
		return s.writeReply(resp.ErrorString("ERR empty command")) == nil
	}
	verb = strings.ToUpper(verb)
	s.countCommand(verb)

	if lim := s.srv.limiterFor(s.conn.RemoteAddr()); lim != nil && !lim.Allow() {
		if s.srv.metrics != nil {
			s.srv.metrics.RateLimitedTotal.Inc()
		}
		return s.reply(verb, resp.ErrorString("ERR rate limit exceeded")) == nil
	}

	switch verb {
	case "PING":
		return s.reply(verb, s.handlePing(parse)) == nil
	case "GET":
		return s.reply(verb, s.handleGet(parse)) == nil
	case "SET":
		return s.reply(verb, s.handleSet(parse)) == nil
	case "DEL":
		return s.reply(verb, s.handleDel(parse)) == nil
	case "EXISTS":
		return s.reply(verb, s.handleExists(parse)) == nil
	case "TTL":
		return s.reply(verb, s.handleTTL(parse)) == nil
	case "HSET":
		return s.reply(verb, s.handleHSet(parse)) == nil
	case "HGET":
		return s.reply(verb, s.handleHGet(parse)) == nil
	case "HGETALL":
		return s.reply(verb, s.handleHGetAll(parse)) == nil
	case "PUBLISH":
		return s.reply(verb, s.handlePublish(parse)) == nil
	case "SUBSCRIBE":
		return s.handleSubscribe(ctx, parse)
	case "UNSUBSCRIBE":
		return s.handleUnsubscribeIdle(parse)
	case "QUIT":
		_ = s.writeReply(resp.SimpleString("OK"))
		return false
	default:
		return s.reply(verb, resp.ErrorString("ERR unknown command '"+verb+"'")) == nil
	}
}

// reply writes one reply frame, counting error frames per verb.
func (s *session) reply(verb string, f resp.Frame) error {
	if f.Kind == resp.KindError && s.srv.metrics != nil {
		s.srv.metrics.CommandErrorsTotal.WithLabelValues(verbLabel(verb)).Inc()
	}
	return s.writeReply(f)
}

func (s *session) writeReply(frames ...resp.Frame) error {
	_ = s.conn.netConn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	for _, f := range frames {
		if err := s.conn.WriteFrame(f); err != nil {
			return err
		}
	}
	return s.conn.Flush()
}

func (s *session) countCommand(verb string) {
	if s.srv.metrics != nil {
		s.srv.metrics.CommandsTotal.WithLabelValues(verbLabel(verb)).Inc()
	}
}

func verbLabel(verb string) string {
	if _, ok := knownVerbs[verb]; ok {
		return strings.ToLower(verb)
	}
	return "unknown"
}

func arityError(verb string) resp.Frame {
	return resp.ErrorString("ERR wrong number of arguments for '" + verb + "' command")
}

// PING [message]
func (s *session) handlePing(p *resp.Parse) resp.Frame {
	msg, err := p.NextBytes()
	if errors.Is(err, resp.ErrEndOfStream) {
		return resp.SimpleString("PONG")
	}
	if err != nil || p.Finish() != nil {
		return arityError("PING")
	}
	return resp.Bulk(msg)
}

// GET <key>
func (s *session) handleGet(p *resp.Parse) resp.Frame {
	key, err := p.NextString()
	if err != nil || p.Finish() != nil {
		return arityError("GET")
	}
	value, ok := s.srv.eng.Get(key)
	if !ok {
		return resp.Null()
	}
	return resp.Bulk(value)
}

// SET <key> <value> [expire-ms]
func (s *session) handleSet(p *resp.Parse) resp.Frame {
	key, err := p.NextString()
	if err != nil {
		return arityError("SET")
	}
	value, err := p.NextBytes()
	if err != nil {
		return arityError("SET")
	}

	ms, err := p.NextInt()
	if errors.Is(err, resp.ErrEndOfStream) {
		s.srv.eng.Set(key, value)
		return resp.SimpleString("OK")
	}
	if err != nil {
		return resp.ErrorString("ERR value is not an integer or out of range")
	}
	if p.Finish() != nil {
		return arityError("SET")
	}

	s.srv.eng.SetEx(key, value, time.Duration(ms)*time.Millisecond)
	return resp.SimpleString("OK")
}

// DEL <key> [key ...]
func (s *session) handleDel(p *resp.Parse) resp.Frame {
	keys, err := remainingStrings(p)
	if err != nil || len(keys) == 0 {
		return arityError("DEL")
	}
	return resp.Integer(int64(s.srv.eng.Del(keys...)))
}

// EXISTS <key> [key ...]
func (s *session) handleExists(p *resp.Parse) resp.Frame {
	keys, err := remainingStrings(p)
	if err != nil || len(keys) == 0 {
		return arityError("EXISTS")
	}
	return resp.Integer(int64(s.srv.eng.Exists(keys...)))
}

// TTL <key>
//
// Returns -2 if the key does not exist, -1 if the key has no deadline,
// otherwise the remaining time in whole seconds.
func (s *session) handleTTL(p *resp.Parse) resp.Frame {
	key, err := p.NextString()
	if err != nil || p.Finish() != nil {
		return arityError("TTL")
	}
	remaining, hasDeadline, exists := s.srv.eng.TTL(key)
	switch {
	case !exists:
		return resp.Integer(-2)
	case !hasDeadline:
		return resp.Integer(-1)
	default:
		return resp.Integer(int64(remaining.Seconds()))
	}
}

// HSET <key> <field> <value>
func (s *session) handleHSet(p *resp.Parse) resp.Frame {
	key, err := p.NextString()
	if err != nil {
		return arityError("HSET")
	}
	field, err := p.NextString()
	if err != nil {
		return arityError("HSET")
	}
	value, err := p.NextBytes()
	if err != nil || p.Finish() != nil {
		return arityError("HSET")
	}
	s.srv.eng.HSet(key, field, value)
	return resp.SimpleString("OK")
}

// HGET <key> <field>
func (s *session) handleHGet(p *resp.Parse) resp.Frame {
	key, err := p.NextString()
	if err != nil {
		return arityError("HGET")
	}
	field, err := p.NextString()
	if err != nil || p.Finish() != nil {
		return arityError("HGET")
	}
	value, ok := s.srv.eng.HGet(key, field)
	if !ok {
		return resp.Null()
	}
	return resp.Bulk(value)
}

// HGETALL <key>
func (s *session) handleHGetAll(p *resp.Parse) resp.Frame {
	key, err := p.NextString()
	if err != nil || p.Finish() != nil {
		return arityError("HGETALL")
	}
	fields, ok := s.srv.eng.HGetAll(key)
	if !ok {
		return resp.Null()
	}
	elems := make([]resp.Frame, 0, len(fields)*2)
	for field, value := range fields {
		elems = append(elems, resp.BulkString(field), resp.Bulk(value))
	}
	return resp.Array(elems...)
}

// PUBLISH <channel> <message>
func (s *session) handlePublish(p *resp.Parse) resp.Frame {
	channel, err := p.NextString()
	if err != nil {
		return arityError("PUBLISH")
	}
	payload, err := p.NextBytes()
	if err != nil || p.Finish() != nil {
		return arityError("PUBLISH")
	}
	return resp.Integer(int64(s.srv.eng.Publish(channel, payload)))
}

// SUBSCRIBE <channel> [channel ...]
//
// Acknowledges each channel, then enters subscribe mode: the dispatcher
// forwards published messages as unsolicited frames and accepts only
// further SUBSCRIBE/UNSUBSCRIBE commands until the subscribed set
// becomes empty.
func (s *session) handleSubscribe(ctx context.Context, p *resp.Parse) bool {
	channels, err := remainingStrings(p)
	if err != nil || len(channels) == 0 {
		return s.reply("SUBSCRIBE", arityError("SUBSCRIBE")) == nil
	}

	if s.sub == nil {
		s.sub = s.srv.eng.Subscribe()
	}
	acks := s.sub.Subscribe(channels...)
	if s.writeReply(ackFrames("subscribe", acks)...) != nil {
		return false
	}

	s.subscribed.Store(true)
	s.logger.Debug("entered subscribe mode", "channels", channels)
	return s.subscribedLoop(ctx, acks[len(acks)-1].Count)
}

/// UNSUBSCRIBE in the idle state: nothing is subscribed, but the command
// is still acknowledged, with count zero per channel. With no arguments
// a single acknowledgement with a null channel is written.
func (s *session) handleUnsubscribeIdle(p *resp.Parse) bool {
	channels, err := remainingStrings(p)
	if err != nil {
		return s.reply("UNSUBSCRIBE", arityError("UNSUBSCRIBE")) == nil
	}

	if len(channels) == 0 {
		f := resp.Array(resp.BulkString("unsubscribe"), resp.Null(), resp.Integer(0))
		return s.writeReply(f) == nil
	}

	frames := make([]resp.Frame, 0, len(channels))
	for _, ch := range channels {
		frames = append(frames, ackFrame("unsubscribe", engine.Ack{Channel: ch, Count: 0}))
	}
	return s.writeReply(frames...) == nil
}

// subscribedLoop forwards published messages and services subscribe
// mode commands until the subscribed set is empty. It returns false
// when the connection must close.
func (s *session) subscribedLoop(ctx context.Context, count int) bool {
	for count > 0 {
		select {
		case <-ctx.Done():
			return false
		case msg := <-s.sub.Messages():
			f := resp.Array(
				resp.BulkString("message"),
				resp.BulkString(msg.Channel),
				resp.Bulk(msg.Payload),
			)
			if s.writeReply(f) != nil {
				return false
			}
		case res := <-s.frames:
			if res.err != nil {
				s.handleReadError(res.err)
				return false
			}
			next, ok := s.subscribedCommand(res.frame, count)
			if !ok {
				return false
			}
			count = next
		}
	}

	s.sub.Close()
	s.sub = nil
	s.subscribed.Store(false)

	// The read goroutine is parked without a deadline; re-arm the idle
	// timeout so the now-unsubscribed connection can still expire.
	if s.srv.cfg.IdleTimeout > 0 {
		_ = s.conn.netConn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
	}

	s.logger.Debug("left subscribe mode")
	return true
}

// subscribedCommand applies one command received while in subscribe
// mode and returns the updated subscribed-channel count.
func (s *session) subscribedCommand(f resp.Frame, count int) (int, bool) {
	parse, err := resp.NewParse(f)
	if err != nil {
		return count, s.writeReply(resp.ErrorString("ERR protocol error: commands must be arrays of bulk strings")) == nil
	}
	verb, err := parse.NextString()
	if err != nil {
		return count, s.writeReply(resp.ErrorString("ERR empty command")) == nil
	}
	verb = strings.ToUpper(verb)
	s.countCommand(verb)

	switch verb {
	case "SUBSCRIBE":
		channels, err := remainingStrings(parse)
		if err != nil || len(channels) == 0 {
			return count, s.reply(verb, arityError("SUBSCRIBE")) == nil
		}
		acks := s.sub.Subscribe(channels...)
		if s.writeReply(ackFrames("subscribe", acks)...) != nil {
			return count, false
		}
		return acks[len(acks)-1].Count, true

	case "UNSUBSCRIBE":
		channels, err := remainingStrings(parse)
		if err != nil {
			return count, s.reply(verb, arityError("UNSUBSCRIBE")) == nil
		}
		acks := s.sub.Unsubscribe(channels...)
		if s.writeReply(ackFrames("unsubscribe", acks)...) != nil {
			return count, false
		}
		return acks[len(acks)-1].Count, true

	default:
		err := s.reply(verb, resp.ErrorString("ERR only SUBSCRIBE and UNSUBSCRIBE are allowed in subscribe mode"))
		return count, err == nil
	}
}

func ackFrame(kind string, ack engine.Ack) resp.Frame {
	return resp.Array(
		resp.BulkString(kind),
		resp.BulkString(ack.Channel),
		resp.Integer(int64(ack.Count)),
	)
}

func ackFrames(kind string, acks []engine.Ack) []resp.Frame {
	frames := make([]resp.Frame, 0, len(acks))
	for _, ack := range acks {
		frames = append(frames, ackFrame(kind, ack))
	}
	return frames
}

// remainingStrings drains the rest of the command's arguments.
func remainingStrings(p *resp.Parse) ([]string, error) {
	var out []string
	for {
		v, err := p.NextString()
		if errors.Is(err, resp.ErrEndOfStream) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}
