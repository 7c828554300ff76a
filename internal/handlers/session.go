package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
	"github.com/google/uuid"
)

// sessions holds the conversations of the browser sessions. A session gets a conversation on its
// first message, and loses it once it has been idle for longer than idleTimeout without a reply in
// flight.
type sessions struct {
	mu          sync.Mutex
	convs       map[string]*session
	idleTimeout time.Duration
	lastSweep   time.Time

	now func() time.Time
}

type session struct {
	conv     *chat.Conversation
	lastSeen time.Time
}

const defaultSessionIdleTimeout = 30 * time.Minute

func newSessions(idleTimeout time.Duration) *sessions {
	return &sessions{
		convs:       map[string]*session{},
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// lookup returns the conversation of the session, if it has one.
func (s *sessions) lookup(sessionID string) (*chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.convs[sessionID]
	if !ok {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.conv, true
}

// getOrCreate returns the conversation of the session, creating one with create if needed.
func (s *sessions) getOrCreate(sessionID string, create func() *chat.Conversation) *chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.convs[sessionID]; ok {
		sess.lastSeen = now
		return sess.conv
	}

	s.sweep(now)
	conv := create()
	s.convs[sessionID] = &session{conv: conv, lastSeen: now}
	return conv
}

// replace sets the conversation of the session, cancelling the reply of the previous one.
func (s *sessions) replace(sessionID string, conv *chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if old, ok := s.convs[sessionID]; ok {
		old.conv.Cancel()
	} else {
		s.sweep(now)
	}
	s.convs[sessionID] = &session{conv: conv, lastSeen: now}
}

// sweep drops idle sessions. It runs at most twice per idle timeout. The caller holds s.mu.
func (s *sessions) sweep(now time.Time) {
	if s.idleTimeout <= 0 || now.Sub(s.lastSweep) < s.idleTimeout/2 {
		return
	}
	s.lastSweep = now

	for id, sess := range s.convs {
		if now.Sub(sess.lastSeen) < s.idleTimeout || sess.conv.Busy() {
			continue
		}
		delete(s.convs, id)
	}
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.convs)
}

// sessionID returns the session of the browser, handing out a new id if the browser has none. Only
// the cookie is set here; the conversation is created on the first message.
func (m Main) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// conversation returns the conversation of the session, creating an empty one if needed.
func (m Main) conversation(sessionID string) *chat.Conversation {
	return m.sessions.getOrCreate(sessionID, func() *chat.Conversation {
		return m.newConversation(sessionID)
	})
}

// replaceConversation swaps the conversation of the session for one resuming a stored thread.
func (m Main) replaceConversation(sessionID string, opts ...chat.Option) *chat.Conversation {
	conv := m.newConversation(sessionID, opts...)
	m.sessions.replace(sessionID, conv)
	return conv
}

func (m Main) newConversation(sessionID string, opts ...chat.Option) *chat.Conversation {
	pub := newPublisher(m, sessionID)

	opts = append([]chat.Option{
		chat.WithLogger(m.logger.With(slog.String("sessionID", sessionID))),
		chat.WithObserver(pub.observe),
	}, opts...)

	return chat.New(m.agent, opts...)
}
