// Package session binds one client conversation to one Claude.ai account.
// A session lazily creates the upstream conversation, relays its SSE byte
// stream line by line, and tears the conversation down when it goes away.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/webclient"
)

// Session is one live conversation bound to an account. All mutable state
// is guarded by mu; the stream goroutine only touches lastActivity through
// Touch.
type Session struct {
	ID string

	client  *webclient.Client
	pool    *account.Manager
	manager *Manager

	mu           sync.Mutex
	lastActivity time.Time
	convUUID     string
	paprikaMode  string
	stream       <-chan string
	done         chan struct{}

	preserveChats bool
}

func newSession(id string, client *webclient.Client, pool *account.Manager, manager *Manager, preserveChats bool) *Session {
	return &Session{
		ID:            id,
		client:        client,
		pool:          pool,
		manager:       manager,
		lastActivity:  time.Now(),
		done:          make(chan struct{}),
		preserveChats: preserveChats,
	}
}

// Account returns the account this session is pinned to.
func (s *Session) Account() *account.Account {
	return s.client.Account()
}

// Touch refreshes the activity timestamp used for idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent request or stream chunk.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ConversationUUID returns the upstream conversation id, empty before the
// first message.
func (s *Session) ConversationUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convUUID
}

func (s *Session) ensureConversation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convUUID != "" {
		return nil
	}
	convUUID, paprikaMode, err := s.client.CreateConversation(ctx)
	if err != nil {
		return err
	}
	s.convUUID = convUUID
	s.paprikaMode = paprikaMode
	return nil
}

// SetPaprikaMode switches the conversation mode, creating the conversation
// first if needed. A no-op when the mode already matches.
func (s *Session) SetPaprikaMode(ctx context.Context, mode string) error {
	if err := s.ensureConversation(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	current := s.paprikaMode
	convUUID := s.convUUID
	s.mu.Unlock()
	if current == mode {
		return nil
	}

	if err := s.client.SetPaprikaMode(ctx, convUUID, mode); err != nil {
		return err
	}
	s.mu.Lock()
	s.paprikaMode = mode
	s.mu.Unlock()
	return nil
}

// SendMessage posts a completion request and starts relaying the SSE
// response. The returned channel yields raw lines, newline included except
// possibly for the final one, and closes when upstream finishes.
func (s *Session) SendMessage(ctx context.Context, payload *claude.WebRequest) (<-chan string, error) {
	s.Touch()
	if err := s.ensureConversation(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	convUUID := s.convUUID
	s.mu.Unlock()

	resp, err := s.client.SendMessage(ctx, convUUID, payload)
	if err != nil {
		return nil, err
	}

	lines := make(chan string)
	s.mu.Lock()
	s.stream = lines
	s.mu.Unlock()
	go s.relay(resp, lines)

	log.Debugf("sent message for session %s", s.ID)
	return lines, nil
}

// relay splits the response body on newlines and forwards each line. When
// the consumer stops reading, the send blocks, which is how a paused
// tool-call stream stays parked without losing data.
func (s *Session) relay(resp *http.Response, lines chan<- string) {
	defer close(lines)
	defer func() { _ = resp.Body.Close() }()

	emit := func(line string) bool {
		select {
		case lines <- line:
			return true
		case <-s.done:
			return false
		}
	}

	var buffer []byte
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			s.Touch()
			buffer = append(buffer, chunk[:n]...)
			for {
				idx := indexNewline(buffer)
				if idx < 0 {
					break
				}
				if !emit(string(buffer[:idx+1])) {
					return
				}
				buffer = buffer[idx+1:]
			}
		}
		if err != nil {
			break
		}
	}
	if len(buffer) > 0 {
		emit(string(buffer))
	}

	log.Debugf("stream completed for session %s", s.ID)
	s.manager.Remove(s.ID)
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// Stream returns the line channel of the in-flight response, nil when no
// message has been sent. A paused tool-call turn resumes by reading from
// this same channel.
func (s *Session) Stream() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// UploadFile forwards file bytes to the account's upload endpoint.
func (s *Session) UploadFile(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	return s.client.UploadFile(ctx, data, filename, contentType)
}

// SendToolResult posts a tool result into the active conversation.
func (s *Session) SendToolResult(ctx context.Context, payload map[string]any) error {
	s.mu.Lock()
	convUUID := s.convUUID
	s.mu.Unlock()
	if convUUID == "" {
		return fmt.Errorf("session %s has no active conversation for tool results", s.ID)
	}
	return s.client.SendToolResult(ctx, convUUID, payload)
}

// cleanup deletes the upstream conversation (unless chats are preserved),
// unbinds the account and unparks any blocked stream goroutine.
func (s *Session) cleanup(ctx context.Context) {
	log.Debugf("cleaning up session %s", s.ID)

	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	convUUID := s.convUUID
	s.mu.Unlock()

	if convUUID != "" && !s.preserveChats {
		s.client.DeleteConversation(ctx, convUUID)
	}
	s.pool.ReleaseSession(s.ID)
}
