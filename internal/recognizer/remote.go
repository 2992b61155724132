package recognizer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteConfig contains configuration for the remote decoder client
type RemoteConfig struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration // per-push reply timeout
	DialTimeout time.Duration
	SampleRate  int
}

// RemoteFactory connects sessions to an external streaming decoder over WebSocket.
// Each session gets its own decoder stream; the factory is shared.
type RemoteFactory struct {
	config RemoteConfig
	dialer *websocket.Dialer
	stats  statsCollector
}

// remoteReply is the decoder's answer to one pushed frame
type remoteReply struct {
	Frame   uint32         `json:"frame"`
	Results []remoteResult `json:"results"`
	Error   string         `json:"error,omitempty"`
	Fatal   bool           `json:"fatal,omitempty"`
}

type remoteResult struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// NewRemoteFactory creates a new remote decoder factory
func NewRemoteFactory(config RemoteConfig) (*RemoteFactory, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	return &RemoteFactory{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  16384,
		},
	}, nil
}

// NewRecognizer opens a decoder stream for sessionID
func (f *RemoteFactory) NewRecognizer(ctx context.Context, sessionID string) (Recognizer, error) {
	u, _ := url.Parse(f.config.Endpoint)
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("sample_rate", strconv.Itoa(f.config.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if f.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+f.config.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.config.DialTimeout)
	defer cancel()

	conn, resp, err := f.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial recognizer (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial recognizer: %w", err)
	}

	r := &Remote{
		sessionID: sessionID,
		conn:      conn,
		timeout:   f.config.Timeout,
		factory:   f,
		replies:   make(chan remoteReply, 16),
		closed:    make(chan struct{}),
	}

	f.stats.sessionOpened()
	go r.readLoop()

	return r, nil
}

// Stats returns current remote engine statistics
func (f *RemoteFactory) Stats() Stats {
	s := f.stats.snapshot()
	s.Driver = "remote"
	return s
}

// Close releases factory resources. Open streams are closed by their sessions.
func (f *RemoteFactory) Close() error {
	return nil
}

// Remote is one session's decoder stream. Push must not be called concurrently.
type Remote struct {
	sessionID string
	conn      *websocket.Conn
	timeout   time.Duration
	factory   *RemoteFactory

	frameID uint32
	replies chan remoteReply
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// readLoop delivers decoder replies until the stream fails or is closed
func (r *Remote) readLoop() {
	defer close(r.replies)

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.readErr = err
			return
		}

		var reply remoteReply
		if err := json.Unmarshal(data, &reply); err != nil {
			// Skip malformed replies; the pending push will time out
			continue
		}

		select {
		case r.replies <- reply:
		case <-r.closed:
			return
		}
	}
}

// Push sends one frame and waits for the decoder's reply to it
func (r *Remote) Push(ctx context.Context, pcm []int16) ([]Hypothesis, error) {
	start := time.Now()
	hyps, err := r.push(ctx, pcm)
	r.factory.stats.recordPush(time.Since(start), len(hyps), err)
	return hyps, err
}

func (r *Remote) push(ctx context.Context, pcm []int16) ([]Hypothesis, error) {
	select {
	case <-r.closed:
		return nil, fmt.Errorf("%w: recognizer closed", ErrUnrecoverable)
	default:
	}

	r.frameID++
	frameID := r.frameID

	msg := make([]byte, 4+len(pcm)*2)
	binary.BigEndian.PutUint32(msg[0:4], frameID)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(msg[4+i*2:], uint16(s))
	}

	r.writeMu.Lock()
	r.conn.SetWriteDeadline(time.Now().Add(r.timeout))
	err := r.conn.WriteMessage(websocket.BinaryMessage, msg)
	r.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send frame %d: %v", ErrUnrecoverable, frameID, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		select {
		case reply, ok := <-r.replies:
			if !ok {
				return nil, fmt.Errorf("%w: decoder stream closed: %v", ErrUnrecoverable, r.readErr)
			}

			if reply.Frame < frameID {
				// Late reply to a frame that already timed out
				continue
			}

			if reply.Fatal {
				return nil, fmt.Errorf("%w: %s", ErrUnrecoverable, reply.Error)
			}

			if reply.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrInference, reply.Error)
			}

			hyps := make([]Hypothesis, 0, len(reply.Results))
			for _, res := range reply.Results {
				hyps = append(hyps, Hypothesis{
					SessionID: r.sessionID,
					Text:      strings.TrimSpace(res.Text),
					IsFinal:   res.Final,
				})
			}
			return hyps, nil

		case <-timer.C:
			return nil, fmt.Errorf("%w: no reply for frame %d within %s", ErrInference, frameID, r.timeout)

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
		}
	}
}

// Close ends the decoder stream
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)

		r.writeMu.Lock()
		r.conn.SetWriteDeadline(time.Now().Add(time.Second))
		r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
		r.writeMu.Unlock()

		err = r.conn.Close()
		r.factory.stats.sessionClosed()
	})
	return err
}
