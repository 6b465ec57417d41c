package scopetrig

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acqlab/scopetrig/asyncbufio"
	"github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
)

// rateMeter measures events per second over the trailing second.
type rateMeter struct {
	times []time.Time
}

func newRateMeter() *rateMeter {
	return &rateMeter{times: make([]time.Time, 0, 64)}
}

// tick records an event at t and returns the number of events in (t-1s, t].
func (m *rateMeter) tick(t time.Time) float64 {
	m.times = append(m.times, t)
	cutoff := t.Add(-time.Second)
	drop := 0
	for drop < len(m.times) && !m.times[drop].After(cutoff) {
		drop++
	}
	m.times = m.times[drop:]
	return float64(len(m.times))
}

// minWmemMax is the kernel socket send buffer size below which streaming may stall.
const minWmemMax = 4 * 1024 * 1024

// checkSocketBuffers warns when the kernel limits socket send buffers to less than want bytes.
func checkSocketBuffers(want int) error {
	value, err := sysctl.Get("net.core.wmem_max")
	if err != nil {
		return err
	}
	have, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("could not parse net.core.wmem_max=%q: %w", value, err)
	}
	if have < want {
		ProblemLogger.Printf("net.core.wmem_max=%d is below %d; waveform clients may see dropped frames", have, want)
		return fmt.Errorf("net.core.wmem_max=%d is below %d", have, want)
	}
	return nil
}

// WaveformServer streams framed captures to any number of TCP clients. Each
// client is one session with its own subscription, sequence numbers and
// write queue, so a slow or vanished client affects only itself.
type WaveformServer struct {
	broker     *CaptureBroker
	listener   net.Listener
	sessions   map[string]*waveformSession
	queueDepth int
	flushEvery time.Duration
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	sync.Mutex
}

// SessionStats describes one client session.
type SessionStats struct {
	ID      string
	Remote  string
	Started time.Time
	Sent    int64
	Dropped int64
}

type waveformSession struct {
	SessionStats
	conn   net.Conn
	writer *asyncbufio.Writer
	sync.Mutex
}

// NewWaveformServer creates a server that streams what broker publishes.
func NewWaveformServer(broker *CaptureBroker) *WaveformServer {
	return &WaveformServer{
		broker:     broker,
		sessions:   make(map[string]*waveformSession),
		queueDepth: 64,
		flushEvery: 50 * time.Millisecond,
		closed:     make(chan struct{}),
	}
}

// Listen binds the server to a TCP port (0 picks a free port).
func (ws *WaveformServer) Listen(port int) error {
	if err := checkSocketBuffers(minWmemMax); err != nil {
		log.Printf("socket buffer check: %v", err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ws.listener = listener
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (ws *WaveformServer) Addr() net.Addr {
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// Serve accepts clients until Close is called.
func (ws *WaveformServer) Serve() error {
	if ws.listener == nil {
		return fmt.Errorf("WaveformServer.Serve called before Listen")
	}
	for {
		conn, err := ws.listener.Accept()
		if err != nil {
			select {
			case <-ws.closed:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		// Close marks the server closed under the lock, so once it is waiting
		// no new session can be added.
		ws.Lock()
		select {
		case <-ws.closed:
			ws.Unlock()
			conn.Close()
			return nil
		default:
		}
		session := &waveformSession{conn: conn}
		session.ID = ulid.Make().String()
		session.Remote = conn.RemoteAddr().String()
		session.Started = time.Now()
		session.writer = asyncbufio.NewWriter(conn, ws.queueDepth, ws.flushEvery)
		ws.sessions[session.ID] = session
		ws.wg.Add(1)
		ws.Unlock()
		go ws.handle(session)
	}
}

// handle streams to one session until the client goes away, a write fails or the server closes.
func (ws *WaveformServer) handle(session *waveformSession) {
	defer ws.wg.Done()
	log.Printf("waveform session %s started for %s", session.ID, session.Remote)
	sub := ws.broker.Subscribe(ws.queueDepth)
	defer func() {
		ws.broker.Unsubscribe(sub.ID)
		ws.Lock()
		delete(ws.sessions, session.ID)
		ws.Unlock()
		session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		session.writer.Close()
		session.conn.Close()
		log.Printf("waveform session %s ended after %d waveforms (%d dropped)",
			session.ID, session.Sent, session.Dropped)
	}()

	// Clients send nothing; a read returning means the client hung up.
	hungUp := make(chan struct{})
	go func() {
		io.Copy(io.Discard, session.conn)
		close(hungUp)
	}()

	meter := newRateMeter()
	var seq uint32
	for {
		select {
		case <-ws.closed:
			return
		case <-hungUp:
			return
		case <-session.writer.Failed():
			ProblemLogger.Printf("waveform session %s write failed: %v", session.ID, session.writer.Err())
			return
		case w, ok := <-sub.C:
			if !ok {
				return
			}
			frame := w.Frame(seq, meter.tick(w.Time))
			seq++
			_, err := session.writer.Write(frame.Bytes())
			session.Lock()
			if errors.Is(err, asyncbufio.ErrFull) {
				session.Dropped++
			} else if err == nil {
				session.Sent++
			}
			session.Unlock()
		}
	}
}

// Sessions returns a snapshot of the connected sessions.
func (ws *WaveformServer) Sessions() []SessionStats {
	ws.Lock()
	defer ws.Unlock()
	result := make([]SessionStats, 0, len(ws.sessions))
	for _, s := range ws.sessions {
		s.Lock()
		result = append(result, s.SessionStats)
		s.Unlock()
	}
	return result
}

// Close stops accepting clients, ends every session and waits for them to finish.
// It is safe to call more than once; only the first call reports a listener error.
func (ws *WaveformServer) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.Lock()
		close(ws.closed)
		ws.Unlock()
		if ws.listener != nil {
			err = ws.listener.Close()
		}
	})
	ws.wg.Wait()
	return err
}
