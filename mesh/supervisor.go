package mesh

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs a set of client Sessions and server Listeners together,
// stopping all of them as soon as any one returns a terminal error — the
// shape a process embedding multiple chains' mesh endpoints needs, since
// neither Session.Run nor Listener.Serve know about their siblings.
type Supervisor struct {
	sessions  []*Session
	listeners []*Listener
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor() *Supervisor { return &Supervisor{} }

// Add registers a client session to be run.
func (s *Supervisor) Add(sess *Session) { s.sessions = append(s.sessions, sess) }

// AddListener registers a server listener to be served.
func (s *Supervisor) AddListener(l *Listener) { s.listeners = append(s.listeners, l) }

// Run starts every session and listener concurrently and blocks until ctx
// is cancelled or one of the listeners fails; Session.Run itself never
// returns an error (it retries forever), so only listener failures end the
// group early.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, sess := range s.sessions {
		sess := sess
		g.Go(func() error {
			sess.Run(ctx)
			return nil
		})
	}

	for _, l := range s.listeners {
		l := l
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				_ = l.Close()
			}()
			return l.Serve()
		})
	}

	return g.Wait()
}
