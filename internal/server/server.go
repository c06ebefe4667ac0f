// Package server implements the socket server: one goroutine accepting
// connections, one detached goroutine per connection, live-subscribe
// streaming and historical-read dispatch (spec §4.6).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/diskreader"
	"github.com/diamondlightsource/fa-archiver/internal/ring"
)

// Server owns the listening socket and dispatches every accepted
// connection to its own detached session goroutine (spec §4.6: "each
// connection runs in its own concurrent task with a detached lifecycle").
type Server struct {
	log       *zap.SugaredLogger
	ring      *ring.Ring
	archive   *archive.Archive
	interlock *archive.Interlock
	frameRate func() float64

	shutdown context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Server. frameRate reports the currently measured mean frame
// rate for the `CF`/`CFdD` commands. shutdown is invoked when a client
// sends `CQ` (spec §4.6: "CQ -> initiate orderly shutdown").
func New(log *zap.SugaredLogger, r *ring.Ring, ar *archive.Archive, interlock *archive.Interlock, frameRate func() float64, shutdown context.CancelFunc) *Server {
	return &Server{log: log, ring: r, archive: ar, interlock: interlock, frameRate: frameRate, shutdown: shutdown}
}

// Serve accepts connections on ln until ctx is cancelled, spawning one
// detached session goroutine per connection. Once ctx is cancelled the
// listener is closed and Serve waits for in-flight sessions to finish
// before returning nil; any other accept error is returned at once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) newDiskReader() (*diskreader.Reader, *archive.Archive, error) {
	ar, err := archive.Open(s.archive.File.Name())
	if err != nil {
		return nil, nil, err
	}
	return diskreader.New(ar, s.interlock), ar, nil
}
