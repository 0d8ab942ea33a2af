// Package stdio implements the newline-delimited-JSON transport binding
// (spec.md §4.G): one message per line, concurrent processing, atomic
// per-response writes. On EOF Serve returns; sessions created over the
// stream are not destroyed and live until shutdown or TTL expiry.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/mcpforge/coreserver/internal/dispatcher"
	"github.com/sirupsen/logrus"
)

// Server reads newline-delimited JSON-RPC messages from r and writes
// responses to w, one line per message.
type Server struct {
	dispatch *dispatcher.Dispatcher
	log      *logrus.Entry

	writeMu sync.Mutex
}

// New constructs a stdio Server bound to dispatch.
func New(dispatch *dispatcher.Dispatcher, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{dispatch: dispatch, log: log}
}

// Serve reads lines from r until EOF or ctx cancellation, dispatching each
// concurrently; it returns once every in-flight message has been handled.
// It does not release the sessions created over the stream.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, line, w)
		}()
	}
	wg.Wait()
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer) {
	resp := s.dispatch.Handle(ctx, line)
	if resp == nil {
		return // notification: no response expected
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("stdio: failed to marshal response")
		return
	}
	out = append(out, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(out); err != nil {
		s.log.WithError(err).Error("stdio: failed to write response")
	}
}
