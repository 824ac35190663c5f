package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Stream is a Transport over a byte stream pair, such as an engine process's stdout and stdin.
type Stream struct {
	log     *zap.SugaredLogger
	r       io.Reader
	w       io.WriteCloser
	stderr  io.Reader
	closers []func() error

	listener Listener
	dec      *Decoder

	startOnce sync.Once
	writeMut  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup
}

// NewStream builds a transport that reads frames from r and writes frames to w.
func NewStream(r io.Reader, w io.WriteCloser, opts ...Option) *Stream {
	o := buildOptions(opts)
	return &Stream{
		log:     o.log.Named("stream"),
		r:       r,
		w:       w,
		stderr:  o.stderr,
		closers: o.closers,
		dec:     NewDecoder(),
		closed:  make(chan struct{}),
	}
}

func (s *Stream) Start(l Listener) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		s.listener = l
		s.wg.Add(1)
		go s.readFrames()
		if s.stderr != nil {
			s.wg.Add(1)
			go s.readStderr()
		}
	})
	if !started {
		return errors.New("stream already started")
	}
	return nil
}

func (s *Stream) Send(payload []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	buf := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)

	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	_, err := s.w.Write(buf)
	if err != nil {
		err = fmt.Errorf("writing frame: %w", err)
		s.shutdown(err)
		return err
	}
	return nil
}

func (s *Stream) Close(reason error) error {
	s.shutdown(reason)
	return s.closeErr
}

// Wait blocks until the read goroutines have exited.
func (s *Stream) Wait() {
	s.wg.Wait()
}

// shutdown closes the stream once. The listener is notified outside the Once
// so that it may call back into Close without deadlocking.
func (s *Stream) shutdown(reason error) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.closed)
		s.closeErr = s.release()
	})
	if !first {
		return
	}
	s.log.Debugw("stream closed", "Reason", reason, "Error", s.closeErr)
	s.listener.close(reason)
}

func (s *Stream) release() error {
	var err error
	if cerr := s.w.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("closing writer: %w", cerr))
	}
	if rc, ok := s.r.(io.Closer); ok {
		if cerr := rc.Close(); cerr != nil {
			s.log.Debugf("error closing reader: %s", cerr)
		}
	}
	for _, c := range s.closers {
		err = multierr.Append(err, c())
	}
	return err
}

func (s *Stream) readFrames() {
	defer s.wg.Done()
	buf := make([]byte, readLimit)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			frames, ferr := s.dec.Feed(buf[:n])
			for _, f := range frames {
				select {
				case <-s.closed:
					return
				default:
				}
				s.listener.frame(f)
			}
			if ferr != nil {
				s.shutdown(fmt.Errorf("decoding frames: %w", ferr))
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.shutdown(ErrPeerClosed)
			} else {
				s.shutdown(fmt.Errorf("reading frames: %w", err))
			}
			return
		}
		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// readStderr forwards the engine's diagnostic output line by line. Lines longer than readLimit
// are split. After a read error the rest of the stream is discarded.
func (s *Stream) readStderr() {
	defer s.wg.Done()
	r := bufio.NewReaderSize(s.stderr, readLimit)
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if len(line) > 0 {
				s.listener.logLine(string(line))
			}
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("stderr reader got error: %s", err)
				if _, err := io.Copy(io.Discard, s.stderr); err != nil {
					s.log.Debugf("draining stderr: %s", err)
				}
			}
			return
		}
		line = append(line, chunk...)
		if isPrefix && len(line) < readLimit {
			continue
		}
		s.listener.logLine(string(line))
		line = line[:0]
	}
}
