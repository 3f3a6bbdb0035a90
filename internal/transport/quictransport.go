package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// QUICSink implements Sink over a QUIC connection (D3): each announced
// entry opens a new unidirectional stream carrying a length-prefixed name
// followed by the entry's bytes, then closes the stream. This is an
// alternative to the local-file and helper-process transports for
// backup-to-remote-host use, sharing the same interface so callers are
// agnostic to which is active.
type QUICSink struct {
	conn *quic.Conn
}

// NewQUICSink dials addr and wraps the resulting QUIC connection.
func NewQUICSink(ctx context.Context, addr string) (*QUICSink, error) {
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	return &QUICSink{conn: conn}, nil
}

func (s *QUICSink) Announce(ctx context.Context, name string) (io.WriteCloser, error) {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeFramedName(stream, name); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (s *QUICSink) Close() error {
	return s.conn.CloseWithError(0, "done")
}

// QUICSource implements Source over a QUIC connection, accepting one
// stream per announced entry.
type QUICSource struct {
	listener *quic.Listener
	conn     *quic.Conn
}

// ListenQUIC starts a QUIC listener on addr using a freshly generated
// self-signed certificate (or an operator-supplied one, if certPEM/keyPEM
// are non-nil).
func ListenQUIC(ctx context.Context, addr string, certPEM, keyPEM []byte) (*QUICSource, error) {
	if certPEM == nil || keyPEM == nil {
		var err error
		certPEM, keyPEM, err = GenerateSelfSignedCert()
		if err != nil {
			return nil, err
		}
	}
	tlsConf, err := ServerTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &QUICSource{listener: ln, conn: conn}, nil
}

func (s *QUICSource) Next(ctx context.Context) (string, io.ReadCloser, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return "", nil, io.EOF
	}
	name, err := readFramedName(stream)
	if err != nil {
		return "", nil, err
	}
	return name, stream, nil
}

func (s *QUICSource) Close() error {
	s.conn.CloseWithError(0, "done")
	return s.listener.Close()
}

func writeFramedName(w io.Writer, name string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(name)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

func readFramedName(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 1<<20 {
		return "", fmt.Errorf("transport: implausible name length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
