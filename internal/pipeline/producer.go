// Package pipeline implements the producer and consumer pipelines:
// per-member archive/compress/encrypt/chunk/MAC on backup, and
// verify/decrypt/decompress/extract on restore. The sender and
// extractor-controller stages are single goroutines draining a bounded
// channel, with context cancellation and callback hooks, generalized to
// named byte blobs handed to a transport.Sink/Source.
package pipeline

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blockvault/vmbackup/internal/archive"
	"github.com/blockvault/vmbackup/internal/cryptoengine"
	"github.com/blockvault/vmbackup/internal/progress"
	"github.com/blockvault/vmbackup/internal/transport"
)

// MemberSpec names one file to archive, along with the member path
// ("<subdir>/<basename>") it should appear under inside the archive.
type MemberSpec struct {
	SrcPath    string
	MemberName string
}

// ProducerConfig bundles the per-run settings ArchiveMember and Producer
// need. Passphrase keys the chunk MACs on every run and, when Encrypt is
// set, the cipher as well.
type ProducerConfig struct {
	ChunkSize         int
	Compress          bool
	CompressionFilter string
	Encrypt           bool
	CipherAlgorithm   string
	HMACAlgorithm     string
	Passphrase        []byte
}

// Producer drives the sender side of a backup run: a single goroutine
// consuming a SendQueue and handing each item to a transport.Sink,
// while the caller fills that queue from another goroutine by calling
// ArchiveMember for one member at a time. Calls are not made
// concurrently: each member's chunk sequence has to reach the queue
// uninterrupted, since the consumer rejects interleaved members.
type Producer struct {
	cfg     ProducerConfig
	sink    transport.Sink
	queue   *SendQueue
	tracker *progress.Tracker
	onSent  func(name string, bytes int)
}

// NewProducer constructs a Producer. onSent, if non-nil, is invoked from
// the sender goroutine after each successful emit (used for logging
// ChunkSealed events).
func NewProducer(cfg ProducerConfig, sink transport.Sink, queueDepth int, tracker *progress.Tracker, onSent func(name string, bytes int)) *Producer {
	return &Producer{
		cfg:     cfg,
		sink:    sink,
		queue:   NewSendQueue(queueDepth),
		tracker: tracker,
		onSent:  onSent,
	}
}

// Queue exposes the bounded send queue so the caller can enqueue
// entries of its own (such as the header) and close it once every
// ArchiveMember/ArchiveBytes call has returned.
func (p *Producer) Queue() *SendQueue { return p.queue }

// RunSender drains the queue and writes each item through the sink. It
// returns once the queue is closed and drained (the finished path) or a
// write fails (the error path). Callers run this in its own goroutine
// and join it via a channel of their own choosing.
func (p *Producer) RunSender(ctx context.Context) error {
	for {
		select {
		case item, ok := <-p.queue.items:
			if !ok {
				return p.sink.Close()
			}
			w, err := p.sink.Announce(ctx, item.name)
			if err != nil {
				wrapped := fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
				p.queue.fail(wrapped)
				return wrapped
			}
			if _, err := w.Write(item.data); err != nil {
				w.Close()
				wrapped := fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
				p.queue.fail(wrapped)
				return wrapped
			}
			if err := w.Close(); err != nil {
				wrapped := fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
				p.queue.fail(wrapped)
				return wrapped
			}
			if p.onSent != nil {
				p.onSent(item.name, len(item.data))
			}
		case <-ctx.Done():
			return archive.ErrCanceled
		}
	}
}

// ArchiveMember runs the per-file archive/compress/encrypt/chunk/MAC
// chain for one member and enqueues its chunk and .hmac pairs onto
// p.Queue(), in order. member.SrcPath names the file on disk;
// member.MemberName is the archive subdir-qualified name the chunk
// sequence is built from (member.MemberName + ".NNN").
func (p *Producer) ArchiveMember(ctx context.Context, member MemberSpec) (bytesWritten int64, chunkCount int, err error) {
	f, err := os.Open(member.SrcPath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}

	mac, err := cryptoengine.NewMAC(p.cfg.HMACAlgorithm, p.cfg.Passphrase)
	if err != nil {
		return 0, 0, err
	}

	emit := func(index int, data []byte, macHex string) error {
		select {
		case <-ctx.Done():
			return archive.ErrCanceled
		default:
		}
		chunkName := archive.ChunkName(member.MemberName, index)
		if err := p.queue.Enqueue(ctx, chunkName, data); err != nil {
			return err
		}
		if err := p.queue.Enqueue(ctx, archive.HMACName(chunkName), []byte(macHex)); err != nil {
			return err
		}
		if p.tracker != nil {
			p.tracker.AddBytes(int64(len(data)))
		}
		chunkCount++
		return nil
	}
	splitter := archive.NewSplitter(p.cfg.ChunkSize, mac, emit)

	var dst io.WriteCloser = nopWriteCloser{splitter}
	if p.cfg.Encrypt {
		enc, err := cryptoengine.EncryptWriter(splitter, p.cfg.CipherAlgorithm, p.cfg.Passphrase)
		if err != nil {
			return 0, 0, err
		}
		dst = enc
	}

	var tarDst io.WriteCloser = dst
	if p.cfg.Compress {
		gz := gzip.NewWriter(dst)
		tarDst = gzipThenClose{gz, dst}
	}

	tw := tar.NewWriter(tarDst)
	hdr := &tar.Header{
		Name:    filepath.ToSlash(member.MemberName),
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, 0, err
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return 0, 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, 0, err
	}
	if err := tarDst.Close(); err != nil {
		return 0, 0, err
	}
	if err := splitter.Close(); err != nil {
		return 0, 0, err
	}
	return n, chunkCount, nil
}

// ArchiveBytes runs the compress/encrypt/chunk/MAC chain over a single
// in-memory document and enqueues its chunk/.hmac pairs under baseName,
// skipping the inner tar archiving step ArchiveMember applies to VM
// files. This is how the catalog snapshot is chunked: it is already one
// self-contained opaque blob, not a file tree, so it goes straight to
// chunking like any other file's contents would once wrapped.
func (p *Producer) ArchiveBytes(ctx context.Context, baseName string, data []byte) (chunkCount int, err error) {
	mac, err := cryptoengine.NewMAC(p.cfg.HMACAlgorithm, p.cfg.Passphrase)
	if err != nil {
		return 0, err
	}

	emit := func(index int, chunk []byte, macHex string) error {
		select {
		case <-ctx.Done():
			return archive.ErrCanceled
		default:
		}
		chunkName := archive.ChunkName(baseName, index)
		if err := p.queue.Enqueue(ctx, chunkName, chunk); err != nil {
			return err
		}
		if err := p.queue.Enqueue(ctx, archive.HMACName(chunkName), []byte(macHex)); err != nil {
			return err
		}
		if p.tracker != nil {
			p.tracker.AddBytes(int64(len(chunk)))
		}
		chunkCount++
		return nil
	}
	splitter := archive.NewSplitter(p.cfg.ChunkSize, mac, emit)

	var dst io.WriteCloser = nopWriteCloser{splitter}
	if p.cfg.Encrypt {
		enc, err := cryptoengine.EncryptWriter(splitter, p.cfg.CipherAlgorithm, p.cfg.Passphrase)
		if err != nil {
			return 0, err
		}
		dst = enc
	}

	var wc io.WriteCloser = dst
	if p.cfg.Compress {
		gz := gzip.NewWriter(dst)
		wc = gzipThenClose{gz, dst}
	}

	if _, err := wc.Write(data); err != nil {
		return 0, err
	}
	if err := wc.Close(); err != nil {
		return 0, err
	}
	if err := splitter.Close(); err != nil {
		return 0, err
	}
	return chunkCount, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// gzipThenClose closes the gzip writer (flushing its footer into dst)
// and then the downstream encryptor/splitter, in that order.
type gzipThenClose struct {
	gz  *gzip.Writer
	dst io.WriteCloser
}

func (g gzipThenClose) Write(p []byte) (int, error) { return g.gz.Write(p) }
func (g gzipThenClose) Close() error {
	if err := g.gz.Close(); err != nil {
		return err
	}
	return g.dst.Close()
}
